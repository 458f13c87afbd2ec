package credit

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// AccountStatus is the display classification of a credit account.
type AccountStatus string

const (
	StatusNone      AccountStatus = "none"
	StatusHealthy   AccountStatus = "healthy"
	StatusWarning   AccountStatus = "warning"
	StatusCritical  AccountStatus = "critical"
	StatusOverLimit AccountStatus = "over_limit"
	StatusSuspended AccountStatus = "suspended"
	StatusBlocked   AccountStatus = "blocked"
)

// Utilization bands, in percent.
const (
	WarningUtilization   = 60.0
	CriticalUtilization  = 80.0
	OverLimitUtilization = 100.0
)

// StatusView is the outcome of ClassifyStatus.
type StatusView struct {
	Status      AccountStatus `json:"status"`
	Color       string        `json:"color"`
	Message     string        `json:"message"`
	Utilization float64       `json:"utilization"`
}

var printer = message.NewPrinter(language.English)

// Utilization returns used/limit as a percentage. A zero limit reads as 0% when
// nothing is owed and as fully utilised otherwise.
func Utilization(limit *CreditLimit) float64 {
	if limit == nil {
		return 0
	}
	if limit.LimitAmount <= 0 {
		if limit.UsedAmount <= 0 {
			return 0
		}
		return OverLimitUtilization
	}
	return math.Round(limit.UsedAmount/limit.LimitAmount*10000) / 100
}

// utilizationAtLeast reports whether used/limit is at or above pct percent,
// compared exactly rather than on the rounded Utilization.
func utilizationAtLeast(limit *CreditLimit, pct float64) bool {
	if limit.LimitAmount <= 0 {
		return limit.UsedAmount > 0
	}
	used := decimal.NewFromFloat(limit.UsedAmount).Round(moneyPlaces).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(limit.LimitAmount).Round(moneyPlaces).Mul(decimal.NewFromFloat(pct))
	return used.GreaterThanOrEqual(threshold)
}

// ClassifyStatus derives the display status of an account. Administrative
// suspension or blocking always takes precedence over utilization.
func ClassifyStatus(limit *CreditLimit) StatusView {
	if limit == nil || !limit.IsActive {
		return StatusView{Status: StatusNone, Color: "gray", Message: "No credit limit configured"}
	}
	util := Utilization(limit)
	switch limit.Status {
	case LimitStatusSuspended:
		return StatusView{Status: StatusSuspended, Color: "gray", Message: "Credit account suspended", Utilization: util}
	case LimitStatusBlocked:
		return StatusView{Status: StatusBlocked, Color: "black", Message: "Credit account blocked", Utilization: util}
	}
	available := addMoney(limit.LimitAmount, -limit.UsedAmount)
	switch {
	case utilizationAtLeast(limit, OverLimitUtilization):
		return StatusView{
			Status:      StatusOverLimit,
			Color:       "red",
			Message:     printer.Sprintf("Credit limit reached (%.0f%% used)", util),
			Utilization: util,
		}
	case utilizationAtLeast(limit, CriticalUtilization):
		return StatusView{
			Status:      StatusCritical,
			Color:       "orange",
			Message:     printer.Sprintf("Only %.2f of credit left (%.0f%% used)", available, util),
			Utilization: util,
		}
	case utilizationAtLeast(limit, WarningUtilization):
		return StatusView{
			Status:      StatusWarning,
			Color:       "yellow",
			Message:     printer.Sprintf("%.0f%% of credit used", util),
			Utilization: util,
		}
	default:
		return StatusView{
			Status:      StatusHealthy,
			Color:       "green",
			Message:     printer.Sprintf("%.2f of credit available", available),
			Utilization: util,
		}
	}
}

// RiskTier is a qualitative risk bucket.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskModerate RiskTier = "moderate"
	RiskHigh     RiskTier = "high"
)

// Confidence indicates how much data backs an analysis.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// RiskFactor is one contribution to the risk score. Positive impact raises risk.
type RiskFactor struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Impact      float64 `json:"impact"`
}

// RiskAnalysis is an advisory, non-persisted assessment of a client.
type RiskAnalysis struct {
	ClientID       int64        `json:"client_id"`
	Tier           RiskTier     `json:"tier"`
	Score          float64      `json:"score"`
	Confidence     Confidence   `json:"confidence"`
	OnTimeRatio    float64      `json:"on_time_ratio"`
	OverdueCount   int          `json:"overdue_count"`
	Utilization    float64      `json:"utilization"`
	SpendTrend     float64      `json:"spend_trend"`
	AccountAgeDays int          `json:"account_age_days"`
	Factors        []RiskFactor `json:"factors"`
	Recommendation string       `json:"recommendation"`
	AnalyzedAt     time.Time    `json:"analyzed_at"`
}

const (
	neutralScore = 50.0
	trendWindow  = 90 * 24 * time.Hour
)

// AnalyzeRisk combines punctuality, utilization, spend trend and account age
// into a risk tier. It never mutates its inputs.
func AnalyzeRisk(profile ClientProfile, history []PurchaseRecord, limit *CreditLimit, asOf time.Time) RiskAnalysis {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	out := RiskAnalysis{
		ClientID:    profile.ClientID,
		Score:       neutralScore,
		Utilization: Utilization(limit),
		AnalyzedAt:  asOf,
		Factors:     []RiskFactor{},
	}
	if !profile.CreatedAt.IsZero() && profile.CreatedAt.Before(asOf) {
		out.AccountAgeDays = int(asOf.Sub(profile.CreatedAt).Hours() / 24)
	}

	add := func(code, desc string, impact float64) {
		out.Factors = append(out.Factors, RiskFactor{Code: code, Description: desc, Impact: impact})
		out.Score += impact
	}

	if len(history) == 0 {
		add("no_history", "No purchase history available", 0)
	} else {
		onTime, settled, overdue := punctuality(history, asOf)
		out.OverdueCount = overdue
		if settled > 0 {
			out.OnTimeRatio = math.Round(float64(onTime)/float64(settled)*100) / 100
			switch {
			case out.OnTimeRatio >= 0.9:
				add("punctual_payer", "Pays on time consistently", -20)
			case out.OnTimeRatio >= 0.7:
				add("mostly_punctual", "Occasional late payments", 0)
			default:
				add("late_payer", "Frequent late payments", 20)
			}
		}
		if overdue > 0 {
			add("overdue_purchases", printer.Sprintf("%d purchases past due and unpaid", overdue), math.Min(float64(overdue)*10, 30))
		}
		out.SpendTrend = spendTrend(history, asOf)
		switch {
		case out.SpendTrend >= 1.5:
			add("rising_spend", "Spending grew sharply over the last 90 days", 10)
		case out.SpendTrend > 0 && out.SpendTrend <= 0.5:
			add("falling_spend", "Spending dropped over the last 90 days", -5)
		}
	}

	switch {
	case limit == nil:
	case out.Utilization >= OverLimitUtilization:
		add("over_limit", "Balance at or above the credit limit", 25)
	case out.Utilization >= CriticalUtilization:
		add("high_utilization", "Utilization above 80%", 15)
	case out.Utilization >= WarningUtilization:
		add("elevated_utilization", "Utilization above 60%", 5)
	case out.Utilization < 30:
		add("low_utilization", "Utilization below 30%", -5)
	}
	if limit != nil && limit.Status != LimitStatusActive {
		add("account_"+string(limit.Status), "Account is "+string(limit.Status), 20)
	}

	switch {
	case profile.CreatedAt.IsZero():
	case out.AccountAgeDays < 90:
		add("new_account", "Account younger than 90 days", 10)
	case out.AccountAgeDays >= 730:
		add("established_account", "Account older than two years", -10)
	}

	out.Score = math.Max(0, math.Min(100, out.Score))
	switch {
	case out.Score < 35:
		out.Tier = RiskLow
		out.Recommendation = "Eligible for limit increase"
	case out.Score < 65:
		out.Tier = RiskModerate
		out.Recommendation = "Maintain current limit"
	default:
		out.Tier = RiskHigh
		out.Recommendation = "Review account before extending further credit"
	}
	switch n := len(history); {
	case n < 3:
		out.Confidence = ConfidenceLow
	case n < 10:
		out.Confidence = ConfidenceMedium
	default:
		out.Confidence = ConfidenceHigh
	}
	return out
}

// punctuality counts on-time settlements, settled-or-due purchases and overdue unpaid ones.
func punctuality(history []PurchaseRecord, asOf time.Time) (onTime, settled, overdue int) {
	for _, p := range history {
		if p.DueAt == nil {
			continue
		}
		switch {
		case p.PaidAt != nil:
			settled++
			if !p.PaidAt.After(*p.DueAt) {
				onTime++
			}
		case asOf.After(*p.DueAt):
			settled++
			overdue++
		}
	}
	return onTime, settled, overdue
}

// spendTrend returns recent/previous spend over two consecutive windows, or 0
// when the previous window is empty.
func spendTrend(history []PurchaseRecord, asOf time.Time) float64 {
	recentFrom := asOf.Add(-trendWindow)
	previousFrom := recentFrom.Add(-trendWindow)
	var recent, previous float64
	for _, p := range history {
		switch {
		case p.PurchasedAt.After(asOf):
		case !p.PurchasedAt.Before(recentFrom):
			recent += p.Amount
		case !p.PurchasedAt.Before(previousFrom):
			previous += p.Amount
		}
	}
	if previous <= 0 {
		return 0
	}
	return math.Round(recent/previous*100) / 100
}
