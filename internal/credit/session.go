package credit

import (
	"context"
	"sync"
)

// Session is a facade over one client's account for a single interaction. It
// caches the last successfully loaded view; a failed call keeps that view and
// records the error for display.
type Session struct {
	svc      *Service
	clientID int64
	actor    int64

	mu      sync.RWMutex
	view    *View
	lastErr error
}

func newSession(svc *Service, clientID, actor int64) *Session {
	return &Session{
		svc:      svc,
		clientID: clientID,
		actor:    actor,
		view:     &View{Status: ClassifyStatus(nil), Transactions: []CreditTransaction{}, Applications: []CreditApplication{}},
	}
}

// ClientID returns the client the session is bound to.
func (s *Session) ClientID() int64 { return s.clientID }

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

func (s *Session) update(fn func(v *View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.view.clone()
	fn(next)
	next.Status = ClassifyStatus(next.Limit)
	s.view = next
	s.lastErr = nil
}

// Refresh reloads the account view.
func (s *Session) Refresh(ctx context.Context) error {
	view, err := s.svc.View(ctx, s.clientID)
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.view = view
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

// CreateOrUpdateLimit sets the client's limit amount.
func (s *Session) CreateOrUpdateLimit(ctx context.Context, amount float64, notes *string) (*CreditLimit, error) {
	res, err := s.svc.SetLimit(ctx, SetLimitInput{ClientID: s.clientID, LimitAmount: amount, Actor: s.actor, Notes: notes})
	if err != nil {
		return nil, s.fail(err)
	}
	s.update(func(v *View) {
		v.Limit = res.Limit
		if res.Entry != nil {
			v.Transactions = prependEntry(v.Transactions, *res.Entry, s.svc.cfg.RecentEntries)
		}
	})
	return res.Limit, nil
}

// CheckEligibility evaluates a purchase against the cached view without I/O.
func (s *Session) CheckEligibility(amount float64) Eligibility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CanPurchase(s.view.Limit, amount)
}

// SubmitApplication requests a new limit for the client.
func (s *Session) SubmitApplication(ctx context.Context, requested float64, reason string) (*Outcome, error) {
	out, err := s.svc.SubmitApplication(ctx, SubmitInput{ClientID: s.clientID, RequestedLimit: requested, Reason: reason, Actor: s.actor})
	if err != nil {
		return nil, s.fail(err)
	}
	s.absorb(out)
	return out, nil
}

// DecideApplication approves or rejects one of the client's applications.
func (s *Session) DecideApplication(ctx context.Context, applicationID int64, decision Decision, approvedLimit *float64, rejectedReason *string) (*Outcome, error) {
	out, err := s.svc.DecideApplication(ctx, DecideInput{
		ApplicationID:  applicationID,
		Decision:       decision,
		Actor:          s.actor,
		ApprovedLimit:  approvedLimit,
		RejectedReason: rejectedReason,
	})
	if err != nil {
		return nil, s.fail(err)
	}
	s.absorb(out)
	return out, nil
}

func (s *Session) absorb(out *Outcome) {
	s.update(func(v *View) {
		if out.Limit != nil && out.Limit.ClientID == s.clientID {
			v.Limit = out.Limit
		}
		if out.Entry != nil && out.Entry.ClientID == s.clientID {
			v.Transactions = prependEntry(v.Transactions, *out.Entry, s.svc.cfg.RecentEntries)
		}
		if out.Application != nil && out.Application.ClientID == s.clientID {
			v.Applications = upsertApplication(v.Applications, *out.Application)
		}
	})
}

// RecordTransaction applies a purchase, payment or adjustment to the client's ledger.
func (s *Session) RecordTransaction(ctx context.Context, txType TransactionType, amount float64, description string, saleID *int64) (*TransactionResult, error) {
	res, err := s.svc.RecordTransaction(ctx, RecordTransactionInput{
		ClientID:    s.clientID,
		Type:        txType,
		Amount:      amount,
		Description: description,
		SaleID:      saleID,
		Actor:       s.actor,
	})
	if err != nil {
		return nil, s.fail(err)
	}
	s.update(func(v *View) {
		v.Limit = res.Limit
		v.Transactions = prependEntry(v.Transactions, *res.Entry, s.svc.cfg.RecentEntries)
	})
	return res, nil
}

// SetStatus changes the administrative status of the client's limit.
func (s *Session) SetStatus(ctx context.Context, status LimitStatus, notes *string) (*CreditLimit, error) {
	limit, err := s.svc.SetStatus(ctx, s.clientID, status, s.actor, notes)
	if err != nil {
		return nil, s.fail(err)
	}
	s.update(func(v *View) { v.Limit = limit })
	return limit, nil
}

// Status classifies the cached limit.
func (s *Session) Status() StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ClassifyStatus(s.view.Limit)
}

// Utilization returns the cached utilization percentage.
func (s *Session) Utilization() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Utilization(s.view.Limit)
}

// AnalyzeRisk runs the advisory risk analysis on the cached limit.
func (s *Session) AnalyzeRisk(profile ClientProfile, history []PurchaseRecord) RiskAnalysis {
	s.mu.RLock()
	limit := s.view.Limit
	s.mu.RUnlock()
	if profile.ClientID == 0 {
		profile.ClientID = s.clientID
	}
	return AnalyzeRisk(profile, history, limit, s.svc.clock())
}

// LastError returns the message of the last failed call, or "" after a success.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.Error()
}

// Err returns the last failure.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Snapshot returns a copy of the cached view.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.view.clone()
}

func prependEntry(entries []CreditTransaction, entry CreditTransaction, max int) []CreditTransaction {
	out := make([]CreditTransaction, 0, len(entries)+1)
	out = append(out, entry)
	out = append(out, entries...)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func upsertApplication(apps []CreditApplication, app CreditApplication) []CreditApplication {
	for i := range apps {
		if apps[i].ID == app.ID {
			apps[i] = app
			return apps
		}
	}
	return append([]CreditApplication{app}, apps...)
}
