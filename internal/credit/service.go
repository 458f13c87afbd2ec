package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

const (
	idempotencyModule      = "credit.transaction"
	defaultMaxRetries      = 3
	defaultLockTTL         = 10 * time.Second
	defaultRecentEntries   = 50
	defaultLedgerPageSize  = 200
	auditEntityCreditLimit = "credit_limit"
	auditEntityApplication = "credit_application"
	auditEntitySettings    = "credit_settings"
)

// Notifier announces application decisions to interested parties.
type Notifier interface {
	ApplicationDecided(ctx context.Context, app CreditApplication) error
}

// Auditor persists audit trail records.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config tunes the ledger service.
type Config struct {
	MaxRetries    int
	LockTTL       time.Duration
	RecentEntries int
}

// ServiceParams bundles the collaborators of Service.
type ServiceParams struct {
	Store    Store
	Settings *SettingsManager
	Locker   lock.Locker
	Cache    *cache.JSONCache
	Notifier Notifier
	Auditor  Auditor
	Metrics  *Metrics
	Logger   *slog.Logger
	Config   Config
}

// Service coordinates the ledger components and owns per-client write serialization.
type Service struct {
	store    Store
	settings *SettingsManager
	limits   *LimitRepository
	recorder *Recorder
	workflow *Workflow
	locker   lock.Locker
	cache    *cache.JSONCache
	notifier Notifier
	auditor  Auditor
	metrics  *Metrics
	logger   *slog.Logger
	cfg      Config
	group    singleflight.Group
	clock    func() time.Time
}

// NewService wires a Service. Store is required; the rest fall
// back to in-process or no-op implementations.
func NewService(p ServiceParams) *Service {
	if p.Settings == nil {
		p.Settings = NewSettingsManager(p.Store, DefaultSettings)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Config.MaxRetries <= 0 {
		p.Config.MaxRetries = defaultMaxRetries
	}
	if p.Config.LockTTL <= 0 {
		p.Config.LockTTL = defaultLockTTL
	}
	if p.Config.RecentEntries <= 0 {
		p.Config.RecentEntries = defaultRecentEntries
	}
	if p.Locker == nil {
		p.Locker = lock.NewLocalLocker(p.Config.LockTTL)
	}
	limits := NewLimitRepository(p.Store, p.Settings)
	recorder := NewRecorder(p.Store)
	return &Service{
		store:    p.Store,
		settings: p.Settings,
		limits:   limits,
		recorder: recorder,
		workflow: NewWorkflow(limits, recorder, p.Settings),
		locker:   p.Locker,
		cache:    p.Cache,
		notifier: p.Notifier,
		auditor:  p.Auditor,
		metrics:  p.Metrics,
		logger:   p.Logger,
		cfg:      p.Config,
		clock:    time.Now,
	}
}

// write serializes fn against other writers of clientID and retries it on
// optimistic version conflicts. The cached view is dropped after commit.
func (s *Service) write(ctx context.Context, clientID int64, op string, fn func(context.Context, StoreTx) error) error {
	release, err := s.locker.Acquire(ctx, shared.CreditLimitLockKey(clientID), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("%w: %s: client %d is busy", ErrConcurrentModification, op, clientID)
		}
		return unavailable(op+": lock", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("credit lock release failed", slog.Int64("client_id", clientID), slog.Any("error", err))
		}
	}()

	for attempt := 0; ; attempt++ {
		err = s.store.WithTx(ctx, fn)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt >= s.cfg.MaxRetries {
			return err
		}
		s.metrics.retry()
		s.logger.Debug("credit write retry", slog.String("op", op), slog.Int64("client_id", clientID), slog.Int("attempt", attempt+1))
	}
	s.invalidate(ctx, clientID)
	return nil
}

func (s *Service) viewKey(clientID int64) string {
	return s.cache.Key("view", strconv.FormatInt(clientID, 10))
}

func (s *Service) viewGenKey(clientID int64) string {
	return s.cache.Key("view-gen", strconv.FormatInt(clientID, 10))
}

// invalidate drops the cached view and bumps its generation so that view
// loads started before the write do not store their result.
func (s *Service) invalidate(ctx context.Context, clientID int64) {
	key := s.viewKey(clientID)
	s.group.Forget(key)
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), s.viewGenKey(clientID), key); err != nil {
		s.logger.Warn("credit view invalidation failed", slog.Int64("client_id", clientID), slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, entry shared.AuditLog) {
	if s.auditor == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = s.clock()
	}
	if err := s.auditor.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("credit audit failed", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, out *Outcome) {
	if !out.Decided() {
		return
	}
	app := *out.Application
	actor := SystemActor
	if app.ApprovedBy != nil {
		actor = *app.ApprovedBy
	}
	s.metrics.decision(app.Status, actor)
	s.audit(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "credit.application." + string(app.Status),
		Entity:   auditEntityApplication,
		EntityID: strconv.FormatInt(app.ID, 10),
		Meta: map[string]any{
			"client_id":       app.ClientID,
			"requested_limit": app.RequestedLimit,
			"approved_limit":  app.ApprovedLimit,
			"auto_approved":   out.AutoApproved,
		},
	})
	if out.Entry != nil {
		s.metrics.transaction(out.Entry)
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ApplicationDecided(context.WithoutCancel(ctx), app); err != nil {
		s.logger.Warn("credit decision notification failed", slog.Int64("application_id", app.ID), slog.Any("error", err))
	}
}

// View returns the account state of clientID: active limit, recent entries,
// applications and display status. A client without a limit yields a view
// with a nil Limit.
func (s *Service) View(ctx context.Context, clientID int64) (*View, error) {
	if clientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	key := s.viewKey(clientID)
	v, err, _ := s.group.Do(key, func() (any, error) {
		var view View
		err := s.cache.FetchJSONGen(ctx, key, s.viewGenKey(clientID), &view, func(ctx context.Context) (any, error) {
			s.metrics.viewLoad("store")
			return s.loadView(ctx, clientID)
		})
		if err != nil {
			return nil, err
		}
		return &view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*View).clone(), nil
}

func (s *Service) loadView(ctx context.Context, clientID int64) (*View, error) {
	view := &View{Transactions: []CreditTransaction{}, Applications: []CreditApplication{}, LoadedAt: s.clock()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limit, err := s.limits.Get(gctx, clientID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		view.Limit = limit
		entries, err := s.recorder.List(gctx, limit.ID, s.cfg.RecentEntries)
		if err != nil {
			return err
		}
		if entries != nil {
			view.Transactions = entries
		}
		return nil
	})
	g.Go(func() error {
		apps, err := s.store.ListApplications(gctx, clientID)
		if err != nil {
			return err
		}
		if apps != nil {
			view.Applications = apps
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	view.Status = ClassifyStatus(view.Limit)
	return view, nil
}

// GetLimit returns the active limit of clientID.
func (s *Service) GetLimit(ctx context.Context, clientID int64) (*CreditLimit, error) {
	return s.limits.Get(ctx, clientID)
}

// SetLimitInput creates or changes a client's limit.
type SetLimitInput struct {
	ClientID    int64
	LimitAmount float64
	Actor       int64
	Notes       *string
	// UseDefault opens a missing limit at the configured default amount.
	UseDefault bool
}

// LimitChange is the result of SetLimit.
type LimitChange struct {
	Limit   *CreditLimit       `json:"limit"`
	Entry   *CreditTransaction `json:"entry,omitempty"`
	Created bool               `json:"created"`
}

// SetLimit creates or updates the client's limit and records a limit_change
// entry when the amount changes.
func (s *Service) SetLimit(ctx context.Context, in SetLimitInput) (*LimitChange, error) {
	if in.ClientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	if in.LimitAmount < 0 {
		return nil, invalidArg("limit amount must not be negative")
	}
	var out *LimitChange
	err := s.write(ctx, in.ClientID, "set limit", func(ctx context.Context, tx StoreTx) error {
		res, err := s.limits.Upsert(ctx, tx, UpsertLimitInput(in))
		if err != nil {
			return err
		}
		delta := addMoney(res.Limit.LimitAmount, -res.PreviousLimit)
		out = &LimitChange{Limit: res.Limit, Created: res.Created}
		if delta == 0 && !res.Created {
			return nil
		}
		desc := fmt.Sprintf("limit changed from %.2f to %.2f", res.PreviousLimit, res.Limit.LimitAmount)
		if res.Created {
			desc = fmt.Sprintf("limit opened at %.2f", res.Limit.LimitAmount)
		}
		out.Entry, err = s.recorder.Record(ctx, tx, RecordInput{
			CreditLimitID: res.Limit.ID,
			ClientID:      in.ClientID,
			Type:          TxLimitChange,
			Amount:        delta,
			BalanceBefore: res.Limit.UsedAmount,
			BalanceAfter:  res.Limit.UsedAmount,
			Description:   desc,
			Actor:         in.Actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.transaction(out.Entry)
	s.audit(ctx, shared.AuditLog{
		ActorID:  in.Actor,
		Action:   "credit.limit.set",
		Entity:   auditEntityCreditLimit,
		EntityID: strconv.FormatInt(out.Limit.ID, 10),
		Meta:     map[string]any{"client_id": in.ClientID, "limit_amount": out.Limit.LimitAmount, "created": out.Created},
	})
	return out, nil
}

// SetStatus changes the administrative status of a client's limit.
func (s *Service) SetStatus(ctx context.Context, clientID int64, status LimitStatus, actor int64, notes *string) (*CreditLimit, error) {
	if clientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	if !status.Valid() {
		return nil, invalidArg("unknown status %q", status)
	}
	var out *CreditLimit
	err := s.write(ctx, clientID, "set status", func(ctx context.Context, tx StoreTx) error {
		var err error
		out, err = s.limits.SetStatus(ctx, tx, clientID, status, notes)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "credit.limit.status",
		Entity:   auditEntityCreditLimit,
		EntityID: strconv.FormatInt(out.ID, 10),
		Meta:     map[string]any{"client_id": clientID, "status": status},
	})
	return out, nil
}

// CheckEligibility evaluates a prospective purchase against the latest
// committed state. It takes no lock; RecordTransaction re-validates.
func (s *Service) CheckEligibility(ctx context.Context, clientID int64, amount float64) (Eligibility, error) {
	view, err := s.View(ctx, clientID)
	if err != nil {
		return Eligibility{}, err
	}
	res := CanPurchase(view.Limit, amount)
	if !res.Allowed {
		s.metrics.denial(res.Reason)
	}
	return res, nil
}

// RecordTransactionInput is a balance-affecting ledger request.
type RecordTransactionInput struct {
	ClientID       int64
	Type           TransactionType
	Amount         float64
	Description    string
	SaleID         *int64
	Actor          int64
	IdempotencyKey string
}

func (in *RecordTransactionInput) normalize() error {
	if in.ClientID <= 0 {
		return invalidArg("client id must be positive")
	}
	if in.Type == TxLimitChange {
		return invalidArg("limit_change entries are written by limit updates")
	}
	in.Amount = roundMoney(in.Amount)
	if err := validateAmount(in.Type, in.Amount); err != nil {
		return err
	}
	if in.SaleID != nil && *in.SaleID <= 0 {
		return invalidArg("sale id must be positive")
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		in.Description = string(in.Type)
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	return nil
}

// TransactionResult is the committed entry and the limit it changed.
type TransactionResult struct {
	Entry *CreditTransaction `json:"entry"`
	Limit *CreditLimit       `json:"limit"`
}

// RecordTransaction applies a purchase, payment or adjustment. The limit is
// re-read under lock, the balance computed, the entry appended and the limit
// persisted inside one store transaction.
func (s *Service) RecordTransaction(ctx context.Context, in RecordTransactionInput) (*TransactionResult, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	var out *TransactionResult
	err := s.write(ctx, in.ClientID, "record transaction", func(ctx context.Context, tx StoreTx) error {
		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, in.IdempotencyKey, idempotencyModule); err != nil {
				return err
			}
		}
		limit, err := tx.LockCreditLimit(ctx, in.ClientID)
		if errors.Is(err, ErrNotFound) {
			return invalidState("no active credit limit for client %d", in.ClientID)
		}
		if err != nil {
			return err
		}
		limit.Recompute()
		if in.Type == TxPurchase {
			if res := CanPurchase(limit, in.Amount); !res.Allowed {
				s.metrics.denial(res.Reason)
				return fmt.Errorf("%w: %s (available %.2f)", ErrNotEligible, res.Reason, res.AvailableCredit)
			}
		}
		before := limit.UsedAmount
		after := ApplyBalance(in.Type, in.Amount, before)
		entry, err := s.recorder.Record(ctx, tx, RecordInput{
			CreditLimitID: limit.ID,
			ClientID:      in.ClientID,
			Type:          in.Type,
			Amount:        in.Amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   in.Description,
			Actor:         in.Actor,
			SaleID:        in.SaleID,
		})
		if err != nil {
			return err
		}
		limit.UsedAmount = after
		saved, err := s.limits.Persist(ctx, tx, *limit)
		if err != nil {
			return err
		}
		out = &TransactionResult{Entry: entry, Limit: saved}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.transaction(out.Entry)
	s.logger.Info("credit transaction recorded",
		slog.Int64("client_id", in.ClientID),
		slog.String("type", string(in.Type)),
		slog.Float64("amount", in.Amount),
		slog.Float64("used_amount", out.Limit.UsedAmount),
	)
	return out, nil
}

// ListTransactions returns up to limit entries of the client's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, clientID int64, limit int) ([]CreditTransaction, error) {
	cl, err := s.limits.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return s.recorder.List(ctx, cl.ID, limit)
}

// SubmitApplication records a limit change request, possibly auto-approving it.
func (s *Service) SubmitApplication(ctx context.Context, in SubmitInput) (*Outcome, error) {
	if in.ClientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	var out *Outcome
	err := s.write(ctx, in.ClientID, "submit application", func(ctx context.Context, tx StoreTx) error {
		var err error
		out, err = s.workflow.Submit(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, shared.AuditLog{
		ActorID:  in.Actor,
		Action:   "credit.application.submitted",
		Entity:   auditEntityApplication,
		EntityID: strconv.FormatInt(out.Application.ID, 10),
		Meta:     map[string]any{"client_id": in.ClientID, "requested_limit": in.RequestedLimit},
	})
	s.notify(ctx, out)
	return out, nil
}

// DecideApplication approves or rejects a pending application.
func (s *Service) DecideApplication(ctx context.Context, in DecideInput) (*Outcome, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	app, err := s.store.GetApplication(ctx, in.ApplicationID)
	if err != nil {
		return nil, err
	}
	var out *Outcome
	err = s.write(ctx, app.ClientID, "decide application", func(ctx context.Context, tx StoreTx) error {
		var err error
		out, err = s.workflow.Decide(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, out)
	return out, nil
}

// GetApplication returns one application.
func (s *Service) GetApplication(ctx context.Context, id int64) (*CreditApplication, error) {
	if id <= 0 {
		return nil, invalidArg("application id must be positive")
	}
	return s.store.GetApplication(ctx, id)
}

// ListApplications returns the client's applications, newest first.
func (s *Service) ListApplications(ctx context.Context, clientID int64) ([]CreditApplication, error) {
	if clientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	return s.store.ListApplications(ctx, clientID)
}

// AnalyzeRisk assesses a client against its current limit. A client without a
// limit is analysed on history alone.
func (s *Service) AnalyzeRisk(ctx context.Context, profile ClientProfile, history []PurchaseRecord) (RiskAnalysis, error) {
	if profile.ClientID <= 0 {
		return RiskAnalysis{}, invalidArg("client id must be positive")
	}
	view, err := s.View(ctx, profile.ClientID)
	if err != nil {
		return RiskAnalysis{}, err
	}
	return AnalyzeRisk(profile, history, view.Limit, s.clock()), nil
}

// Settings returns the active settings.
func (s *Service) Settings() Settings {
	return s.settings.Current()
}

// UpdateSettings applies a settings patch.
func (s *Service) UpdateSettings(ctx context.Context, actor int64, patch SettingsPatch) (Settings, error) {
	out, err := s.settings.Update(ctx, actor, patch)
	if err != nil {
		return Settings{}, err
	}
	s.audit(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "credit.settings.updated",
		Entity:   auditEntitySettings,
		EntityID: "global",
		Meta: map[string]any{
			"default_limit_amount": out.DefaultLimitAmount,
			"max_limit_amount":     out.MaxLimitAmount,
			"default_due_days":     out.DefaultDueDays,
			"auto_approve_enabled": out.AutoApproveEnabled,
			"auto_approve_up_to":   out.AutoApproveUpTo,
		},
	})
	return out, nil
}

// LedgerCheck is the result of replaying one client's ledger.
type LedgerCheck struct {
	ClientID      int64   `json:"client_id"`
	CreditLimitID int64   `json:"credit_limit_id"`
	Entries       int     `json:"entries"`
	StoredUsed    float64 `json:"stored_used"`
	ReplayedUsed  float64 `json:"replayed_used"`
	ChainError    string  `json:"chain_error,omitempty"`
}

// Consistent reports whether the replayed balance matches and the chain is intact.
func (c LedgerCheck) Consistent() bool {
	return c.ChainError == "" && roundMoney(c.StoredUsed) == roundMoney(c.ReplayedUsed)
}

// VerifyLedger replays the full ledger of clientID and compares it with the stored balance.
func (s *Service) VerifyLedger(ctx context.Context, clientID int64) (*LedgerCheck, error) {
	limit, err := s.limits.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	check, err := s.checkLedger(ctx, *limit)
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (s *Service) checkLedger(ctx context.Context, limit CreditLimit) (LedgerCheck, error) {
	entries, err := s.store.ListTransactions(ctx, limit.ID, 0)
	if err != nil {
		return LedgerCheck{}, err
	}
	check := LedgerCheck{
		ClientID:      limit.ClientID,
		CreditLimitID: limit.ID,
		Entries:       len(entries),
		StoredUsed:    roundMoney(limit.UsedAmount),
		ReplayedUsed:  Replay(entries),
	}
	if err := VerifyChain(entries); err != nil {
		check.ChainError = err.Error()
	}
	return check, nil
}

// ScanLedgers verifies every active limit in id order, calling fn for each result.
func (s *Service) ScanLedgers(ctx context.Context, fn func(LedgerCheck) error) error {
	var after int64
	for {
		page, err := s.store.ListActiveLimits(ctx, after, defaultLedgerPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, limit := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			check, err := s.checkLedger(ctx, limit)
			if err != nil {
				return err
			}
			if err := fn(check); err != nil {
				return err
			}
			after = limit.ID
		}
	}
}

// Session opens a facade over one client's account on behalf of actor.
func (s *Service) Session(clientID, actor int64) *Session {
	return newSession(s, clientID, actor)
}
