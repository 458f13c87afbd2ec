package credit

import (
	"context"
	"errors"
	"time"
)

// LimitRepository loads and writes the single active credit limit of a client.
type LimitRepository struct {
	store    Store
	settings *SettingsManager
	clock    func() time.Time
}

// NewLimitRepository builds a LimitRepository.
func NewLimitRepository(store Store, settings *SettingsManager) *LimitRepository {
	return &LimitRepository{store: store, settings: settings, clock: time.Now}
}

// Get returns the active limit of clientID or ErrNotFound.
func (r *LimitRepository) Get(ctx context.Context, clientID int64) (*CreditLimit, error) {
	if clientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	limit, err := r.store.GetCreditLimit(ctx, clientID)
	if err != nil {
		return nil, err
	}
	limit.Recompute()
	return limit, nil
}

// UpsertLimitInput describes a limit write.
type UpsertLimitInput struct {
	ClientID    int64
	LimitAmount float64
	Actor       int64
	Notes       *string
	// UseDefault ignores LimitAmount. A new limit opens at
	// Settings.DefaultLimitAmount and an existing one keeps its amount.
	UseDefault bool
}

// UpsertResult reports the persisted limit and the amount it replaced.
type UpsertResult struct {
	Limit         *CreditLimit
	PreviousLimit float64
	Created       bool
}

func (r *LimitRepository) validateAmount(amount float64) error {
	if amount < 0 {
		return invalidArg("limit amount must not be negative")
	}
	if max := r.settings.Current().MaxLimitAmount; max > 0 && amount > max {
		return invalidArg("limit amount %.2f exceeds maximum %.2f", amount, max)
	}
	return nil
}

// Upsert creates the client's limit or changes its amount in place. The
// locked row is re-read so available credit reflects the latest used amount.
// It writes no ledger entry.
func (r *LimitRepository) Upsert(ctx context.Context, tx StoreTx, in UpsertLimitInput) (*UpsertResult, error) {
	if in.ClientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	now := r.clock()

	current, err := tx.LockCreditLimit(ctx, in.ClientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	switch {
	case in.UseDefault && current != nil:
		in.LimitAmount = current.LimitAmount
	case in.UseDefault:
		in.LimitAmount = r.settings.Current().DefaultLimitAmount
		fallthrough
	default:
		in.LimitAmount = roundMoney(in.LimitAmount)
		if err := r.validateAmount(in.LimitAmount); err != nil {
			return nil, err
		}
	}
	if current == nil {
		limit := CreditLimit{
			ClientID:    in.ClientID,
			LimitAmount: in.LimitAmount,
			Status:      LimitStatusActive,
			IsActive:    true,
			Notes:       in.Notes,
			CreatedBy:   in.Actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if days := r.settings.Current().DefaultDueDays; days > 0 {
			due := now.AddDate(0, 0, days)
			limit.DueDate = &due
		}
		limit.Recompute()
		saved, err := tx.UpsertCreditLimit(ctx, limit)
		if err != nil {
			return nil, err
		}
		saved.Recompute()
		return &UpsertResult{Limit: saved, Created: true}, nil
	}

	previous := current.LimitAmount
	current.LimitAmount = in.LimitAmount
	if in.Notes != nil {
		current.Notes = in.Notes
	}
	current.UpdatedAt = now
	current.Recompute()
	saved, err := tx.UpsertCreditLimit(ctx, *current)
	if err != nil {
		return nil, err
	}
	saved.Recompute()
	return &UpsertResult{Limit: saved, PreviousLimit: previous}, nil
}

// SetStatus changes the administrative status of an existing limit.
func (r *LimitRepository) SetStatus(ctx context.Context, tx StoreTx, clientID int64, status LimitStatus, notes *string) (*CreditLimit, error) {
	if clientID <= 0 {
		return nil, invalidArg("client id must be positive")
	}
	if !status.Valid() {
		return nil, invalidArg("unknown status %q", status)
	}
	current, err := tx.LockCreditLimit(ctx, clientID)
	if err != nil {
		return nil, err
	}
	current.Status = status
	if notes != nil {
		current.Notes = notes
	}
	current.UpdatedAt = r.clock()
	current.Recompute()
	saved, err := tx.UpsertCreditLimit(ctx, *current)
	if err != nil {
		return nil, err
	}
	saved.Recompute()
	return saved, nil
}

// Persist writes a limit whose balance was changed by the caller.
func (r *LimitRepository) Persist(ctx context.Context, tx StoreTx, limit CreditLimit) (*CreditLimit, error) {
	limit.UpdatedAt = r.clock()
	limit.Recompute()
	saved, err := tx.UpsertCreditLimit(ctx, limit)
	if err != nil {
		return nil, err
	}
	saved.Recompute()
	return saved, nil
}
