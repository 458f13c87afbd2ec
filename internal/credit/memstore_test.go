package credit

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory Store. Transactions run serially against a copy of
// the state that replaces it only on success.
type memStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	state memState

	// conflicts makes the next N UpsertCreditLimit calls fail with ErrConcurrentModification.
	conflicts int
	// failTx is returned by WithTx without running fn.
	failTx error
	// failUpsert is returned by UpsertCreditLimit after any entry was appended.
	failUpsert error
	// failReads is returned by every read outside a transaction.
	failReads error

	txCalls     int
	upsertCalls int
	readCalls   int
}

type memState struct {
	limits   map[int64]CreditLimit
	active   map[int64]int64
	entries  []CreditTransaction
	apps     map[int64]CreditApplication
	settings *Settings
	keys     map[string]struct{}

	nextLimitID int64
	nextEntryID int64
	nextAppID   int64
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		limits: map[int64]CreditLimit{},
		active: map[int64]int64{},
		apps:   map[int64]CreditApplication{},
		keys:   map[string]struct{}{},
	}}
}

func (s memState) clone() memState {
	out := s
	out.limits = make(map[int64]CreditLimit, len(s.limits))
	for k, v := range s.limits {
		out.limits[k] = v
	}
	out.active = make(map[int64]int64, len(s.active))
	for k, v := range s.active {
		out.active[k] = v
	}
	out.entries = append([]CreditTransaction(nil), s.entries...)
	out.apps = make(map[int64]CreditApplication, len(s.apps))
	for k, v := range s.apps {
		out.apps[k] = v
	}
	out.keys = make(map[string]struct{}, len(s.keys))
	for k := range s.keys {
		out.keys[k] = struct{}{}
	}
	if s.settings != nil {
		settings := *s.settings
		out.settings = &settings
	}
	return out
}

func (s *memState) limitFor(clientID int64) (*CreditLimit, error) {
	id, ok := s.active[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	limit := s.limits[id]
	return &limit, nil
}

func (s *memState) entriesFor(creditLimitID int64, limit int) []CreditTransaction {
	out := []CreditTransaction{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].CreditLimitID == creditLimitID {
			out = append(out, s.entries[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) read() (*memState, func(), error) {
	m.mu.Lock()
	m.readCalls++
	if m.failReads != nil {
		m.mu.Unlock()
		return nil, nil, m.failReads
	}
	return &m.state, m.mu.Unlock, nil
}

func (m *memStore) GetCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error) {
	st, done, err := m.read()
	if err != nil {
		return nil, err
	}
	defer done()
	return st.limitFor(clientID)
}

func (m *memStore) ListActiveLimits(ctx context.Context, afterID int64, limit int) ([]CreditLimit, error) {
	st, done, err := m.read()
	if err != nil {
		return nil, err
	}
	defer done()
	out := []CreditLimit{}
	for _, id := range st.active {
		if id > afterID {
			out = append(out, st.limits[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListTransactions(ctx context.Context, creditLimitID int64, limit int) ([]CreditTransaction, error) {
	st, done, err := m.read()
	if err != nil {
		return nil, err
	}
	defer done()
	return st.entriesFor(creditLimitID, limit), nil
}

func (m *memStore) ListApplications(ctx context.Context, clientID int64) ([]CreditApplication, error) {
	st, done, err := m.read()
	if err != nil {
		return nil, err
	}
	defer done()
	out := []CreditApplication{}
	for _, app := range st.apps {
		if app.ClientID == clientID {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) GetApplication(ctx context.Context, id int64) (*CreditApplication, error) {
	st, done, err := m.read()
	if err != nil {
		return nil, err
	}
	defer done()
	app, ok := st.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &app, nil
}

func (m *memStore) GetSettings(ctx context.Context) (*Settings, error) {
	st, done, err := m.read()
	if err != nil {
		return nil, err
	}
	defer done()
	if st.settings == nil {
		return nil, ErrNotFound
	}
	out := *st.settings
	return &out, nil
}

func (m *memStore) UpdateSettings(ctx context.Context, settings Settings) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return nil, m.failReads
	}
	m.state.settings = &settings
	out := settings
	return &out, nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.txCalls++
	if m.failTx != nil {
		m.mu.Unlock()
		return m.failTx
	}
	work := m.state.clone()
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, &memTx{store: m, state: &work}); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

// snapshot returns a copy of the committed state.
func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

type memTx struct {
	store *memStore
	state *memState
}

func (t *memTx) LockCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error) {
	return t.state.limitFor(clientID)
}

func (t *memTx) UpsertCreditLimit(ctx context.Context, limit CreditLimit) (*CreditLimit, error) {
	t.store.mu.Lock()
	t.store.upsertCalls++
	if t.store.conflicts > 0 {
		t.store.conflicts--
		t.store.mu.Unlock()
		return nil, ErrConcurrentModification
	}
	failUpsert := t.store.failUpsert
	t.store.mu.Unlock()
	if failUpsert != nil {
		return nil, failUpsert
	}

	if limit.ID == 0 {
		if _, exists := t.state.active[limit.ClientID]; exists {
			return nil, ErrConcurrentModification
		}
		t.state.nextLimitID++
		limit.ID = t.state.nextLimitID
		limit.Version = 1
		t.state.limits[limit.ID] = limit
		t.state.active[limit.ClientID] = limit.ID
		return &limit, nil
	}
	current, ok := t.state.limits[limit.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != limit.Version {
		return nil, ErrConcurrentModification
	}
	limit.Version++
	t.state.limits[limit.ID] = limit
	return &limit, nil
}

func (t *memTx) AppendTransaction(ctx context.Context, entry CreditTransaction) (*CreditTransaction, error) {
	t.state.nextEntryID++
	entry.ID = t.state.nextEntryID
	t.state.entries = append(t.state.entries, entry)
	return &entry, nil
}

func (t *memTx) InsertApplication(ctx context.Context, app CreditApplication) (*CreditApplication, error) {
	t.state.nextAppID++
	app.ID = t.state.nextAppID
	t.state.apps[app.ID] = app
	return &app, nil
}

func (t *memTx) LockApplication(ctx context.Context, id int64) (*CreditApplication, error) {
	app, ok := t.state.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &app, nil
}

func (t *memTx) UpdateApplication(ctx context.Context, id int64, patch ApplicationPatch) (*CreditApplication, error) {
	app, ok := t.state.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if app.Status != ApplicationPending {
		return nil, invalidState("application %d is %s", id, app.Status)
	}
	app.Status = patch.Status
	app.ApprovedLimit = patch.ApprovedLimit
	app.RejectedReason = patch.RejectedReason
	decidedBy := patch.DecidedBy
	decidedAt := patch.DecidedAt
	app.ApprovedBy = &decidedBy
	app.ApprovedAt = &decidedAt
	app.UpdatedAt = decidedAt
	t.state.apps[id] = app
	return &app, nil
}

func (t *memTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	k := module + "\x00" + key
	if _, ok := t.state.keys[k]; ok {
		return ErrDuplicateRequest
	}
	t.state.keys[k] = struct{}{}
	return nil
}
