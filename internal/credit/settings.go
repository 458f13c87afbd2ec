package credit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSettings are used when neither the store nor a defaults file provides values.
var DefaultSettings = Settings{
	DefaultLimitAmount: 0,
	MaxLimitAmount:     0,
	DefaultDueDays:     30,
	AutoApproveEnabled: false,
	AutoApproveUpTo:    0,
}

// LoadSettingsFile reads settings defaults from a TOML file, starting from
// DefaultSettings for keys the file omits.
func LoadSettingsFile(path string) (Settings, error) {
	s := DefaultSettings
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("credit: read settings file: %w", err)
	}
	if _, err := toml.Decode(string(raw), &s); err != nil {
		return s, fmt.Errorf("credit: decode settings file: %w", err)
	}
	if err := validateSettings(s); err != nil {
		return s, err
	}
	return s, nil
}

func validateSettings(s Settings) error {
	switch {
	case s.DefaultLimitAmount < 0, s.MaxLimitAmount < 0, s.AutoApproveUpTo < 0:
		return invalidArg("settings amounts must not be negative")
	case s.DefaultDueDays < 0:
		return invalidArg("default due days must not be negative")
	case s.MaxLimitAmount > 0 && s.DefaultLimitAmount > s.MaxLimitAmount:
		return invalidArg("default limit %.2f exceeds max limit %.2f", s.DefaultLimitAmount, s.MaxLimitAmount)
	case s.MaxLimitAmount > 0 && s.AutoApproveUpTo > s.MaxLimitAmount:
		return invalidArg("auto approve threshold %.2f exceeds max limit %.2f", s.AutoApproveUpTo, s.MaxLimitAmount)
	}
	return nil
}

// SettingsManager owns the process-wide credit settings. Reads are lock-free
// relative to ledger writes; updates are serialized among themselves only.
type SettingsManager struct {
	store    Store
	defaults Settings

	mu      sync.RWMutex
	current Settings
	loaded  bool

	writeMu sync.Mutex
	clock   func() time.Time
}

// NewSettingsManager constructs a manager that falls back to defaults until Load succeeds.
func NewSettingsManager(store Store, defaults Settings) *SettingsManager {
	return &SettingsManager{
		store:    store,
		defaults: defaults,
		current:  defaults,
		clock:    time.Now,
	}
}

// Load reads the persisted settings. A store without settings keeps the defaults.
func (m *SettingsManager) Load(ctx context.Context) error {
	s, err := m.store.GetSettings(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.mu.Lock()
			m.current = m.defaults
			m.loaded = true
			m.mu.Unlock()
			return nil
		}
		return err
	}
	m.mu.Lock()
	m.current = *s
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Loaded reports whether Load has completed once.
func (m *SettingsManager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Current returns a copy of the active settings.
func (m *SettingsManager) Current() Settings {
	if m == nil {
		return DefaultSettings
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates and persists a partial settings change.
func (m *SettingsManager) Update(ctx context.Context, actor int64, patch SettingsPatch) (Settings, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := patch.Apply(m.Current())
	if err := validateSettings(next); err != nil {
		return Settings{}, err
	}
	next.UpdatedBy = actor
	next.UpdatedAt = m.clock()
	saved, err := m.store.UpdateSettings(ctx, next)
	if err != nil {
		return Settings{}, err
	}
	m.mu.Lock()
	m.current = *saved
	m.loaded = true
	m.mu.Unlock()
	return *saved, nil
}
