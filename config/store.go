package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"gorm.io/gorm"

	"github.com/langgraphsystem/rssnews-sub002/common"
)

// SystemConfiguration is a versioned configuration row. Exactly one row per
// config_name is active at a time; activating a new version deactivates the
// previous one in the same transaction.
type SystemConfiguration struct {
	ID          uint   `gorm:"primaryKey"`
	ConfigName  string `gorm:"column:config_name;index:idx_sysconf_name"`
	ConfigData  string `gorm:"column:config_data;type:text"`
	Version     int    `gorm:"column:version"`
	CreatedBy   string `gorm:"column:created_by"`
	Description string `gorm:"column:description"`
	Checksum    string `gorm:"column:checksum"`
	Active      bool   `gorm:"column:active"`
}

// TableName maps the model onto the system_configurations table.
func (SystemConfiguration) TableName() string { return "system_configurations" }

// ChangeEvent carries the old and new snapshots delivered to observers.
type ChangeEvent struct {
	Name string
	Old  *Config
	New  *Config
}

// Service holds an immutable configuration snapshot exchanged atomically on
// update. Observers receive (old, new) events on a dedicated channel; they
// must not block for long or events are dropped.
type Service struct {
	db   *gorm.DB
	name string

	snapshot atomic.Pointer[Config]

	mu        sync.Mutex
	observers []chan ChangeEvent
}

// NewService creates a configuration service around an initial snapshot.
func NewService(db *gorm.DB, name string, initial *Config) *Service {
	s := &Service{db: db, name: name}
	s.snapshot.Store(initial)
	return s
}

// Snapshot returns the current immutable configuration. Callers must not
// mutate the returned value.
func (s *Service) Snapshot() *Config {
	return s.snapshot.Load()
}

// Subscribe registers an observer channel. Events are delivered best-effort:
// a full channel drops the event rather than blocking the updater.
func (s *Service) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 4)
	s.mu.Lock()
	s.observers = append(s.observers, ch)
	s.mu.Unlock()
	return ch
}

// Update swaps the snapshot and notifies observers.
func (s *Service) Update(next *Config) {
	old := s.snapshot.Swap(next)
	ev := ChangeEvent{Name: s.name, Old: old, New: next}
	s.mu.Lock()
	observers := make([]chan ChangeEvent, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, ch := range observers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Persist stores the current snapshot as a new version and activates it.
// The checksum covers the canonical JSON encoding of the document.
func (s *Service) Persist(ctx context.Context, createdBy, description string) error {
	cfg := s.Snapshot()
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		row := tx.Model(&SystemConfiguration{}).
			Where("config_name = ?", s.name).
			Select("COALESCE(MAX(version), 0)")
		if err := row.Scan(&maxVersion).Error; err != nil {
			return fmt.Errorf("failed to read config version: %w", err)
		}

		if err := tx.Model(&SystemConfiguration{}).
			Where("config_name = ? AND active", s.name).
			Update("active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate previous config: %w", err)
		}

		rec := &SystemConfiguration{
			ConfigName:  s.name,
			ConfigData:  string(data),
			Version:     maxVersion + 1,
			CreatedBy:   createdBy,
			Description: description,
			Checksum:    common.SHA256Hex(string(data)),
			Active:      true,
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to store config version: %w", err)
		}
		return nil
	})
}

// LoadActive reads the active persisted version, verifies its checksum, and
// installs it as the current snapshot.
func (s *Service) LoadActive(ctx context.Context) error {
	var rec SystemConfiguration
	err := s.db.WithContext(ctx).
		Where("config_name = ? AND active", s.name).
		First(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to load active config: %w", err)
	}

	if common.SHA256Hex(rec.ConfigData) != rec.Checksum {
		return fmt.Errorf("config %s v%d failed checksum verification", rec.ConfigName, rec.Version)
	}

	cfg := &Config{}
	if err := json.Unmarshal([]byte(rec.ConfigData), cfg); err != nil {
		return fmt.Errorf("failed to decode config %s v%d: %w", rec.ConfigName, rec.Version, err)
	}

	s.Update(cfg)
	return nil
}

// Variant selects an A/B variant for (userID, key) as a pure function via
// stable hashing. The same user always sees the same variant for a key.
func Variant(userID, key string, variants []string) string {
	if len(variants) == 0 {
		return ""
	}
	idx := common.StableBucket(userID, key, uint32(len(variants)))
	return variants[idx]
}
