// Package store is the relational configuration store for providers, API
// keys, and model mappings.
//
// Production deployments use PostgreSQL; the pure-Go sqlite driver serves
// development and tests. The backend is picked from the DSN scheme.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Provider type tags. The set is closed — the dispatch engine only knows
// how to build adapters for these.
const (
	TypeOpenAI     = "openai"
	TypeAnthropic  = "anthropic"
	TypeOllama     = "ollama"
	TypeMock       = "mock"
	TypeCustomHTTP = "custom-http"
)

// Provider / key statuses.
const (
	ProviderEnabled  = "enabled"
	ProviderDisabled = "disabled"

	KeyActive   = "active"
	KeyDisabled = "disabled"
	KeyFailed   = "failed"
)

// Provider is a named upstream endpoint.
type Provider struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"uniqueIndex;size:128" json:"name"`
	Type       string `gorm:"size:32" json:"type"`
	BaseURL    string `json:"base_url"`
	TimeoutMS  int    `json:"timeout_ms"`
	MaxRetries int    `json:"max_retries"`
	Status     string `gorm:"size:16;default:enabled;index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey is an upstream credential. The secret is stored sealed; Masked is
// the only form that ever reaches logs or API responses.
type APIKey struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ProviderID uint   `gorm:"index" json:"provider_id"`
	KeyID      string `gorm:"uniqueIndex;size:64" json:"key_id"`
	Ciphertext string `json:"-"`
	Masked     string `gorm:"size:16" json:"masked"`
	Priority   int    `gorm:"default:100" json:"priority"`

	RPMLimit   int `json:"rpm_limit"`
	TPMLimit   int `json:"tpm_limit"`
	DailyQuota int `json:"daily_quota"`

	Status              string     `gorm:"size:16;default:active;index" json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailedAt        *time.Time `json:"last_failed_at,omitempty"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Override is the closed per-mapping override schema. Unknown keys are
// rejected at admin ingest, not at dispatch time.
type Override struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Forced      bool     `json:"forced,omitempty"`
}

// ModelMapping binds a client-visible alias to a provider-native model.
type ModelMapping struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Alias         string `gorm:"index:idx_alias_order,unique,priority:1;size:128" json:"alias"`
	ProviderID    uint   `gorm:"index" json:"provider_id"`
	ProviderModel string `gorm:"size:128" json:"provider_model"`
	OrderIndex    int    `gorm:"index:idx_alias_order,unique,priority:2" json:"order_index"`
	IsDefault     bool   `json:"is_default"`

	Override Override `gorm:"serializer:json" json:"override"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the gorm handle with the queries the gateway needs.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates the schema.
// postgres:// DSNs use the Postgres driver; anything else is treated as a
// sqlite file path (":memory:" works for tests).
func Open(dsn string) (*Store, error) {
	var dial gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dial = postgres.Open(dsn)
	} else {
		dial = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := db.AutoMigrate(&Provider{}, &APIKey{}, &ModelMapping{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies database connectivity (readiness probe).
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ── Providers ────────────────────────────────────────────────────────────────

func (s *Store) CreateProvider(p *Provider) error {
	return s.db.Create(p).Error
}

func (s *Store) UpdateProvider(p *Provider) error {
	return s.db.Save(p).Error
}

func (s *Store) DeleteProvider(id uint) error {
	return s.db.Delete(&Provider{}, id).Error
}

func (s *Store) GetProvider(id uint) (*Provider, error) {
	var p Provider
	if err := s.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProviders() ([]Provider, error) {
	var out []Provider
	err := s.db.Order("id").Find(&out).Error
	return out, err
}

// ── API keys ─────────────────────────────────────────────────────────────────

func (s *Store) CreateKey(k *APIKey) error {
	return s.db.Create(k).Error
}

func (s *Store) DeleteKey(id uint) error {
	return s.db.Delete(&APIKey{}, id).Error
}

func (s *Store) ListKeys(providerID uint) ([]APIKey, error) {
	var out []APIKey
	err := s.db.Where("provider_id = ?", providerID).Order("priority, id").Find(&out).Error
	return out, err
}

// ActiveKeys returns the active keys for a provider in priority order.
func (s *Store) ActiveKeys(providerID uint) ([]APIKey, error) {
	var out []APIKey
	err := s.db.
		Where("provider_id = ? AND status = ?", providerID, KeyActive).
		Order("priority, id").
		Find(&out).Error
	return out, err
}

// SetKeyStatus updates a key's status (admin reset, auto-demotion).
func (s *Store) SetKeyStatus(keyID string, status string) error {
	return s.db.Model(&APIKey{}).
		Where("key_id = ?", keyID).
		Updates(map[string]any{"status": status, "consecutive_failures": 0}).Error
}

// RecordKeySuccess resets the failure counter and stamps last-used.
func (s *Store) RecordKeySuccess(keyID string) error {
	now := time.Now()
	return s.db.Model(&APIKey{}).
		Where("key_id = ?", keyID).
		Updates(map[string]any{"consecutive_failures": 0, "last_used_at": now}).Error
}

// RecordKeyFailure increments the failure counter. When the counter reaches
// threshold the key is demoted to failed.
func (s *Store) RecordKeyFailure(keyID string, threshold int) error {
	now := time.Now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var k APIKey
		if err := tx.Where("key_id = ?", keyID).First(&k).Error; err != nil {
			return err
		}
		k.ConsecutiveFailures++
		k.LastFailedAt = &now
		if threshold > 0 && k.ConsecutiveFailures >= threshold {
			k.Status = KeyFailed
		}
		return tx.Save(&k).Error
	})
}

// ── Model mappings ───────────────────────────────────────────────────────────

func (s *Store) CreateMapping(m *ModelMapping) error {
	return s.db.Create(m).Error
}

func (s *Store) UpdateMapping(m *ModelMapping) error {
	return s.db.Save(m).Error
}

func (s *Store) DeleteMapping(id uint) error {
	return s.db.Delete(&ModelMapping{}, id).Error
}

// MappingsForAlias returns the mappings for an alias whose provider is
// enabled, default first, then order_index ascending.
func (s *Store) MappingsForAlias(alias string) ([]ModelMapping, error) {
	var out []ModelMapping
	err := s.db.
		Joins("JOIN providers ON providers.id = model_mappings.provider_id").
		Where("model_mappings.alias = ? AND providers.status = ?", alias, ProviderEnabled).
		Order("model_mappings.is_default DESC, model_mappings.order_index").
		Find(&out).Error
	return out, err
}

// ListAliases returns every distinct alias that has at least one mapping to
// an enabled provider (GET /v1/models).
func (s *Store) ListAliases() ([]string, error) {
	var out []string
	err := s.db.Model(&ModelMapping{}).
		Joins("JOIN providers ON providers.id = model_mappings.provider_id").
		Where("providers.status = ?", ProviderEnabled).
		Distinct("model_mappings.alias").
		Order("model_mappings.alias").
		Pluck("model_mappings.alias", &out).Error
	return out, err
}
