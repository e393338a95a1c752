package settings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/crypto"
	"pricing-desktop/internal/models"
)

// SecretServiceKey names the stored document-extraction service key
const SecretServiceKey = "azure.key"

// ErrNoStoredKey is returned when no service key was saved locally
var ErrNoStoredKey = errors.New("no service key stored")

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Backend is the part of the backend API the settings editor needs
type Backend interface {
	GetConfig(ctx context.Context) (*api.BackendConfig, error)
	UpdateConfig(ctx context.Context, update api.ConfigUpdate) error
}

// Service mediates between the settings editor and the backend configuration
type Service struct {
	ctx     context.Context
	db      *gorm.DB
	backend Backend
	cipher  *crypto.Cipher
}

// NewService creates a new settings service. A nil cipher disables local key storage.
func NewService(ctx context.Context, db *gorm.DB, backend Backend, cipher *crypto.Cipher) *Service {
	return &Service{
		ctx:     ctx,
		db:      db,
		backend: backend,
		cipher:  cipher,
	}
}

// GetConfig returns the backend configuration; the service key arrives masked
func (s *Service) GetConfig() (*api.BackendConfig, error) {
	cfg, err := s.backend.GetConfig(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// UpdateConfig validates a partial update and forwards it to the backend.
// A masked service key echoed back by the editor is dropped so the real key
// is never overwritten; a new key is also kept locally, encrypted.
func (s *Service) UpdateConfig(update api.ConfigUpdate) error {
	newKey := ""
	if key, ok := update.Azure["key"]; ok {
		if IsMasked(key) || strings.TrimSpace(key) == "" {
			update.Azure = without(update.Azure, "key")
		} else {
			newKey = strings.TrimSpace(key)
			update.Azure["key"] = newKey
		}
	}

	if err := s.validate(&update); err != nil {
		return err
	}

	if update.IsEmpty() {
		log.Println("Settings: nothing to update")
		return nil
	}

	if err := s.backend.UpdateConfig(s.ctx, update); err != nil {
		return fmt.Errorf("failed to update configuration: %w", err)
	}
	log.Printf("Settings: updated %s", strings.Join(sections(update), ", "))

	if newKey != "" {
		if err := s.storeKey(newKey); err != nil {
			log.Printf("WARNING: Failed to store service key locally: %v", err)
		}
	}
	return nil
}

func (s *Service) validate(update *api.ConfigUpdate) error {
	if endpoint, ok := update.Azure["endpoint"]; ok {
		endpoint = strings.TrimSpace(endpoint)
		if err := validateEndpoint(endpoint); err != nil {
			return err
		}
		update.Azure["endpoint"] = endpoint
	}

	if len(update.VarianceThresholds) == 0 {
		return nil
	}

	for level, v := range update.VarianceThresholds {
		if level != "green" && level != "yellow" {
			return &ValidationError{"variance_thresholds." + level, "unknown threshold level"}
		}
		if v < 0 {
			return &ValidationError{"variance_thresholds." + level, "must not be negative"}
		}
	}

	green, hasGreen := update.VarianceThresholds["green"]
	yellow, hasYellow := update.VarianceThresholds["yellow"]
	if !hasGreen || !hasYellow {
		cfg, err := s.backend.GetConfig(s.ctx)
		if err != nil {
			return fmt.Errorf("failed to load current thresholds: %w", err)
		}
		if !hasGreen {
			green, hasGreen = cfg.VarianceThresholds["green"]
		}
		if !hasYellow {
			yellow, hasYellow = cfg.VarianceThresholds["yellow"]
		}
	}

	if hasGreen && hasYellow && green >= yellow {
		return &ValidationError{"variance_thresholds", "green threshold must be below yellow"}
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return &ValidationError{"azure.endpoint", "is required"}
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{"azure.endpoint", "must be an http(s) URL"}
	}
	return nil
}

// IsMasked reports whether key is the masked form the backend serves
func IsMasked(key string) bool {
	return strings.Contains(key, "*")
}

// MaskKey masks all but the last four characters
func MaskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", 8)
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func (s *Service) storeKey(key string) error {
	if s.cipher == nil || s.db == nil {
		return nil
	}

	enc, err := s.cipher.Encrypt(key)
	if err != nil {
		return fmt.Errorf("failed to encrypt service key: %w", err)
	}

	secret := models.StoredSecret{
		Name:     SecretServiceKey,
		ValueEnc: enc,
		Hint:     hint(key),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_enc", "hint", "updated_at"}),
	}).Create(&secret).Error
}

// StoredKey decrypts the locally stored service key
func (s *Service) StoredKey() (string, error) {
	if s.cipher == nil || s.db == nil {
		return "", ErrNoStoredKey
	}

	var secret models.StoredSecret
	if err := s.db.Where("name = ?", SecretServiceKey).First(&secret).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoStoredKey
		}
		return "", fmt.Errorf("failed to load stored key: %w", err)
	}

	key, err := s.cipher.Decrypt(secret.ValueEnc)
	if err != nil {
		return "", fmt.Errorf("stored key is unreadable, please re-enter it: %w", err)
	}
	return key, nil
}

// RestoreKey re-sends the locally stored service key to the backend
func (s *Service) RestoreKey() error {
	key, err := s.StoredKey()
	if err != nil {
		return err
	}
	if err := s.backend.UpdateConfig(s.ctx, api.ConfigUpdate{Azure: map[string]string{"key": key}}); err != nil {
		return fmt.Errorf("failed to restore service key: %w", err)
	}
	log.Println("Settings: service key restored from local storage")
	return nil
}

func hint(key string) string {
	if len(key) <= 4 {
		return ""
	}
	return key[len(key)-4:]
}

func without(m map[string]string, key string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sections(u api.ConfigUpdate) []string {
	var out []string
	if len(u.Azure) > 0 {
		out = append(out, "azure")
	}
	if len(u.GoogleSheets) > 0 {
		out = append(out, "google_sheets")
	}
	if len(u.VarianceThresholds) > 0 {
		out = append(out, "variance_thresholds")
	}
	if len(u.Paths) > 0 {
		out = append(out, "paths")
	}
	return out
}
