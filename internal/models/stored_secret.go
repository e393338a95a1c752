package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StoredSecret keeps a credential entered in the settings editor, encrypted
// with the keychain key.
type StoredSecret struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	ValueEnc  string    `gorm:"not null;column:value_enc" json:"-"` // Encrypted, never expose in JSON
	Hint      string    `json:"hint"`                               // last four characters
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (s *StoredSecret) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (StoredSecret) TableName() string {
	return "stored_secrets"
}
