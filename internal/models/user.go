package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a read model of the main backend's account table. The signaling
// server never creates accounts; it only resolves authenticated identities to
// display names for call invitations.
type User struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username    string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	DisplayName string    `gorm:"type:varchar(200)" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Name returns the label shown to the other party of a call.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
