package models

import (
	"time"

	"github.com/google/uuid"
)

// User roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
