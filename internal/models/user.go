package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a caller's role as asserted by the identity layer.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleScanner Role = "scanner"
	RoleIconic  Role = "iconic"
	RoleUser    Role = "user"
)

// ParseRole maps a claim value to a Role. Unknown values fall back to RoleUser.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleScanner, RoleIconic:
		return Role(s)
	default:
		return RoleUser
	}
}

// User is the profile row owned by the identity layer. This service only reads it.
type User struct {
	ID                   uuid.UUID  `json:"id"`
	Email                string     `json:"email"`
	FullName             string     `json:"full_name"`
	Nickname             string     `json:"nickname"`
	DateOfBirth          *time.Time `json:"date_of_birth,omitempty"`
	Role                 Role       `json:"role"`
	IsIconic             bool       `json:"is_iconic"`
	IconicExpiresAt      *time.Time `json:"iconic_expires_at,omitempty"`
	ShowPublicProfile    bool       `json:"show_public_profile"`
	ShowProfileToIconics bool       `json:"show_profile_to_iconics"`
	ProfilePictureURL    string     `json:"profile_picture_url,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// UserPublic is the full profile shown to callers allowed to see it.
type UserPublic struct {
	ID                uuid.UUID  `json:"id"`
	FullName          string     `json:"full_name"`
	Nickname          string     `json:"nickname"`
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty"`
	IsIconic          bool       `json:"is_iconic"`
	ProfilePictureURL string     `json:"profile_picture_url,omitempty"`
	Redacted          bool       `json:"redacted"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:                u.ID,
		FullName:          u.FullName,
		Nickname:          u.Nickname,
		DateOfBirth:       u.DateOfBirth,
		IsIconic:          u.IsIconic,
		ProfilePictureURL: u.ProfilePictureURL,
	}
}

// ToRedacted keeps only what any confirmed attendee may see.
func (u *User) ToRedacted() UserPublic {
	return UserPublic{
		ID:       u.ID,
		Nickname: u.Nickname,
		IsIconic: u.IsIconic,
		Redacted: true,
	}
}

// ScannedUser is returned to the scanner after a successful check-in.
type ScannedUser struct {
	ID          uuid.UUID  `json:"id"`
	FullName    string     `json:"full_name"`
	Nickname    string     `json:"nickname"`
	Email       string     `json:"email"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	IsIconic    bool       `json:"is_iconic"`
}

// ToScanned converts User to the scanner payload.
func (u *User) ToScanned() ScannedUser {
	return ScannedUser{
		ID:          u.ID,
		FullName:    u.FullName,
		Nickname:    u.Nickname,
		Email:       u.Email,
		DateOfBirth: u.DateOfBirth,
		IsIconic:    u.IsIconic,
	}
}
