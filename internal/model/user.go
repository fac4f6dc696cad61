package model

import (
	"errors"
	"time"
)

// User represents a user account.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	Email          string    `db:"email" json:"email"`
	PasswordHashed string    `db:"password_hash" json:"-"` // "-" hides from JSON output
	FollowerCount  int       `db:"follower_count" json:"follower_count"`
	FollowingCount int       `db:"following_count" json:"following_count"`
	PostCount      int       `db:"post_count" json:"post_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// UserSummary is the lightweight user shape embedded in feed/follow listings.
type UserSummary struct {
	ID          int64  `db:"id" json:"id"`
	Username    string `db:"username" json:"username"`
	IsFollowing bool   `json:"is_following"`
}

// RegisterRequest represents the data needed to register a new user.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents the data needed to log in.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProfileResponse is a user profile as seen by a (possibly anonymous) viewer.
type ProfileResponse struct {
	User        *User `json:"user"`
	IsFollowing bool  `json:"is_following"`
}

var (
	// ErrUserNotFound is returned when a user cannot be found
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameExists is returned when attempting to create a user with a taken username
	ErrUsernameExists = errors.New("username already exists")

	// ErrEmailExists is returned when attempting to create a user with a taken email
	ErrEmailExists = errors.New("email already exists")

	// ErrInvalidCredentials is returned when login credentials are incorrect
	ErrInvalidCredentials = errors.New("invalid credentials")
)
