package storage

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gratibot/internal/clock"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrUnavailable wraps driver failures (I/O, locked database, closed store).
	ErrUnavailable = errors.New("storage unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": JSON snapshot + journal under a path prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	DefaultTimezone      = "America/New_York"
	DefaultPreferredTime = "20:00"
)

// User is a subscriber. Phone is the identity key.
type User struct {
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	Timezone      string    `json:"timezone"`
	PreferredTime string    `json:"preferred_time"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WithDefaults fills empty timezone and preferred time.
func (u User) WithDefaults() User {
	if strings.TrimSpace(u.Timezone) == "" {
		u.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(u.PreferredTime) == "" {
		u.PreferredTime = DefaultPreferredTime
	}
	return u
}

// Validate checks the fields admin tools accept.
func (u User) Validate() error {
	if err := ValidatePhone(u.Phone); err != nil {
		return err
	}
	// A bare address only: display names and angle brackets would reach
	// the digest sender as a different recipient string.
	addr, err := mail.ParseAddress(u.Email)
	if err != nil || addr.Address != u.Email {
		return fmt.Errorf("invalid email %q", u.Email)
	}
	if err := clock.ValidTimezone(u.Timezone); err != nil {
		return err
	}
	if !validHHMM(u.PreferredTime) {
		return fmt.Errorf("time must be in 24-hour format (HH:MM), got %q", u.PreferredTime)
	}
	return nil
}

// ValidatePhone requires "+" followed by digits (E.164 style).
func ValidatePhone(phone string) error {
	if !strings.HasPrefix(phone, "+") {
		return fmt.Errorf("phone number must start with '+' and country code, got %q", phone)
	}
	digits := phone[1:]
	if len(digits) < 4 || len(digits) > 15 {
		return fmt.Errorf("phone number %q has an invalid length", phone)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("phone number must contain only digits after '+', got %q", phone)
		}
	}
	return nil
}

func validHHMM(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil && len(s) == 5
}

// FireState is the per-user record of the last recorded firings.
type FireState struct {
	Phone          string     `json:"phone"`
	LastDailyDate  clock.Date `json:"-"`
	LastWeeklyDate clock.Date `json:"-"`
	LastDailyAt    time.Time  `json:"last_daily_at"`
	LastWeeklyAt   time.Time  `json:"last_weekly_at"`
}

// Entry is one journal entry (a reply to a prompt).
type Entry struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records one tick or one action outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	TickID   string    `json:"tick_id"`
	Mode     string    `json:"mode"`
	Kind     string    `json:"kind"` // tick | daily | weekly
	Phone    string    `json:"phone,omitempty"`
	Outcome  string    `json:"outcome"`
	Period   string    `json:"period,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}
