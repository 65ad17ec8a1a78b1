package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gratibot/internal/clock"
	"gratibot/internal/storage"
	"gratibot/internal/trigger"
)

// Mode selects how a tick evaluates users.
type Mode string

const (
	// ModeNormal fires what the trigger policy says is due and records it.
	ModeNormal Mode = "normal"
	// ModeForce fires every trigger for every active user and records
	// nothing, so the next scheduled firing is unaffected.
	ModeForce Mode = "force"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeNormal:
		return ModeNormal, nil
	case ModeForce:
		return ModeForce, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

type Outcome string

const (
	OutcomeFired   Outcome = "fired"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Reasons attached to failed and skipped results.
const (
	ReasonUnknownTimezone = "unknown_timezone"
	ReasonInvalidTime     = "invalid_time"
	ReasonNoEmail         = "no_email"
	ReasonGeneration      = "generation_unavailable"
	ReasonDelivery        = "delivery"
	ReasonStore           = "store_unavailable"
	ReasonTimeout         = "timeout"
	ReasonCanceled        = "canceled"
	ReasonError           = "error"
)

// ErrBusy is returned by TryRunTick when another tick holds the dispatcher.
var ErrBusy = errors.New("dispatch: tick already running")

// Result is one user's outcome for one trigger. Kind is empty for outcomes
// that stopped the user before any trigger was evaluated.
type Result struct {
	Phone   string        `json:"phone"`
	Kind    trigger.Kind  `json:"kind,omitempty"`
	Outcome Outcome       `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Period  clock.Date    `json:"period"`
	Error   string        `json:"error,omitempty"`
	Took    time.Duration `json:"took_ns"`

	err error
}

func (r Result) Err() error { return r.err }

// Report summarizes one tick.
type Report struct {
	TickID  string        `json:"tick_id"`
	Mode    Mode          `json:"mode"`
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took_ns"`
	Users   int           `json:"users"`
	Fired   int           `json:"fired"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
	Results []Result      `json:"results"`
}

// Err joins every failed action. It is nil when nothing failed; skipped
// users (bad timezone, missing email) do not count as failures.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Outcome != OutcomeFailed {
			continue
		}
		err := res.err
		if err == nil {
			err = errors.New(res.Error)
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", res.Phone, res.Kind, err))
	}
	return errors.Join(errs...)
}

// Store is the slice of storage the dispatcher reads and writes.
type Store interface {
	ListActiveUsers(ctx context.Context) ([]storage.User, error)
	LoadFireState(ctx context.Context, phone string) (storage.FireState, error)
	SaveFireState(ctx context.Context, st storage.FireState) error
	EntriesSince(ctx context.Context, phone string, since time.Time) ([]storage.Entry, error)
}

type Config struct {
	Policy trigger.Policy
	// Workers bounds how many users are processed at once.
	Workers int
	// CallTimeout bounds each external call and each store call.
	CallTimeout time.Duration
	// DigestLookback is the digest window for a user who never got one.
	DigestLookback time.Duration
}

const (
	DefaultWorkers        = 4
	DefaultCallTimeout    = 10 * time.Second
	DefaultDigestLookback = 7 * 24 * time.Hour
)

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.DigestLookback <= 0 {
		cfg.DigestLookback = DefaultDigestLookback
	}
	return cfg
}
