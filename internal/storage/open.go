package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "gratibot/pkg/logx"
)

// Users is the subscriber registry.
type Users interface {
	ListActiveUsers(ctx context.Context) ([]User, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, phone string) (User, error)
	CreateUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, u User) error
	SetActive(ctx context.Context, phone string, active bool) error
	DeleteUser(ctx context.Context, phone string) error
}

// FireStates holds per-user dedup state. SaveFireState merges: a date that
// is older than the stored one is ignored.
type FireStates interface {
	LoadFireState(ctx context.Context, phone string) (FireState, error)
	SaveFireState(ctx context.Context, st FireState) error
}

// Journal holds gratitude entries. EntriesSince returns newest first.
type Journal interface {
	InsertEntry(ctx context.Context, e Entry) (Entry, error)
	EntriesSince(ctx context.Context, phone string, since time.Time) ([]Entry, error)
}

// Store is the persistence API used by the dispatcher, HTTP handlers and CLI.
type Store interface {
	Users
	FireStates
	Journal
	AppendAudit(ctx context.Context, e AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
