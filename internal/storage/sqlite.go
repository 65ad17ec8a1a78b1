package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"gratibot/internal/clock"
	logx "gratibot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

// migrateUp applies embedded migrations. The migrate instance is not closed:
// closing it would close db as well.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

const userColumns = `phone, email, timezone, preferred_time, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (User, error) {
	var (
		u                User
		active           int
		created, updated int64
	)
	if err := r.Scan(&u.Phone, &u.Email, &u.Timezone, &u.PreferredTime, &active, &created, &updated); err != nil {
		return User{}, err
	}
	u.Active = active != 0
	u.CreatedAt = time.UnixMilli(created).UTC()
	u.UpdatedAt = time.UnixMilli(updated).UTC()
	return u, nil
}

func (s *sqliteStore) listUsers(ctx context.Context, op, where string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users`+where+` ORDER BY phone`)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func (s *sqliteStore) ListActiveUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "list active users", ` WHERE active = 1`)
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "list users", "")
}

func (s *sqliteStore) GetUser(ctx context.Context, phone string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", phone, ErrNotFound)
	}
	if err != nil {
		return User{}, unavailable("get user", err)
	}
	return u, nil
}

func (s *sqliteStore) CreateUser(ctx context.Context, u User) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(phone) DO NOTHING`,
		u.Phone, u.Email, u.Timezone, u.PreferredTime, boolInt(u.Active), now, now,
	)
	if err != nil {
		return unavailable("create user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", u.Phone, ErrExists)
	}
	return nil
}

func (s *sqliteStore) UpdateUser(ctx context.Context, u User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, timezone = ?, preferred_time = ?, active = ?, updated_at = ?
		 WHERE phone = ?`,
		u.Email, u.Timezone, u.PreferredTime, boolInt(u.Active), time.Now().UnixMilli(), u.Phone,
	)
	return s.affected("update user", u.Phone, res, err)
}

func (s *sqliteStore) SetActive(ctx context.Context, phone string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET active = ?, updated_at = ? WHERE phone = ?`,
		boolInt(active), time.Now().UnixMilli(), phone,
	)
	return s.affected("set active", phone, res, err)
}

func (s *sqliteStore) DeleteUser(ctx context.Context, phone string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete user", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE phone = ?`, phone)
	if err := s.affected("delete user", phone, res, err); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fire_state WHERE phone = ?`, phone); err != nil {
		return unavailable("delete user", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete user", err)
	}
	return nil
}

func (s *sqliteStore) affected(op, phone string, res sql.Result, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", phone, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) LoadFireState(ctx context.Context, phone string) (FireState, error) {
	var (
		daily, weekly     string
		dailyAt, weeklyAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_daily_date, last_weekly_date, last_daily_at, last_weekly_at
		 FROM fire_state WHERE phone = ?`, phone,
	).Scan(&daily, &weekly, &dailyAt, &weeklyAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FireState{Phone: phone}, nil
	}
	if err != nil {
		return FireState{}, unavailable("load fire state", err)
	}
	st := FireState{Phone: phone, LastDailyAt: fromMilli(dailyAt), LastWeeklyAt: fromMilli(weeklyAt)}
	if st.LastDailyDate, err = clock.ParseDate(daily); err != nil {
		return FireState{}, unavailable("load fire state", err)
	}
	if st.LastWeeklyDate, err = clock.ParseDate(weekly); err != nil {
		return FireState{}, unavailable("load fire state", err)
	}
	return st, nil
}

// SaveFireState merges st into the stored row. Each date only advances;
// its timestamp follows the date it belongs to.
func (s *sqliteStore) SaveFireState(ctx context.Context, st FireState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fire_state(phone, last_daily_date, last_weekly_date, last_daily_at, last_weekly_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(phone) DO UPDATE SET
		   last_daily_at    = CASE WHEN excluded.last_daily_date > last_daily_date THEN excluded.last_daily_at ELSE last_daily_at END,
		   last_weekly_at   = CASE WHEN excluded.last_weekly_date > last_weekly_date THEN excluded.last_weekly_at ELSE last_weekly_at END,
		   last_daily_date  = MAX(last_daily_date, excluded.last_daily_date),
		   last_weekly_date = MAX(last_weekly_date, excluded.last_weekly_date)`,
		st.Phone, st.LastDailyDate.String(), st.LastWeeklyDate.String(),
		toMilli(st.LastDailyAt), toMilli(st.LastWeeklyAt),
	)
	if err != nil {
		return unavailable("save fire state", err)
	}
	return nil
}

func (s *sqliteStore) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(phone, text, created_at) VALUES(?,?,?)`,
		e.Phone, e.Text, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Entry{}, unavailable("insert entry", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	e.CreatedAt = time.UnixMilli(e.CreatedAt.UnixMilli()).UTC()
	return e, nil
}

func (s *sqliteStore) EntriesSince(ctx context.Context, phone string, since time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, text, created_at FROM entries
		 WHERE phone = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC`,
		phone, since.UnixMilli(),
	)
	if err != nil {
		return nil, unavailable("entries since", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Phone, &e.Text, &ms); err != nil {
			return nil, unavailable("entries since", err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("entries since", err)
	}
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tick_id, mode, kind, phone, outcome, period, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.TickID, e.Mode, e.Kind, nullStr(e.Phone),
		e.Outcome, nullStr(e.Period), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	if err != nil {
		return unavailable("append audit", err)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
