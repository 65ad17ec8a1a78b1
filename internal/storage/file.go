package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gratibot/internal/clock"
	logx "gratibot/pkg/logx"
)

var errClosed = errors.New("store closed")

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot of users, fire state, entries)
//   - <prefix>.journal.jsonl  (append-only mutation journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes       int
	compactEvery int
}

type fileState struct {
	Users   map[string]User       `json:"users"`
	Fire    map[string]fireRecord `json:"fire"`
	Entries []Entry               `json:"entries"`
	NextID  int64                 `json:"next_id"`
}

type fireRecord struct {
	LastDailyDate  string `json:"last_daily_date,omitempty"`
	LastWeeklyDate string `json:"last_weekly_date,omitempty"`
	LastDailyAt    int64  `json:"last_daily_at,omitempty"`
	LastWeeklyAt   int64  `json:"last_weekly_at,omitempty"`
}

const (
	opPutUser   = "put_user"
	opDelUser   = "del_user"
	opFireState = "fire"
	opEntry     = "entry"
)

type journalRecord struct {
	Op    string      `json:"op"`
	Phone string      `json:"phone,omitempty"`
	User  *User       `json:"user,omitempty"`
	Fire  *fireRecord `json:"fire,omitempty"`
	Entry *Entry      `json:"entry,omitempty"`
}

func newFileState() fileState {
	return fileState{Users: map[string]User{}, Fire: map[string]fireRecord{}, NextID: 1}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store ready", logx.String("prefix", prefix), logx.Int("users", len(st.Users)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return unavailable("ping", errClosed)
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return unavailable("append audit", errClosed)
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return unavailable("append audit", err)
	}
	return nil
}

func (s *fileStore) ListActiveUsers(ctx context.Context) ([]User, error) {
	return s.list(ctx, "list active users", true)
}

func (s *fileStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.list(ctx, "list users", false)
}

func (s *fileStore) list(ctx context.Context, op string, activeOnly bool) ([]User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, unavailable(op, errClosed)
	}
	out := make([]User, 0, len(s.state.Users))
	for _, u := range s.state.Users {
		if activeOnly && !u.Active {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

func (s *fileStore) GetUser(ctx context.Context, phone string) (User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return User{}, unavailable("get user", errClosed)
	}
	u, ok := s.state.Users[phone]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", phone, ErrNotFound)
	}
	return u, nil
}

func (s *fileStore) CreateUser(ctx context.Context, u User) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Users[u.Phone]; ok {
		return fmt.Errorf("user %s: %w", u.Phone, ErrExists)
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	return s.commitLocked("create user", journalRecord{Op: opPutUser, Phone: u.Phone, User: &u})
}

func (s *fileStore) UpdateUser(ctx context.Context, u User) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Users[u.Phone]
	if !ok {
		return fmt.Errorf("user %s: %w", u.Phone, ErrNotFound)
	}
	u.CreatedAt = cur.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	return s.commitLocked("update user", journalRecord{Op: opPutUser, Phone: u.Phone, User: &u})
}

func (s *fileStore) SetActive(ctx context.Context, phone string, active bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.Users[phone]
	if !ok {
		return fmt.Errorf("user %s: %w", phone, ErrNotFound)
	}
	u.Active = active
	u.UpdatedAt = time.Now().UTC()
	return s.commitLocked("set active", journalRecord{Op: opPutUser, Phone: phone, User: &u})
}

func (s *fileStore) DeleteUser(ctx context.Context, phone string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Users[phone]; !ok {
		return fmt.Errorf("user %s: %w", phone, ErrNotFound)
	}
	return s.commitLocked("delete user", journalRecord{Op: opDelUser, Phone: phone})
}

func (s *fileStore) LoadFireState(ctx context.Context, phone string) (FireState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return FireState{}, unavailable("load fire state", errClosed)
	}
	r := s.state.Fire[phone]
	st := FireState{Phone: phone, LastDailyAt: fromMilli(r.LastDailyAt), LastWeeklyAt: fromMilli(r.LastWeeklyAt)}
	var err error
	if st.LastDailyDate, err = clock.ParseDate(r.LastDailyDate); err != nil {
		return FireState{}, unavailable("load fire state", err)
	}
	if st.LastWeeklyDate, err = clock.ParseDate(r.LastWeeklyDate); err != nil {
		return FireState{}, unavailable("load fire state", err)
	}
	return st, nil
}

func (s *fileStore) SaveFireState(ctx context.Context, st FireState) error {
	_ = ctx
	r := fireRecord{
		LastDailyDate:  st.LastDailyDate.String(),
		LastWeeklyDate: st.LastWeeklyDate.String(),
		LastDailyAt:    toMilli(st.LastDailyAt),
		LastWeeklyAt:   toMilli(st.LastWeeklyAt),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked("save fire state", journalRecord{Op: opFireState, Phone: st.Phone, Fire: &r})
}

func (s *fileStore) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	_ = ctx
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = time.UnixMilli(e.CreatedAt.UnixMilli()).UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.state.NextID
	if err := s.commitLocked("insert entry", journalRecord{Op: opEntry, Phone: e.Phone, Entry: &e}); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *fileStore) EntriesSince(ctx context.Context, phone string, since time.Time) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, unavailable("entries since", errClosed)
	}
	var out []Entry
	for _, e := range s.state.Entries {
		if e.Phone == phone && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// commitLocked journals rec and then applies it to memory, so a failed
// write leaves the in-memory view untouched.
func (s *fileStore) commitLocked(op string, rec journalRecord) error {
	if s.journalFile == nil {
		return unavailable(op, errClosed)
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return unavailable(op, err)
	}
	s.state.apply(rec)
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (st *fileState) apply(rec journalRecord) {
	switch rec.Op {
	case opPutUser:
		if rec.User != nil {
			st.Users[rec.User.Phone] = *rec.User
		}
	case opDelUser:
		delete(st.Users, rec.Phone)
		delete(st.Fire, rec.Phone)
	case opFireState:
		if rec.Fire != nil {
			st.Fire[rec.Phone] = mergeFire(st.Fire[rec.Phone], *rec.Fire)
		}
	case opEntry:
		// Entries below NextID are already in the snapshot. They show up
		// again when a crash lands between the snapshot rename and the
		// journal truncate.
		if rec.Entry != nil && rec.Entry.ID >= st.NextID {
			st.Entries = append(st.Entries, *rec.Entry)
			st.NextID = rec.Entry.ID + 1
		}
	}
}

// mergeFire advances each date independently; "YYYY-MM-DD" strings order
// the same way as the dates, and "" sorts first.
func mergeFire(cur, next fireRecord) fireRecord {
	if next.LastDailyDate > cur.LastDailyDate {
		cur.LastDailyDate, cur.LastDailyAt = next.LastDailyDate, next.LastDailyAt
	}
	if next.LastWeeklyDate > cur.LastWeeklyDate {
		cur.LastWeeklyDate, cur.LastWeeklyAt = next.LastWeeklyDate, next.LastWeeklyAt
	}
	return cur
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Users != nil {
		out.Users = st.Users
	}
	if st.Fire != nil {
		out.Fire = st.Fire
	}
	out.Entries = st.Entries
	if st.NextID > out.NextID {
		out.NextID = st.NextID
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec journalRecord
		// A torn last line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out.apply(rec)
	}
	return sc.Err()
}
