package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender delivers a short operator message. The SMS client satisfies it.
type AlertSender interface {
	Send(ctx context.Context, to, body string) error
}

const (
	alertQueueSize   = 64
	alertSendTimeout = 15 * time.Second
	alertMaxLen      = 480
)

type alertItem struct {
	to  string
	msg string
}

// alertSink is a zerolog.LevelWriter that forwards records to AlertSender
// from a single background goroutine. Writes never block logging.
type alertSink struct {
	sender AlertSender
	queue  chan alertItem

	mu       sync.Mutex
	to       string
	minLevel zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		sender:   sender,
		queue:    make(chan alertItem, alertQueueSize),
		minLevel: zerolog.ErrorLevel,
		limiter:  rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

func (a *alertSink) configure(cfg AlertConfig) {
	perMin := cfg.PerMinute
	if perMin <= 0 {
		perMin = 1
	}
	a.mu.Lock()
	a.to = strings.TrimSpace(cfg.To)
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.ErrorLevel)
	a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
	a.mu.Unlock()

	a.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.run(ctx)
		}()
	})
}

func (a *alertSink) close() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = a.sender.Send(sctx, it.to, it.msg)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	to := a.to
	min := a.minLevel
	lim := a.limiter
	a.mu.Unlock()

	if to == "" || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alertItem{to: to, msg: msg}:
	default:
		// drop
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as "[LEVEL] message k=v ..." and
// caps it so it fits in a few SMS segments.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(m[k]))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
