// Package dispatch drives the trigger policy on every tick.
//
// A tick snapshots the active users and handles each one independently in
// a bounded pool: resolve the user's local time, load the fire state, ask
// the policy whether the daily prompt and the weekly digest are due, run
// the external action and, only after it succeeded, record the firing. The
// dispatcher is the only writer of fire state.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gratibot/internal/clock"
	"gratibot/internal/eventbus"
	"gratibot/internal/metrics"
	"gratibot/internal/prompt"
	"gratibot/internal/storage"
	"gratibot/internal/transport"
	"gratibot/internal/trigger"
	logx "gratibot/pkg/logx"
)

// Deps are the collaborators a Dispatcher calls. Store, Prompter,
// Messenger and Digests are required.
type Deps struct {
	Store     Store
	Prompter  prompt.Generator
	Messenger transport.Messenger
	Digests   transport.DigestSender

	Clock    clock.Clock
	Resolver *clock.Resolver
	Metrics  metrics.Recorder
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	deps Deps
	log  logx.Logger

	// sem admits one tick at a time, scheduled or manual.
	sem chan struct{}

	lastMu sync.Mutex
	last   *Report
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil || deps.Prompter == nil || deps.Messenger == nil || deps.Digests == nil {
		return nil, errors.New("dispatch: store, prompter, messenger and digest sender are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Resolver == nil {
		deps.Resolver = clock.NewResolver()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:  withDefaults(cfg),
		deps: deps,
		log:  log.With(logx.String("comp", "dispatch")),
		sem:  make(chan struct{}, 1),
	}, nil
}

// Apply swaps the config. A running tick keeps the config it started with.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = withDefaults(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Last returns the most recent completed tick report.
func (d *Dispatcher) Last() (Report, bool) {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	if d.last == nil {
		return Report{}, false
	}
	return *d.last, true
}

// RunTick evaluates every active user once. It waits for a tick already in
// progress. The returned error is non-nil only when the tick could not run
// at all (no user list, ctx done while waiting); per-user failures are in
// the report, see Report.Err.
func (d *Dispatcher) RunTick(ctx context.Context, mode Mode) (Report, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return Report{Mode: mode}, ctx.Err()
	}
	defer func() { <-d.sem }()
	return d.run(ctx, mode)
}

// TryRunTick is RunTick without waiting: it returns ErrBusy when a tick is
// in progress.
func (d *Dispatcher) TryRunTick(ctx context.Context, mode Mode) (Report, error) {
	select {
	case d.sem <- struct{}{}:
	default:
		return Report{Mode: mode}, ErrBusy
	}
	defer func() { <-d.sem }()
	return d.run(ctx, mode)
}

type tick struct {
	id   string
	mode Mode
	now  time.Time
	cfg  Config
}

func (d *Dispatcher) run(ctx context.Context, mode Mode) (Report, error) {
	if mode == "" {
		mode = ModeNormal
	}
	tk := tick{id: uuid.NewString(), mode: mode, now: d.deps.Clock.Now(), cfg: d.config()}
	start := time.Now()
	log := d.log.With(logx.String("tick_id", tk.id), logx.String("mode", string(mode)))
	rep := Report{TickID: tk.id, Mode: mode, At: tk.now}

	listCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
	users, err := d.deps.Store.ListActiveUsers(listCtx)
	cancel()
	if err != nil {
		log.Error("list active users failed", logx.Err(err))
		return rep, err
	}
	rep.Users = len(users)

	var (
		resMu   sync.Mutex
		results []Result
	)
	var g errgroup.Group
	g.SetLimit(tk.cfg.Workers)
	for _, u := range users {
		u := u
		g.Go(func() error {
			out := d.runUser(ctx, tk, u, log)
			resMu.Lock()
			results = append(results, out...)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Phone != results[j].Phone {
			return results[i].Phone < results[j].Phone
		}
		return results[i].Kind < results[j].Kind
	})
	rep.Results = results
	for _, r := range results {
		switch r.Outcome {
		case OutcomeFired:
			rep.Fired++
		case OutcomeFailed:
			rep.Failed++
		case OutcomeSkipped:
			rep.Skipped++
		}
	}
	rep.Took = time.Since(start)

	d.deps.Metrics.RecordTick(string(mode), rep.Users, rep.Took)
	d.publish(eventbus.TypeTick, rep)

	fields := []logx.Field{
		logx.Int("users", rep.Users), logx.Int("fired", rep.Fired),
		logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Took),
	}
	switch {
	case rep.Failed > 0:
		log.Warn("tick completed with failures", fields...)
	case rep.Fired > 0 || mode == ModeForce:
		log.Info("tick completed", fields...)
	default:
		log.Debug("tick completed", fields...)
	}

	d.lastMu.Lock()
	d.last = &rep
	d.lastMu.Unlock()
	return rep, nil
}

// runUser handles one user. Users never affect each other: every failure
// ends up as a Result for this user only.
func (d *Dispatcher) runUser(ctx context.Context, tk tick, u storage.User, log logx.Logger) []Result {
	log = log.With(logx.String("phone", u.Phone))

	loc, err := d.deps.Resolver.Location(u.Timezone)
	if err != nil {
		if tk.mode != ModeForce {
			log.Warn("skipping user with unknown timezone", logx.String("timezone", u.Timezone), logx.Err(err))
			return []Result{d.record(tk, Result{Phone: u.Phone, Outcome: OutcomeSkipped, Reason: ReasonUnknownTimezone, err: err})}
		}
		loc = time.UTC
	}
	local := tk.now.In(loc)

	preferred, err := trigger.ParseClockTime(u.PreferredTime)
	if err != nil && tk.mode != ModeForce {
		log.Warn("skipping user with invalid preferred time", logx.String("preferred_time", u.PreferredTime), logx.Err(err))
		return []Result{d.record(tk, Result{Phone: u.Phone, Outcome: OutcomeSkipped, Reason: ReasonInvalidTime, err: err})}
	}

	stCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
	st, err := d.deps.Store.LoadFireState(stCtx, u.Phone)
	cancel()
	if err != nil {
		log.Error("load fire state failed", logx.Err(err))
		return []Result{d.record(tk, Result{Phone: u.Phone, Outcome: OutcomeFailed, Reason: reasonOf(err), err: err})}
	}

	var out []Result

	daily := trigger.Decision{Fire: true, Period: clock.DateOf(local)}
	if tk.mode != ModeForce {
		daily = tk.cfg.Policy.Daily(local, preferred, st.LastDailyDate)
	}
	if daily.Fire {
		out = append(out, d.fireDaily(ctx, tk, u, daily, log))
	}

	weekly := trigger.Decision{Fire: true, Period: clock.DateOf(local)}
	if tk.mode != ModeForce {
		weekly = tk.cfg.Policy.Weekly(local, preferred, st.LastWeeklyDate)
	}
	if weekly.Fire {
		out = append(out, d.fireWeekly(ctx, tk, u, st, weekly, log))
	}
	return out
}

func (d *Dispatcher) fireDaily(ctx context.Context, tk tick, u storage.User, dec trigger.Decision, log logx.Logger) Result {
	start := time.Now()
	res := Result{Phone: u.Phone, Kind: trigger.KindDaily, Period: dec.Period}
	fail := func(err error) Result {
		res.Outcome, res.Reason, res.err, res.Took = OutcomeFailed, reasonOf(err), err, time.Since(start)
		log.Warn("daily prompt failed", logx.String("period", dec.Period.String()), logx.String("reason", res.Reason), logx.Err(err))
		return d.record(tk, res)
	}

	genCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
	text, err := d.deps.Prompter.Generate(genCtx)
	cancel()
	if err != nil {
		return fail(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
	err = d.deps.Messenger.SendSMS(sendCtx, u.Phone, text)
	cancel()
	if err != nil {
		return fail(err)
	}

	if tk.mode == ModeNormal {
		saveCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
		err = d.deps.Store.SaveFireState(saveCtx, storage.FireState{Phone: u.Phone, LastDailyDate: dec.Period, LastDailyAt: tk.now})
		cancel()
		if err != nil {
			return fail(err)
		}
	}

	res.Outcome, res.Took = OutcomeFired, time.Since(start)
	log.Info("daily prompt sent", logx.String("period", dec.Period.String()), logx.Duration("took", res.Took))
	return d.record(tk, res)
}

func (d *Dispatcher) fireWeekly(ctx context.Context, tk tick, u storage.User, st storage.FireState, dec trigger.Decision, log logx.Logger) Result {
	start := time.Now()
	res := Result{Phone: u.Phone, Kind: trigger.KindWeekly, Period: dec.Period}
	fail := func(err error) Result {
		res.Outcome, res.Reason, res.err, res.Took = OutcomeFailed, reasonOf(err), err, time.Since(start)
		log.Warn("weekly digest failed", logx.String("period", dec.Period.String()), logx.String("reason", res.Reason), logx.Err(err))
		return d.record(tk, res)
	}
	if u.Email == "" {
		res.Outcome, res.Reason = OutcomeSkipped, ReasonNoEmail
		log.Warn("skipping weekly digest for user without email")
		return d.record(tk, res)
	}

	since := st.LastWeeklyAt
	if since.IsZero() || tk.mode == ModeForce {
		since = tk.now.Add(-tk.cfg.DigestLookback)
	}
	qCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
	entries, err := d.deps.Store.EntriesSince(qCtx, u.Phone, since)
	cancel()
	if err != nil {
		return fail(err)
	}
	digest := make([]transport.DigestEntry, 0, len(entries))
	for _, e := range entries {
		digest = append(digest, transport.DigestEntry{Text: e.Text, At: e.CreatedAt})
	}

	sendCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
	err = d.deps.Digests.SendDigest(sendCtx, u.Email, digest)
	cancel()
	if err != nil {
		return fail(err)
	}

	if tk.mode == ModeNormal {
		saveCtx, cancel := context.WithTimeout(ctx, tk.cfg.CallTimeout)
		err = d.deps.Store.SaveFireState(saveCtx, storage.FireState{Phone: u.Phone, LastWeeklyDate: dec.Period, LastWeeklyAt: tk.now})
		cancel()
		if err != nil {
			return fail(err)
		}
	}

	res.Outcome, res.Took = OutcomeFired, time.Since(start)
	log.Info("weekly digest sent", logx.String("period", dec.Period.String()), logx.Int("entries", len(digest)))
	return d.record(tk, res)
}

// record fills Error, counts the result and publishes it.
func (d *Dispatcher) record(tk tick, res Result) Result {
	if res.err != nil {
		res.Error = res.err.Error()
	}
	kind := string(res.Kind)
	if kind == "" {
		kind = "user"
	}
	d.deps.Metrics.RecordOutcome(kind, string(res.Outcome), res.Reason)

	typ := eventbus.TypeFired
	switch res.Outcome {
	case OutcomeFailed:
		typ = eventbus.TypeFailed
	case OutcomeSkipped:
		typ = eventbus.TypeSkipped
	}
	d.publish(typ, Event{TickID: tk.id, Mode: tk.mode, At: tk.now, Result: res})
	return res
}

// Event is the payload of per-result bus events.
type Event struct {
	TickID string
	Mode   Mode
	At     time.Time
	Result Result
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.deps.Bus == nil {
		return
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, clock.ErrUnknownTimezone):
		return ReasonUnknownTimezone
	case errors.Is(err, prompt.ErrUnavailable):
		return ReasonGeneration
	case errors.Is(err, transport.ErrDelivery):
		return ReasonDelivery
	case errors.Is(err, storage.ErrUnavailable):
		return ReasonStore
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	}
	return ReasonError
}
