package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gratibot/internal/dispatch"
	"gratibot/internal/eventbus"
	"gratibot/internal/storage"
	logx "gratibot/pkg/logx"
)

type auditAppender interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type tickMeta struct {
	Users   int `json:"users"`
	Fired   int `json:"fired"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// auditEntries flattens a report into one "tick" row plus one row per result.
func auditEntries(rep dispatch.Report) []storage.AuditEntry {
	meta, _ := json.Marshal(tickMeta{Users: rep.Users, Fired: rep.Fired, Failed: rep.Failed, Skipped: rep.Skipped})
	out := make([]storage.AuditEntry, 0, len(rep.Results)+1)
	out = append(out, storage.AuditEntry{
		At:       rep.At,
		TickID:   rep.TickID,
		Mode:     string(rep.Mode),
		Kind:     "tick",
		Outcome:  tickOutcome(rep),
		TookMS:   rep.Took.Milliseconds(),
		MetaJSON: string(meta),
	})
	for _, res := range rep.Results {
		kind := string(res.Kind)
		if kind == "" {
			kind = "user"
		}
		errText := res.Error
		if res.Reason != "" && errText == "" {
			errText = res.Reason
		}
		out = append(out, storage.AuditEntry{
			At:      rep.At,
			TickID:  rep.TickID,
			Mode:    string(rep.Mode),
			Kind:    kind,
			Phone:   res.Phone,
			Outcome: string(res.Outcome),
			Period:  res.Period.String(),
			Error:   errText,
			TookMS:  res.Took.Milliseconds(),
		})
	}
	return out
}

func tickOutcome(rep dispatch.Report) string {
	if rep.Failed > 0 {
		return string(dispatch.OutcomeFailed)
	}
	return "ok"
}

// writeAudit appends every row of the report. It keeps going after a failed
// row and returns the joined errors.
func writeAudit(ctx context.Context, store auditAppender, rep dispatch.Report) error {
	var errs []error
	for _, e := range auditEntries(rep) {
		if err := store.AppendAudit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runAuditLoop records every completed tick published on the bus.
func runAuditLoop(ctx context.Context, bus eventbus.Bus, store auditAppender, log logx.Logger) {
	events, unsub := bus.Subscribe(64, eventbus.TypeTick)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rep, ok := e.Data.(dispatch.Report)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := writeAudit(wctx, store, rep); err != nil {
				log.Warn("audit write failed", logx.String("tick_id", rep.TickID), logx.Err(err))
			}
			cancel()
		}
	}
}
