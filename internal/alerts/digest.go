package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type IncidentCounter interface {
	CountIncidentsSince(ctx context.Context, since time.Time) (map[string]int, error)
}

type Sink interface {
	Dispatch(message string) bool
}

// Digest periodically summarizes incidents recorded since the previous run.
type Digest struct {
	Store    IncidentCounter
	Alerts   Sink
	Schedule cron.Schedule
	Now      func() time.Time
}

func NewDigest(spec string, store IncidentCounter, sink Sink) (*Digest, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("digest schedule: %w", err)
	}
	return &Digest{Store: store, Alerts: sink, Schedule: schedule}, nil
}

func (d *Digest) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Digest) Run(ctx context.Context) error {
	last := d.now()
	for {
		next := d.Schedule.Next(last)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		now := d.now()
		if _, err := d.RunOnce(ctx, last, now); err != nil {
			slog.Warn("incident digest failed", "error", err)
		}
		last = now
	}
}

// RunOnce dispatches a summary of incidents in (since, until]. Empty
// windows produce no alert.
func (d *Digest) RunOnce(ctx context.Context, since, until time.Time) (string, error) {
	counts, err := d.Store.CountIncidentsSince(ctx, since)
	if err != nil {
		return "", err
	}
	total := 0
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		total += v
		keys = append(keys, k)
	}
	if total == 0 {
		return "", nil
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	msg := fmt.Sprintf("R2R digest\nincidents=%d\nwindow=%s..%s\n%s",
		total, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339), strings.Join(parts, " "))
	if d.Alerts != nil {
		d.Alerts.Dispatch(msg)
	}
	return msg, nil
}
