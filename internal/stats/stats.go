// Package stats counts routing outcomes from the event bus and logs a
// periodic summary on a cron schedule.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"msgroute/internal/eventbus"
	logx "msgroute/pkg/logx"
)

const DefaultSchedule = "@every 5m"

type Config struct {
	Enabled  bool
	Schedule string
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Planned       uint64            `json:"planned"`
	Rejected      uint64            `json:"rejected"`
	Recipients    uint64            `json:"recipients"`
	Routes        uint64            `json:"routes"`
	ElasticRoutes uint64            `json:"elastic_routes"`
	RejectedBy    map[string]uint64 `json:"rejected_by,omitempty"`
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec ("*/5 * * * *", "@every 1m", "@hourly").
// Empty means DefaultSchedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("stats.schedule: invalid %q: %w", spec, err)
	}
	return sched, nil
}

type Service struct {
	log logx.Logger

	planned    atomic.Uint64
	rejected   atomic.Uint64
	recipients atomic.Uint64
	routes     atomic.Uint64
	elastic    atomic.Uint64

	rejMu      sync.Mutex
	rejectedBy map[string]uint64

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	last Snapshot
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, rejectedBy: map[string]uint64{}}
}

// Observe folds one event into the counters. Unknown types are ignored.
func (s *Service) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.RoutePlanned:
		s.planned.Add(1)
		s.recipients.Add(uint64(d.Recipients))
		s.routes.Add(uint64(d.Routes))
		s.elastic.Add(uint64(d.Elastic))
	case eventbus.RouteRejected:
		s.rejected.Add(1)
		s.rejMu.Lock()
		s.rejectedBy[d.Reason]++
		s.rejMu.Unlock()
	}
}

// Consume observes events until ctx is done or ch is closed.
func (s *Service) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.Observe(e)
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Planned:       s.planned.Load(),
		Rejected:      s.rejected.Load(),
		Recipients:    s.recipients.Load(),
		Routes:        s.routes.Load(),
		ElasticRoutes: s.elastic.Load(),
	}
	s.rejMu.Lock()
	if len(s.rejectedBy) > 0 {
		snap.RejectedBy = make(map[string]uint64, len(s.rejectedBy))
		for k, v := range s.rejectedBy {
			snap.RejectedBy[k] = v
		}
	}
	s.rejMu.Unlock()
	return snap
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start schedules the summary job. It is a no-op when disabled or running.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(parser))
	c.Schedule(sched, cron.FuncJob(s.Report))
	c.Start()
	s.c = c
	s.log.Debug("stats reporter started", logx.String("schedule", scheduleOrDefault(s.cfg.Schedule)))
	return nil
}

// Stop halts the cron and waits for a running report (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply reschedules or stops the reporter to match cfg.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || scheduleOrDefault(prev.Schedule) != scheduleOrDefault(cfg.Schedule)) {
		s.Stop(ctx)
	}
	if !cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

// Report logs totals plus the delta since the previous report.
func (s *Service) Report() {
	cur := s.Snapshot()
	s.mu.Lock()
	prev := s.last
	s.last = cur
	s.mu.Unlock()

	fields := []logx.Field{
		logx.Uint64("planned", cur.Planned),
		logx.Uint64("planned_delta", cur.Planned-prev.Planned),
		logx.Uint64("rejected", cur.Rejected),
		logx.Uint64("rejected_delta", cur.Rejected-prev.Rejected),
		logx.Uint64("recipients", cur.Recipients),
		logx.Uint64("routes", cur.Routes),
		logx.Uint64("elastic_routes", cur.ElasticRoutes),
	}
	if len(cur.RejectedBy) > 0 {
		fields = append(fields, logx.String("rejected_by", formatReasons(cur.RejectedBy)))
	}
	s.log.Info("routing summary", fields...)
}

func formatReasons(m map[string]uint64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s=%d", k, m[k])
	}
	return b.String()
}

func scheduleOrDefault(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return DefaultSchedule
	}
	return s
}

var ErrNotRunning = errors.New("stats reporter not running")

// Next returns the next scheduled report time.
func (s *Service) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return "", ErrNotRunning
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return "", ErrNotRunning
	}
	return entries[0].Next.String(), nil
}
