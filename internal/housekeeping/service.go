// Package housekeeping runs the periodic chores of the relay on cron specs:
// sweeping stale media copies and reminding admins about unclaimed messages.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/pkg/logx"
)

const jobTimeout = 2 * time.Minute

// Job is one chore. It must return once ctx ends.
type Job func(ctx context.Context) error

type Config struct {
	Timezone string
	// Specs maps a registered job name to its cron spec. Missing or empty
	// specs disable the job.
	Specs map[string]string
}

var ErrUnknownJob = errors.New("housekeeping: unknown job")

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	jobs    map[string]Job
	cfg     Config
	c       *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "housekeeping")),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:    map[string]Job{},
		entries: map[string]cron.EntryID{},
	}
}

// Register adds a named job. Call it before Start.
func (s *Service) Register(name string, job Job) {
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
}

// Start schedules the registered jobs under ctx.
func (s *Service) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.scheduleLocked(cfg)
}

// Apply swaps the schedule. Running jobs finish on the old cron.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.cfg = cfg
		return nil
	}
	if sameConfig(s.cfg, cfg) {
		return nil
	}
	old := s.c
	if err := s.scheduleLocked(cfg); err != nil {
		return err
	}
	old.Stop()
	return nil
}

func sameConfig(a, b Config) bool {
	if a.Timezone != b.Timezone || len(a.Specs) != len(b.Specs) {
		return false
	}
	for k, v := range a.Specs {
		if b.Specs[k] != v {
			return false
		}
	}
	return true
}

func (s *Service) scheduleLocked(cfg Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("housekeeping timezone: %w", err)
		}
		loc = l
	}
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	entries := map[string]cron.EntryID{}
	for name, spec := range cfg.Specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		job, ok := s.jobs[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownJob, name)
		}
		id, err := c.AddFunc(spec, s.wrap(name, job))
		if err != nil {
			return fmt.Errorf("housekeeping %s: %w", name, err)
		}
		entries[name] = id
	}
	c.Start()
	s.c, s.cfg, s.entries = c, cfg, entries
	for name, id := range entries {
		s.log.Debug("job scheduled",
			logx.String("job", name),
			logx.String("spec", cfg.Specs[name]),
			logx.Time("next", c.Entry(id).Next),
		)
	}
	return nil
}

func (s *Service) wrap(name string, job Job) func() {
	return func() {
		s.mu.Lock()
		parent := s.ctx
		s.mu.Unlock()
		if parent == nil || parent.Err() != nil {
			return
		}
		if err := s.run(parent, name, job); err != nil {
			s.log.Warn("job failed", logx.String("job", name), logx.Err(err))
		}
	}
}

func (s *Service) run(parent context.Context, name string, job Job) error {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()
	start := time.Now()
	err := job(ctx)
	s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	return err
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, name, job)
}

// Scheduled lists the job names that currently have an entry, sorted.
func (s *Service) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stop halts the schedule and waits for running jobs up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.entries = nil, map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if l.log.Enabled(logx.LevelTrace) {
		l.log.Trace("cron: "+msg, logx.Any("kv", kv))
	}
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
