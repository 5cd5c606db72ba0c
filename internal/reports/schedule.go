package reports

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CronSchedule is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week. Day-of-week runs 0-6 with 0
// as Sunday. When both day fields are restricted, either matching fires,
// as in classic cron.
type CronSchedule struct {
	raw     string
	minutes map[int]bool
	hours   map[int]bool
	dom     map[int]bool
	months  map[int]bool
	dow     map[int]bool

	domAny bool
	dowAny bool
}

// ParseCron parses a five-field cron expression. Supported syntax per
// field: "*", single values, comma lists, ranges (a-b) and steps (*/n,
// a-b/n).
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}

	specs := []struct {
		name string
		min  int
		max  int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}

	sets := make([]map[int]bool, 5)
	for i, spec := range specs {
		set, err := parseCronField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s: %w", expr, spec.name, err)
		}
		sets[i] = set
	}

	return &CronSchedule{
		raw:     expr,
		minutes: sets[0],
		hours:   sets[1],
		dom:     sets[2],
		months:  sets[3],
		dow:     sets[4],
		domAny:  fields[2] == "*",
		dowAny:  fields[4] == "*",
	}, nil
}

func parseCronField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		rangePart, step := part, 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("bad step in %q", part)
			}
			step = s
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// full range
		case strings.ContainsRune(rangePart, '-'):
			bounds := strings.SplitN(rangePart, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("bad range %q", rangePart)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("bad value %q", rangePart)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("value out of range in %q (%d-%d)", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// matches reports whether the schedule fires at the given local time.
func (c *CronSchedule) matches(t time.Time) bool {
	if !c.minutes[t.Minute()] || !c.hours[t.Hour()] || !c.months[int(t.Month())] {
		return false
	}

	domOK := c.dom[t.Day()]
	dowOK := c.dow[int(t.Weekday())]
	switch {
	case c.domAny && c.dowAny:
		return true
	case c.domAny:
		return dowOK
	case c.dowAny:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first firing time strictly after t, evaluated in t's
// location.
func (c *CronSchedule) Next(t time.Time) time.Time {
	// Advance to the next whole minute, then scan. Four years bounds the
	// search for any satisfiable expression.
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for next.Before(limit) {
		if c.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

// String returns the original expression.
func (c *CronSchedule) String() string { return c.raw }

// ScheduleEntry binds a template to a cron expression, timezone and sink.
type ScheduleEntry struct {
	TemplateID string `yaml:"template_id"`
	Cron       string `yaml:"cron"`

	// Timezone is an IANA zone name, e.g. "Europe/Berlin". Empty means UTC.
	Timezone string `yaml:"timezone"`

	// Period is how far back each run reaches. Zero means since the
	// previous scheduled fire.
	Period time.Duration `yaml:"period"`

	SinkName string `yaml:"sink"`
}

// Scheduler runs report templates on cron schedules.
type Scheduler struct {
	gen    *Generator
	sinks  map[string]Sink
	logger *slog.Logger

	mu      sync.Mutex
	entries []scheduledEntry

	wg sync.WaitGroup

	now func() time.Time
}

type scheduledEntry struct {
	entry ScheduleEntry
	cron  *CronSchedule
	loc   *time.Location
	sink  Sink
}

// NewScheduler creates a scheduler over the generator and named sinks.
func NewScheduler(gen *Generator, sinks map[string]Sink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		gen:    gen,
		sinks:  sinks,
		logger: logger.With("component", "report_scheduler"),
		now:    func() time.Time { return time.Now() },
	}
}

// Add registers a schedule entry. The template, cron expression, timezone
// and sink are all validated up front.
func (s *Scheduler) Add(entry ScheduleEntry) error {
	if _, err := s.gen.GetTemplate(entry.TemplateID); err != nil {
		return err
	}
	cron, err := ParseCron(entry.Cron)
	if err != nil {
		return err
	}
	loc := time.UTC
	if entry.Timezone != "" {
		loc, err = time.LoadLocation(entry.Timezone)
		if err != nil {
			return fmt.Errorf("schedule for %s: %w", entry.TemplateID, err)
		}
	}
	sink, ok := s.sinks[entry.SinkName]
	if !ok {
		return fmt.Errorf("schedule for %s: unknown sink %q", entry.TemplateID, entry.SinkName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, scheduledEntry{entry: entry, cron: cron, loc: loc, sink: sink})
	return nil
}

// Run fires schedules until the context ends. Each entry runs on its own
// timer; in-flight generations are cancelled with the context.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	entries := make([]scheduledEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, e := range entries {
		s.wg.Add(1)
		go s.runEntry(ctx, e)
	}
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) runEntry(ctx context.Context, e scheduledEntry) {
	defer s.wg.Done()

	prev := s.now().In(e.loc)
	for {
		next := e.cron.Next(prev)
		if next.IsZero() {
			s.logger.Error("schedule never fires", "template_id", e.entry.TemplateID, "cron", e.cron.String())
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := prev
		if e.entry.Period > 0 {
			start = next.Add(-e.entry.Period)
		}
		report, err := s.gen.Generate(ctx, e.entry.TemplateID, start.UTC(), next.UTC())
		if err != nil {
			s.logger.Error("scheduled generation failed",
				"template_id", e.entry.TemplateID, "error", err)
		} else if err := e.sink.Deliver(ctx, report); err != nil {
			s.logger.Error("scheduled delivery failed",
				"template_id", e.entry.TemplateID, "sink", e.sink.Name(), "error", err)
		}
		prev = next
	}
}
