package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditcore/internal/detection"
	"auditcore/internal/schema"
)

// ScorerConfig holds scoring parameters.
type ScorerConfig struct {
	// Weights per factor. A missing factor name gets weight zero.
	Weights map[string]float64 `yaml:"weights"`

	// Bands classify combined scores into decision bands.
	Bands Bands `yaml:"bands"`

	// VelocityWindow bounds the event-rate observation window.
	VelocityWindow time.Duration `yaml:"velocity_window"`

	// VelocityCeiling is the event count in the window that maps to the
	// maximum velocity factor value.
	VelocityCeiling int `yaml:"velocity_ceiling"`

	// MaxProfileEvents bounds per-actor history kept in memory.
	MaxProfileEvents int `yaml:"max_profile_events"`
}

// DefaultScorerConfig returns the default scoring configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Weights: map[string]float64{
			FactorLocationAnomaly:     0.25,
			FactorDeviceTrust:         0.15,
			FactorBehavioralDeviation: 0.25,
			FactorVelocity:            0.15,
			FactorIndicatorReputation: 0.20,
		},
		Bands:            DefaultBands(),
		VelocityWindow:   5 * time.Minute,
		VelocityCeiling:  50,
		MaxProfileEvents: 1000,
	}
}

// Validate validates the scorer configuration.
func (c *ScorerConfig) Validate() error {
	if err := c.Bands.Validate(); err != nil {
		return fmt.Errorf("bands: %w", err)
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("velocity window must be positive")
	}
	if c.VelocityCeiling <= 0 {
		return fmt.Errorf("velocity ceiling must be positive")
	}
	var total float64
	for name, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s must be non-negative", name)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("at least one factor weight must be positive")
	}
	return nil
}

// actorProfile is the accumulated behavioral baseline for one actor.
type actorProfile struct {
	locations   map[string]int
	devices     map[string]int
	actions     map[string]int
	totalEvents int
	failures    int
	recent      []time.Time
}

func newActorProfile() *actorProfile {
	return &actorProfile{
		locations: make(map[string]int),
		devices:   make(map[string]int),
		actions:   make(map[string]int),
	}
}

// Scorer computes risk scores from observed events and their deviation from
// each actor's baseline. Scores are cached per subject; any new contributing
// observation invalidates the subject's cached score.
type Scorer struct {
	cfg    ScorerConfig
	cache  Cache
	logger *slog.Logger

	mu       sync.RWMutex
	profiles map[string]*actorProfile

	now func() time.Time
}

// NewScorer creates a scorer backed by the given cache. A nil cache disables
// caching.
func NewScorer(cfg ScorerConfig, cache Cache, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		cfg:      cfg,
		cache:    cache,
		logger:   logger.With("component", "risk_scorer"),
		profiles: make(map[string]*actorProfile),
		now:      time.Now,
	}
}

// Observe folds an event into its actor's baseline and invalidates the
// actor's cached score.
func (s *Scorer) Observe(ctx context.Context, event *schema.AuditEvent) {
	if event == nil || event.Actor.ID == "" {
		return
	}

	s.mu.Lock()
	p, ok := s.profiles[event.Actor.ID]
	if !ok {
		p = newActorProfile()
		s.profiles[event.Actor.ID] = p
	}
	if event.Actor.Location != "" {
		p.locations[event.Actor.Location]++
	}
	if event.Actor.DeviceID != "" {
		p.devices[event.Actor.DeviceID]++
	}
	p.actions[event.Action]++
	p.totalEvents++
	if event.Result == schema.ResultFailure || event.Result == schema.ResultBlocked {
		p.failures++
	}
	p.recent = append(p.recent, event.Timestamp)
	if max := s.cfg.MaxProfileEvents; max > 0 && len(p.recent) > max {
		p.recent = p.recent[len(p.recent)-max:]
	}
	s.mu.Unlock()

	if err := s.Invalidate(ctx, event.Actor.ID); err != nil {
		s.logger.Warn("cache invalidation failed", "actor_id", event.Actor.ID, "error", err)
	}
}

// Invalidate drops the cached score for a subject.
func (s *Scorer) Invalidate(ctx context.Context, subject string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, subject)
}

// ScoreActor returns the actor's current risk score, serving from cache when
// a fresh entry exists.
func (s *Scorer) ScoreActor(ctx context.Context, actorID string) (*Score, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, actorID)
		if err != nil {
			s.logger.Warn("cache read failed", "actor_id", actorID, "error", err)
		} else if ok {
			return cached, nil
		}
	}

	score := s.computeActor(actorID)
	if s.cache != nil {
		if err := s.cache.Set(ctx, score); err != nil {
			s.logger.Warn("cache write failed", "actor_id", actorID, "error", err)
		}
	}
	return score, nil
}

// ScoreEvent scores a single event against its actor's baseline without
// folding it into the profile.
func (s *Scorer) ScoreEvent(event *schema.AuditEvent) *Score {
	s.mu.RLock()
	p := s.profiles[event.Actor.ID]
	factors := []Factor{
		s.factor(FactorLocationAnomaly, locationAnomaly(p, event.Actor.Location)),
		s.factor(FactorDeviceTrust, deviceTrust(p, event.Actor.DeviceID)),
		s.factor(FactorBehavioralDeviation, behavioralDeviation(p, event)),
		s.factor(FactorVelocity, s.velocity(p, event.Timestamp)),
		s.factor(FactorIndicatorReputation, eventReputation(event)),
	}
	s.mu.RUnlock()

	value := Combine(factors)
	return &Score{
		Subject:    event.EventID.String(),
		Value:      value,
		Band:       s.cfg.Bands.Classify(value),
		Factors:    factors,
		ComputedAt: s.now(),
	}
}

// ScoreDetection scores a detection from its indicators and the actor's
// baseline.
func (s *Scorer) ScoreDetection(d *detection.ThreatDetection) *Score {
	s.mu.RLock()
	p := s.profiles[d.ActorID]
	factors := []Factor{
		s.factor(FactorBehavioralDeviation, failureRate(p)*100),
		s.factor(FactorVelocity, s.velocity(p, d.DetectedAt)),
		s.factor(FactorIndicatorReputation, indicatorReputation(d.Indicators, d.Severity)),
	}
	s.mu.RUnlock()

	value := Combine(factors)
	return &Score{
		Subject:    d.ID.String(),
		Value:      value,
		Band:       s.cfg.Bands.Classify(value),
		Factors:    factors,
		ComputedAt: s.now(),
	}
}

func (s *Scorer) computeActor(actorID string) *Score {
	s.mu.RLock()
	p := s.profiles[actorID]
	factors := []Factor{
		s.factor(FactorLocationAnomaly, locationSpread(p)),
		s.factor(FactorDeviceTrust, deviceSpread(p)),
		s.factor(FactorBehavioralDeviation, failureRate(p)*100),
		s.factor(FactorVelocity, s.velocity(p, s.now())),
	}
	s.mu.RUnlock()

	value := Combine(factors)
	return &Score{
		Subject:    actorID,
		Value:      value,
		Band:       s.cfg.Bands.Classify(value),
		Factors:    factors,
		ComputedAt: s.now(),
	}
}

func (s *Scorer) factor(name string, value float64) Factor {
	return Factor{Name: name, Value: value, Weight: s.cfg.Weights[name]}
}

// locationAnomaly scores how unusual a location is for the actor. A location
// never seen before scores 100; the dominant location scores near zero.
func locationAnomaly(p *actorProfile, location string) float64 {
	if location == "" {
		return 0
	}
	if p == nil || p.totalEvents == 0 {
		return 50
	}
	seen := p.locations[location]
	if seen == 0 {
		return 100
	}
	return (1 - float64(seen)/float64(p.totalEvents)) * 100
}

// deviceTrust scores device unfamiliarity. Unknown devices are high risk.
func deviceTrust(p *actorProfile, deviceID string) float64 {
	if deviceID == "" {
		return 50
	}
	if p == nil || p.totalEvents == 0 {
		return 50
	}
	seen := p.devices[deviceID]
	if seen == 0 {
		return 100
	}
	return (1 - float64(seen)/float64(p.totalEvents)) * 100
}

// behavioralDeviation blends action novelty with the actor's failure rate.
func behavioralDeviation(p *actorProfile, event *schema.AuditEvent) float64 {
	if p == nil || p.totalEvents == 0 {
		return 50
	}
	novelty := 100.0
	if seen := p.actions[event.Action]; seen > 0 {
		novelty = (1 - float64(seen)/float64(p.totalEvents)) * 100
	}
	return novelty*0.5 + failureRate(p)*100*0.5
}

func failureRate(p *actorProfile) float64 {
	if p == nil || p.totalEvents == 0 {
		return 0
	}
	return float64(p.failures) / float64(p.totalEvents)
}

// velocity maps the actor's event count inside the window to [0,100].
func (s *Scorer) velocity(p *actorProfile, at time.Time) float64 {
	if p == nil {
		return 0
	}
	cutoff := at.Add(-s.cfg.VelocityWindow)
	count := 0
	for _, ts := range p.recent {
		if !ts.Before(cutoff) && !ts.After(at) {
			count++
		}
	}
	v := float64(count) / float64(s.cfg.VelocityCeiling) * 100
	if v > 100 {
		v = 100
	}
	return v
}

// eventReputation derives a reputation value from the event itself.
func eventReputation(event *schema.AuditEvent) float64 {
	base := float64(event.Severity.Rank()) * 20
	if event.Result == schema.ResultFailure || event.Result == schema.ResultBlocked {
		base += 20
	}
	if event.Target != nil {
		switch event.Target.Sensitivity {
		case schema.SensitivityRestricted:
			base += 20
		case schema.SensitivityConfidential:
			base += 10
		}
	}
	if base > 100 {
		base = 100
	}
	return base
}

// indicatorReputation averages indicator confidence, scaled by severity.
func indicatorReputation(indicators []detection.Indicator, severity schema.Severity) float64 {
	if len(indicators) == 0 {
		return float64(severity.Rank()) * 20
	}
	var sum float64
	for _, ind := range indicators {
		sum += ind.Confidence
	}
	avg := sum / float64(len(indicators))
	v := avg * float64(severity.Rank()) * 25
	if v > 100 {
		v = 100
	}
	return v
}
