package correlation

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auditcore/internal/detection"

	"github.com/google/uuid"
)

// Config configures the correlator.
type Config struct {
	// MaxOpenGroups bounds the number of open groups; the least recently
	// active open groups are frozen when the bound is exceeded.
	MaxOpenGroups int `yaml:"max_open_groups"`

	// MaxLateness is how far behind the newest observed activity a
	// detection may arrive and still join existing groups. Later
	// detections are still recorded, in fresh groups.
	MaxLateness time.Duration `yaml:"max_lateness"`

	// SweepInterval is how often idle groups are frozen.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Shards is the number of key locks serializing per-window-key
	// correlation updates.
	Shards int `yaml:"shards"`
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		MaxOpenGroups: 10000,
		MaxLateness:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
		Shards:        64,
	}
}

// Correlator maintains the sliding-window index of recent detections and
// the groups they form.
//
// Correlation state for a window key (an indicator key such as
// "actor:alice") is serialized: Correlate acquires the key's shard lock
// before consulting or mutating the index, so two concurrent detections on
// the same key cannot both create a group.
type Correlator struct {
	config   Config
	patterns map[string]*Pattern

	mu      sync.RWMutex
	groups  map[uuid.UUID]*Group
	byKey   map[string][]uuid.UUID
	highTS  time.Time
	shards  []sync.Mutex
	logger  *slog.Logger
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	now func() time.Time
}

// NewCorrelator creates a correlator.
func NewCorrelator(cfg Config, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	return &Correlator{
		config:   cfg,
		patterns: make(map[string]*Pattern),
		groups:   make(map[uuid.UUID]*Group),
		byKey:    make(map[string][]uuid.UUID),
		shards:   make([]sync.Mutex, cfg.Shards),
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddPattern registers a correlation pattern.
func (c *Correlator) AddPattern(p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *p
	c.patterns[p.ID] = &copied
	return nil
}

// RemovePattern unregisters a pattern. Existing groups keep their history.
func (c *Correlator) RemovePattern(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.patterns, id)
}

// Start launches the background sweep loop.
func (c *Correlator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep(c.now())
			}
		}
	}()
}

// Stop stops the sweep loop.
func (c *Correlator) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// windowKey picks the detection's primary correlation key. Actor identity
// dominates; indicator and resource keys are fallbacks.
func windowKey(d *detection.ThreatDetection) string {
	if d.ActorID != "" {
		return string(detection.IndicatorActor) + ":" + d.ActorID
	}
	for _, ind := range d.Indicators {
		return ind.Key()
	}
	if d.Resource != "" {
		return string(detection.IndicatorResource) + ":" + d.Resource
	}
	return "detection:" + d.ID.String()
}

func (c *Correlator) shardFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Correlate places a detection into a group: either the best-matching open
// group or a fresh singleton pattern group. Shadow detections are ignored.
// The returned group is a snapshot.
//
// Tie-break when several open groups match: the group with the highest
// combined confidence wins; equal confidences fall back to the earliest
// group creation time.
func (c *Correlator) Correlate(d *detection.ThreatDetection) *Group {
	if d == nil || d.Shadow {
		return nil
	}

	key := windowKey(d)
	lock := c.shardFor(key)
	lock.Lock()
	defer lock.Unlock()

	now := c.now()

	c.mu.Lock()
	if d.DetectedAt.After(c.highTS) {
		c.highTS = d.DetectedAt
	}
	late := c.highTS.Sub(d.DetectedAt) > c.config.MaxLateness
	candidates := c.candidatesLocked(key, d, late)
	c.mu.Unlock()

	if best := pickBest(candidates); best != nil {
		if g := c.join(best, d, key, now); g != nil {
			return g
		}
	}

	return c.createGroup(d, key, now)
}

type candidate struct {
	group   *Group
	pattern *Pattern
}

// candidatesLocked collects open groups on the key that the detection may
// join. Caller holds c.mu. Late detections get no candidates: they are
// excluded from groups whose window has moved on.
func (c *Correlator) candidatesLocked(key string, d *detection.ThreatDetection, late bool) []candidate {
	if late {
		return nil
	}

	var out []candidate
	for _, id := range c.byKey[key] {
		g, ok := c.groups[id]
		if !ok || g.Status != GroupOpen {
			continue
		}
		p, ok := c.patterns[g.PatternID]
		if !ok {
			continue
		}
		if !p.compatible(d.Category) {
			continue
		}
		if d.DetectedAt.Sub(g.LastActivity) > p.Window {
			continue
		}
		out = append(out, candidate{group: g, pattern: p})
	}
	return out
}

func pickBest(candidates []candidate) *candidate {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		gi, gj := candidates[i].group, candidates[j].group
		if gi.Confidence != gj.Confidence {
			return gi.Confidence > gj.Confidence
		}
		return gi.CreatedAt.Before(gj.CreatedAt)
	})
	return &candidates[0]
}

// join adds the detection to the group, recomputes confidence and applies
// promotion. The join is rolled back when the recomputed confidence falls
// below the pattern's threshold.
func (c *Correlator) join(cand *candidate, d *detection.ThreatDetection, key string, now time.Time) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, p := cand.group, cand.pattern
	if g.Status != GroupOpen {
		return nil
	}

	prevConfs := g.memberConfs
	g.memberConfs = append(append([]float64(nil), prevConfs...), d.Confidence)
	g.recomputeConfidence()
	if g.Confidence < p.ConfidenceThreshold {
		g.memberConfs = prevConfs
		g.recomputeConfidence()
		return nil
	}

	g.DetectionIDs = append(g.DetectionIDs, d.ID)
	g.EventIDs = append(g.EventIDs, d.EventIDs...)
	g.LastActivity = now
	if d.DetectedAt.Before(g.WindowStart) {
		g.WindowStart = d.DetectedAt
	}
	if d.DetectedAt.After(g.WindowEnd) {
		g.WindowEnd = d.DetectedAt
	}
	for _, ind := range d.Indicators {
		k := ind.Key()
		if !g.hasIndicator(k) {
			g.IndicatorKeys = append(g.IndicatorKeys, k)
			c.byKey[k] = append(c.byKey[k], g.ID)
		}
	}
	if !g.hasIndicator(key) {
		g.IndicatorKeys = append(g.IndicatorKeys, key)
		c.byKey[key] = append(c.byKey[key], g.ID)
	}

	c.promoteLocked(g, p)
	return g.clone()
}

// promoteLocked upgrades the group type when member count and confidence
// both cross the pattern's thresholds. Caller holds c.mu.
func (c *Correlator) promoteLocked(g *Group, p *Pattern) {
	members := len(g.DetectionIDs)
	if p.IncidentMembers > 0 && members >= p.IncidentMembers && g.Confidence >= p.IncidentConfidence {
		if g.Type != GroupIncident {
			g.Type = GroupIncident
			c.logger.Info("correlation group promoted",
				"group_id", g.ID, "type", g.Type, "members", members, "confidence", g.Confidence)
		}
		return
	}
	if p.CampaignMembers > 0 && members >= p.CampaignMembers && g.Confidence >= p.CampaignConfidence {
		if g.Type == GroupPattern {
			g.Type = GroupCampaign
			c.logger.Info("correlation group promoted",
				"group_id", g.ID, "type", g.Type, "members", members, "confidence", g.Confidence)
		}
	}
}

// createGroup opens a fresh singleton pattern group for the detection. The
// first pattern compatible with the detection's category claims it; with no
// compatible pattern the detection stays ungrouped.
func (c *Correlator) createGroup(d *detection.ThreatDetection, key string, now time.Time) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	var p *Pattern
	ids := make([]string, 0, len(c.patterns))
	for id := range c.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.patterns[id].compatible(d.Category) {
			p = c.patterns[id]
			break
		}
	}
	if p == nil {
		return nil
	}

	g := &Group{
		ID:           uuid.New(),
		Type:         GroupPattern,
		Status:       GroupOpen,
		PatternID:    p.ID,
		Name:         p.Name,
		DetectionIDs: []uuid.UUID{d.ID},
		EventIDs:     append([]uuid.UUID(nil), d.EventIDs...),
		memberConfs:  []float64{d.Confidence},
		WindowStart:  d.DetectedAt,
		WindowEnd:    d.DetectedAt,
		CreatedAt:    now,
		LastActivity: now,
	}
	g.recomputeConfidence()

	g.IndicatorKeys = append(g.IndicatorKeys, key)
	c.byKey[key] = append(c.byKey[key], g.ID)
	for _, ind := range d.Indicators {
		k := ind.Key()
		if !g.hasIndicator(k) {
			g.IndicatorKeys = append(g.IndicatorKeys, k)
			c.byKey[k] = append(c.byKey[k], g.ID)
		}
	}

	c.groups[g.ID] = g
	c.enforceBoundLocked()
	return g.clone()
}

// enforceBoundLocked freezes the least recently active open groups when the
// open-group bound is exceeded. Caller holds c.mu.
func (c *Correlator) enforceBoundLocked() {
	if c.config.MaxOpenGroups <= 0 {
		return
	}
	var open []*Group
	for _, g := range c.groups {
		if g.Status == GroupOpen {
			open = append(open, g)
		}
	}
	if len(open) <= c.config.MaxOpenGroups {
		return
	}
	sort.Slice(open, func(i, j int) bool { return open[i].LastActivity.Before(open[j].LastActivity) })
	for _, g := range open[:len(open)-c.config.MaxOpenGroups] {
		g.Status = GroupFrozen
	}
}

// Sweep freezes open groups with no activity for their pattern's window.
// Frozen groups are kept: they remain queryable history.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	frozen := 0
	for _, g := range c.groups {
		if g.Status != GroupOpen {
			continue
		}
		p, ok := c.patterns[g.PatternID]
		if !ok {
			g.Status = GroupFrozen
			frozen++
			continue
		}
		if now.Sub(g.LastActivity) > p.Window {
			g.Status = GroupFrozen
			frozen++
		}
	}
	if frozen > 0 {
		c.logger.Debug("froze idle correlation groups", "count", frozen)
	}
	return frozen
}

// Get fetches a group snapshot by id.
func (c *Correlator) Get(id uuid.UUID) (*Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// GroupFilter selects groups for listing.
type GroupFilter struct {
	Type      GroupType
	Status    GroupStatus
	PatternID string
	Limit     int
}

// List returns group snapshots matching the filter, most recently active
// first.
func (c *Correlator) List(f GroupFilter) []*Group {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Group
	for _, g := range c.groups {
		if f.Type != "" && g.Type != f.Type {
			continue
		}
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		if f.PatternID != "" && g.PatternID != f.PatternID {
			continue
		}
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats returns correlator statistics.
func (c *Correlator) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	open := 0
	for _, g := range c.groups {
		if g.Status == GroupOpen {
			open++
		}
	}
	return map[string]any{
		"patterns":     len(c.patterns),
		"groups_total": len(c.groups),
		"groups_open":  open,
		"indexed_keys": len(c.byKey),
	}
}
