// Package risk computes weighted risk scores for actors, events and
// detections.
package risk

import (
	"fmt"
	"time"
)

// Factor names used by the scorer.
const (
	FactorLocationAnomaly     = "location_anomaly"
	FactorDeviceTrust         = "device_trust"
	FactorBehavioralDeviation = "behavioral_deviation"
	FactorVelocity            = "velocity"
	FactorIndicatorReputation = "indicator_reputation"
)

// Factor is one independent risk contributor, normalized to [0,100].
type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Score holds a computed risk score and its contributing factors.
type Score struct {
	Subject    string    `json:"subject"`
	Value      float64   `json:"value"`
	Band       string    `json:"band"`
	Factors    []Factor  `json:"factors"`
	ComputedAt time.Time `json:"computed_at"`
}

// Combine folds factors into a single [0,100] value:
// Σ(value * weight) / Σ(weight). Zero total weight yields zero.
func Combine(factors []Factor) float64 {
	var sum, weights float64
	for _, f := range factors {
		v := f.Value
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		sum += v * f.Weight
		weights += f.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// Band is one configured decision band, e.g. {Name: "critical", Min: 80}.
type Band struct {
	Name string  `yaml:"name" json:"name"`
	Min  float64 `yaml:"min" json:"min"`
}

// Bands is an ordered set of decision bands. Thresholds are configuration,
// never hardcoded in scoring logic.
type Bands []Band

// DefaultBands returns the default band configuration.
func DefaultBands() Bands {
	return Bands{
		{Name: "critical", Min: 80},
		{Name: "high", Min: 60},
		{Name: "medium", Min: 40},
		{Name: "low", Min: 0},
	}
}

// Validate checks that bands are ordered by descending minimum.
func (b Bands) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("at least one band is required")
	}
	for i := 1; i < len(b); i++ {
		if b[i].Min >= b[i-1].Min {
			return fmt.Errorf("bands must be ordered by descending min (%q >= %q)", b[i].Name, b[i-1].Name)
		}
	}
	return nil
}

// Classify returns the band name for a score value.
func (b Bands) Classify(value float64) string {
	for _, band := range b {
		if value >= band.Min {
			return band.Name
		}
	}
	if len(b) > 0 {
		return b[len(b)-1].Name
	}
	return ""
}
