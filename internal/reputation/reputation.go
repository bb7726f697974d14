// Package reputation supplies participant trust scores (0-100) used to
// weight dispute votes.
//
// Scores come from a Feed. The built-in CalculatorFeed scores participants
// from their escrow history:
//   - Settled volume and escrow count
//   - Completion rate (escrows finished without losing a dispute)
//   - Time since first escrow
//   - Unique counterparties
//
// HTTPFeed delegates to a remote reputation service instead.
package reputation

import (
	"context"
	"math"
	"time"
)

// Score represents a participant's reputation
type Score struct {
	Address    string     `json:"address"`
	Score      float64    `json:"score"`      // 0-100
	Tier       Tier       `json:"tier"`       // Human-readable tier
	Components Components `json:"components"` // Score breakdown

	Metrics Metrics `json:"metrics"`

	CalculatedAt time.Time `json:"calculatedAt"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // 0-19: no history
	TierEmerging    Tier = "emerging"    // 20-39: some activity
	TierEstablished Tier = "established" // 40-59: regular participant
	TierTrusted     Tier = "trusted"     // 60-79: proven track record
	TierElite       Tier = "elite"       // 80-100
)

// Components breaks down the score
type Components struct {
	VolumeScore     float64 `json:"volumeScore"`
	ActivityScore   float64 `json:"activityScore"`
	CompletionScore float64 `json:"completionScore"`
	AgeScore        float64 `json:"ageScore"`
	DiversityScore  float64 `json:"diversityScore"`
}

// Metrics are the raw inputs to the score
type Metrics struct {
	TotalEscrows         int       `json:"totalEscrows"`
	SettledVolume        float64   `json:"settledVolume"` // whole tokens
	CompletedEscrows     int       `json:"completedEscrows"`
	DisputesLost         int       `json:"disputesLost"`
	UniqueCounterparties int       `json:"uniqueCounterparties"`
	FirstSeen            time.Time `json:"firstSeen"`
	LastActive           time.Time `json:"lastActive"`
	DaysOnNetwork        int       `json:"daysOnNetwork"`
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Volume     float64
	Activity   float64
	Completion float64
	Age        float64
	Diversity  float64
}

// DefaultWeights balances all factors
var DefaultWeights = Weights{
	Volume:     0.20,
	Activity:   0.20,
	Completion: 0.30,
	Age:        0.15,
	Diversity:  0.15,
}

// Calculator computes reputation scores
type Calculator struct {
	weights Weights
	now     func() time.Time
}

// NewCalculator creates a reputation calculator
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights, now: time.Now}
}

// NewCalculatorWithWeights creates a calculator with custom weights
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w, now: time.Now}
}

// Calculate computes reputation from metrics
func (c *Calculator) Calculate(address string, m Metrics) *Score {
	comp := Components{}

	// Volume: logarithmic, 100 tokens = 50, 10k+ = 100
	if m.SettledVolume > 0 {
		comp.VolumeScore = math.Min(100, 25*math.Log10(m.SettledVolume+1))
	}

	// Activity: logarithmic, 10 = 33, 100 = 66, 1000+ = 100
	if m.TotalEscrows > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(m.TotalEscrows)+1))
	}

	// Completion: neutral until 5 escrows, then the completion rate
	// minus a penalty per lost dispute.
	if m.TotalEscrows < 5 {
		comp.CompletionScore = 50
	} else {
		rate := float64(m.CompletedEscrows) / float64(m.TotalEscrows)
		comp.CompletionScore = math.Max(0, rate*100-float64(m.DisputesLost)*5)
	}

	// Age: logarithmic on days, 30 days = 49, 365 days = 85
	if m.DaysOnNetwork > 0 {
		comp.AgeScore = math.Min(100, 33.3*math.Log10(float64(m.DaysOnNetwork)+1))
	}

	// Diversity: 5 = 46, 10 = 66, 50+ = 100
	if m.UniqueCounterparties > 1 {
		comp.DiversityScore = math.Min(100, 50*math.Log10(float64(m.UniqueCounterparties)))
	}

	score := c.weights.Volume*comp.VolumeScore +
		c.weights.Activity*comp.ActivityScore +
		c.weights.Completion*comp.CompletionScore +
		c.weights.Age*comp.AgeScore +
		c.weights.Diversity*comp.DiversityScore

	score = math.Max(0, math.Min(100, score))

	return &Score{
		Address:      address,
		Score:        math.Round(score*10) / 10,
		Tier:         getTier(score),
		Components:   comp,
		Metrics:      m,
		CalculatedAt: c.now(),
	}
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}

// MetricsProvider fetches metrics for reputation calculation
type MetricsProvider interface {
	GetMetrics(ctx context.Context, address string) (*Metrics, error)
}
