// Package persona keeps usage and feedback statistics for personas and
// recommends one for a given context.
package persona

import (
	"context"
	"math"
	"time"

	"github.com/harun/conductor/pkg/errdefs"
)

// Persona is a named behavioral overlay. It is reference data and never
// mutated by the scorer.
type Persona struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Traits      []string       `json:"traits,omitempty" yaml:"traits,omitempty"`
	Prompt      string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Validate checks the fields the scorer relies on.
func (p Persona) Validate() error {
	if p.ID == "" {
		return errdefs.Validation("persona id is required")
	}
	if p.Name == "" {
		return errdefs.Validation("persona %s: name is required", p.ID)
	}
	return nil
}

// Score is the accumulated statistics of one persona.
type Score struct {
	PersonaID        string    `json:"persona_id"`
	UsageCount       int64     `json:"usage_count"`
	CumulativeRating float64   `json:"cumulative_rating"`
	FeedbackCount    int64     `json:"feedback_count"`
	SuccessCount     int64     `json:"success_count"`
	FailureCount     int64     `json:"failure_count"`
	LastUsedAt       time.Time `json:"last_used_at,omitempty"`
}

// AverageRating is the running average of all feedback, 0 without feedback.
func (s Score) AverageRating() float64 {
	if s.FeedbackCount == 0 {
		return 0
	}
	return s.CumulativeRating / float64(s.FeedbackCount)
}

// Ranked pairs a persona with its score for leaderboards.
type Ranked struct {
	Persona Persona `json:"persona"`
	Score   Score   `json:"score"`
	Average float64 `json:"average_rating"`
}

// Recommendation is the result of Recommend.
type Recommendation struct {
	Persona     Persona `json:"persona"`
	Score       float64 `json:"score"`
	MatchReason string  `json:"match_reason"`
}

// Feedback is one rating event.
type Feedback struct {
	PersonaID string    `json:"persona_id"`
	Rating    float64   `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoreStore persists scores. Mutations must be atomic per persona.
type ScoreStore interface {
	// Get returns a zero Score when the persona has none yet.
	Get(ctx context.Context, personaID string) (Score, error)
	All(ctx context.Context) ([]Score, error)
	IncrementUsage(ctx context.Context, personaID string, at time.Time) (Score, error)
	AddFeedback(ctx context.Context, fb Feedback) (Score, error)
	RecordOutcome(ctx context.Context, personaID string, success bool) (Score, error)
	Close() error
}

// ValidateRating rejects ratings outside [0,1].
func ValidateRating(rating float64) error {
	if math.IsNaN(rating) || rating < 0 || rating > 1 {
		return errdefs.Validation("rating must be within [0,1], got %v", rating)
	}
	return nil
}

// ValidateLimit rejects non-positive limits.
func ValidateLimit(limit int) error {
	if limit <= 0 {
		return errdefs.Validation("limit must be a positive integer, got %d", limit)
	}
	return nil
}
