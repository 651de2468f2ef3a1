package persona

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/errdefs"
)

// Config configures a Scorer.
type Config struct {
	Store ScoreStore
	// MinScore is the lowest overlap Recommend accepts
	MinScore float64
	Logger   zerolog.Logger
}

// Scorer is the persona catalog plus its statistics.
type Scorer struct {
	store    ScoreStore
	minScore float64
	logger   zerolog.Logger

	personas map[string]Persona
	mu       sync.RWMutex
}

// NewScorer creates a scorer. A nil store keeps scores in memory.
func NewScorer(cfg Config) *Scorer {
	store := cfg.Store
	if store == nil {
		store = NewMemoryScoreStore()
	}
	return &Scorer{
		store:    store,
		minScore: cfg.MinScore,
		logger:   cfg.Logger,
		personas: make(map[string]Persona),
	}
}

// Register adds a persona to the catalog.
func (s *Scorer) Register(p Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.personas[p.ID]; exists {
		return errdefs.Validation("persona already registered: %s", p.ID)
	}
	s.personas[p.ID] = p
	return nil
}

// Replace swaps the whole catalog. Scores of removed personas are kept.
func (s *Scorer) Replace(personas []Persona) error {
	next := make(map[string]Persona, len(personas))
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return errdefs.Validation("duplicate persona id: %s", p.ID)
		}
		next[p.ID] = p
	}

	s.mu.Lock()
	s.personas = next
	s.mu.Unlock()

	s.logger.Info().Int("count", len(next)).Msg("Persona catalog replaced")
	return nil
}

// Get returns a persona by id.
func (s *Scorer) Get(id string) (Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.personas[id]
	if !ok {
		return Persona{}, errdefs.NotFound("persona", id)
	}
	return p, nil
}

// List returns every persona ordered by id.
func (s *Scorer) List() []Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Persona, 0, len(s.personas))
	for _, p := range s.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Recommend returns the persona whose vocabulary best overlaps text, or nil
// when none reaches the minimum score.
func (s *Scorer) Recommend(ctx context.Context, text string) (*Recommendation, error) {
	rec := recommend(text, s.List(), s.minScore)
	if rec != nil {
		s.logger.Debug().
			Str("persona_id", rec.Persona.ID).
			Float64("score", rec.Score).
			Msg("Persona recommended")
	}
	return rec, nil
}

// RecordUsage counts one selection of the persona. It never fails the
// caller: unknown ids and store errors are logged and ignored.
func (s *Scorer) RecordUsage(ctx context.Context, personaID string) {
	if _, err := s.Get(personaID); err != nil {
		s.logger.Warn().Str("persona_id", personaID).Msg("Ignoring usage of unknown persona")
		return
	}

	if _, err := s.store.IncrementUsage(ctx, personaID, time.Now()); err != nil {
		s.logger.Warn().Err(err).Str("persona_id", personaID).Msg("Failed to record persona usage")
		return
	}
	observability.RecordPersonaEvent(personaID, "usage")
}

// RecordFeedback folds a rating in [0,1] into the running average.
func (s *Scorer) RecordFeedback(ctx context.Context, personaID string, rating float64, comment string) (Score, error) {
	if err := ValidateRating(rating); err != nil {
		return Score{}, err
	}
	if _, err := s.Get(personaID); err != nil {
		return Score{}, err
	}

	score, err := s.store.AddFeedback(ctx, Feedback{
		PersonaID: personaID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return Score{}, err
	}

	observability.RecordPersonaEvent(personaID, "feedback")
	s.logger.Info().
		Str("persona_id", personaID).
		Float64("rating", rating).
		Float64("average", score.AverageRating()).
		Msg("Persona feedback recorded")
	return score, nil
}

// ReportOutcome counts a finished run that used the persona. Like
// RecordUsage it only logs failures.
func (s *Scorer) ReportOutcome(ctx context.Context, personaID string, success bool) {
	if _, err := s.Get(personaID); err != nil {
		s.logger.Warn().Str("persona_id", personaID).Msg("Ignoring outcome of unknown persona")
		return
	}

	if _, err := s.store.RecordOutcome(ctx, personaID, success); err != nil {
		s.logger.Warn().Err(err).Str("persona_id", personaID).Msg("Failed to record persona outcome")
		return
	}

	event := "failure"
	if success {
		event = "success"
	}
	observability.RecordPersonaEvent(personaID, event)
}

// Score returns the statistics of one persona.
func (s *Scorer) Score(ctx context.Context, personaID string) (Score, error) {
	if _, err := s.Get(personaID); err != nil {
		return Score{}, err
	}
	return s.store.Get(ctx, personaID)
}

// TopPerforming ranks personas by average rating, descending.
func (s *Scorer) TopPerforming(ctx context.Context, limit int) ([]Ranked, error) {
	return s.rank(ctx, limit, func(a, b Ranked) int {
		switch {
		case a.Average > b.Average:
			return -1
		case a.Average < b.Average:
			return 1
		}
		return 0
	})
}

// MostUsed ranks personas by usage count, descending.
func (s *Scorer) MostUsed(ctx context.Context, limit int) ([]Ranked, error) {
	return s.rank(ctx, limit, func(a, b Ranked) int {
		switch {
		case a.Score.UsageCount > b.Score.UsageCount:
			return -1
		case a.Score.UsageCount < b.Score.UsageCount:
			return 1
		}
		return 0
	})
}

// rank orders every catalog persona by cmp, breaking ties by id ascending.
func (s *Scorer) rank(ctx context.Context, limit int, cmp func(a, b Ranked) int) ([]Ranked, error) {
	if err := ValidateLimit(limit); err != nil {
		return nil, err
	}

	scores, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Score, len(scores))
	for _, sc := range scores {
		byID[sc.PersonaID] = sc
	}

	personas := s.List()
	ranked := make([]Ranked, 0, len(personas))
	for _, p := range personas {
		sc, ok := byID[p.ID]
		if !ok {
			sc = Score{PersonaID: p.ID}
		}
		ranked = append(ranked, Ranked{Persona: p, Score: sc, Average: sc.AverageRating()})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if c := cmp(ranked[i], ranked[j]); c != 0 {
			return c < 0
		}
		return ranked[i].Persona.ID < ranked[j].Persona.ID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// Close releases the score store.
func (s *Scorer) Close() error {
	return s.store.Close()
}
