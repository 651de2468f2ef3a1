package persona

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryScoreStore keeps scores in process memory.
type MemoryScoreStore struct {
	scores   map[string]*Score
	feedback []Feedback
	mu       sync.Mutex
}

// NewMemoryScoreStore creates an empty store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]*Score)}
}

func (m *MemoryScoreStore) entry(id string) *Score {
	s, ok := m.scores[id]
	if !ok {
		s = &Score{PersonaID: id}
		m.scores[id] = s
	}
	return s
}

// Get implements ScoreStore.
func (m *MemoryScoreStore) Get(ctx context.Context, personaID string) (Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.scores[personaID]; ok {
		return *s, nil
	}
	return Score{PersonaID: personaID}, nil
}

// All implements ScoreStore.
func (m *MemoryScoreStore) All(ctx context.Context) ([]Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Score, 0, len(m.scores))
	for _, s := range m.scores {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonaID < out[j].PersonaID })
	return out, nil
}

// IncrementUsage implements ScoreStore.
func (m *MemoryScoreStore) IncrementUsage(ctx context.Context, personaID string, at time.Time) (Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entry(personaID)
	s.UsageCount++
	s.LastUsedAt = at.UTC()
	return *s, nil
}

// AddFeedback implements ScoreStore.
func (m *MemoryScoreStore) AddFeedback(ctx context.Context, fb Feedback) (Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entry(fb.PersonaID)
	s.CumulativeRating += fb.Rating
	s.FeedbackCount++
	m.feedback = append(m.feedback, fb)
	return *s, nil
}

// RecordOutcome implements ScoreStore.
func (m *MemoryScoreStore) RecordOutcome(ctx context.Context, personaID string, success bool) (Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.entry(personaID)
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	return *s, nil
}

// Close implements ScoreStore.
func (m *MemoryScoreStore) Close() error { return nil }
