package persona

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/errdefs"
)

func catalog() []Persona {
	return []Persona{
		{ID: "analyst", Name: "Analyst", Description: "Careful data analysis, statistics and charts", Traits: []string{"precise", "numbers"}},
		{ID: "coder", Name: "Coder", Description: "Writes and reviews code, debugging programs", Traits: []string{"golang", "testing"}},
		{ID: "writer", Name: "Writer", Description: "Friendly prose, blog posts and documentation", Traits: []string{"concise"}},
	}
}

func newScorer(t *testing.T, store ScoreStore) *Scorer {
	t.Helper()
	s := NewScorer(Config{Store: store, MinScore: 0.1, Logger: zerolog.Nop()})
	require.NoError(t, s.Replace(catalog()))
	return s
}

func storeFactories() map[string]func(t *testing.T) ScoreStore {
	return map[string]func(t *testing.T) ScoreStore{
		"memory": func(t *testing.T) ScoreStore { return NewMemoryScoreStore() },
		"sqlite": func(t *testing.T) ScoreStore {
			s, err := NewSQLiteScoreStore(filepath.Join(t.TempDir(), "personas.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestScorer(t *testing.T) {
	ctx := context.Background()

	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("should compute the running average", func(t *testing.T) {
				s := newScorer(t, newStore(t))

				score, err := s.RecordFeedback(ctx, "coder", 1, "great")
				require.NoError(t, err)
				assert.InDelta(t, 1.0, score.AverageRating(), 1e-9)

				score, err = s.RecordFeedback(ctx, "coder", 0.5, "")
				require.NoError(t, err)
				assert.InDelta(t, 0.75, score.AverageRating(), 1e-9)

				score, err = s.RecordFeedback(ctx, "coder", 0, "")
				require.NoError(t, err)
				assert.InDelta(t, 0.5, score.AverageRating(), 1e-9)
				assert.EqualValues(t, 3, score.FeedbackCount)
			})

			t.Run("should reject ratings out of range without changing the score", func(t *testing.T) {
				s := newScorer(t, newStore(t))
				_, err := s.RecordFeedback(ctx, "writer", 0.4, "")
				require.NoError(t, err)

				for _, bad := range []float64{1.5, -0.1, math.NaN()} {
					_, err := s.RecordFeedback(ctx, "writer", bad, "")
					assert.ErrorIs(t, err, errdefs.ErrValidation)
				}

				score, err := s.Score(ctx, "writer")
				require.NoError(t, err)
				assert.EqualValues(t, 1, score.FeedbackCount)
				assert.InDelta(t, 0.4, score.AverageRating(), 1e-9)
			})

			t.Run("should reject feedback for unknown personas", func(t *testing.T) {
				s := newScorer(t, newStore(t))

				_, err := s.RecordFeedback(ctx, "ghost", 0.5, "")
				assert.ErrorIs(t, err, errdefs.ErrNotFound)
			})

			t.Run("should count usage and ignore stale ids", func(t *testing.T) {
				s := newScorer(t, newStore(t))

				s.RecordUsage(ctx, "analyst")
				s.RecordUsage(ctx, "analyst")
				s.RecordUsage(ctx, "ghost")

				score, err := s.Score(ctx, "analyst")
				require.NoError(t, err)
				assert.EqualValues(t, 2, score.UsageCount)
				assert.False(t, score.LastUsedAt.IsZero())
			})

			t.Run("should count usage atomically", func(t *testing.T) {
				s := newScorer(t, newStore(t))

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						s.RecordUsage(ctx, "coder")
					}()
				}
				wg.Wait()

				score, err := s.Score(ctx, "coder")
				require.NoError(t, err)
				assert.EqualValues(t, 20, score.UsageCount)
			})

			t.Run("should record outcomes", func(t *testing.T) {
				s := newScorer(t, newStore(t))

				s.ReportOutcome(ctx, "writer", true)
				s.ReportOutcome(ctx, "writer", true)
				s.ReportOutcome(ctx, "writer", false)

				score, err := s.Score(ctx, "writer")
				require.NoError(t, err)
				assert.EqualValues(t, 2, score.SuccessCount)
				assert.EqualValues(t, 1, score.FailureCount)
			})

			t.Run("should break rating ties by lowest id", func(t *testing.T) {
				s := newScorer(t, newStore(t))
				_, err := s.RecordFeedback(ctx, "writer", 0.8, "")
				require.NoError(t, err)
				_, err = s.RecordFeedback(ctx, "coder", 0.8, "")
				require.NoError(t, err)

				for i := 0; i < 5; i++ {
					top, err := s.TopPerforming(ctx, 1)
					require.NoError(t, err)
					require.Len(t, top, 1)
					assert.Equal(t, "coder", top[0].Persona.ID)
				}

				all, err := s.TopPerforming(ctx, 10)
				require.NoError(t, err)
				ids := []string{all[0].Persona.ID, all[1].Persona.ID, all[2].Persona.ID}
				assert.Equal(t, []string{"coder", "writer", "analyst"}, ids)
			})

			t.Run("should rank by usage", func(t *testing.T) {
				s := newScorer(t, newStore(t))
				s.RecordUsage(ctx, "writer")
				s.RecordUsage(ctx, "writer")
				s.RecordUsage(ctx, "analyst")

				ranked, err := s.MostUsed(ctx, 2)
				require.NoError(t, err)
				require.Len(t, ranked, 2)
				assert.Equal(t, "writer", ranked[0].Persona.ID)
				assert.Equal(t, "analyst", ranked[1].Persona.ID)
			})

			t.Run("should reject non-positive limits", func(t *testing.T) {
				s := newScorer(t, newStore(t))

				_, err := s.TopPerforming(ctx, 0)
				assert.ErrorIs(t, err, errdefs.ErrValidation)
				_, err = s.MostUsed(ctx, -3)
				assert.ErrorIs(t, err, errdefs.ErrValidation)
			})
		})
	}
}

func TestScorer_Recommend(t *testing.T) {
	ctx := context.Background()
	s := newScorer(t, nil)

	t.Run("should pick the best lexical match", func(t *testing.T) {
		rec, err := s.Recommend(ctx, "Help me with debugging this golang code")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "coder", rec.Persona.ID)
		assert.Contains(t, rec.MatchReason, "golang")
		assert.Greater(t, rec.Score, 0.0)
	})

	t.Run("should return nil below the threshold", func(t *testing.T) {
		rec, err := s.Recommend(ctx, "quantum chromodynamics")
		require.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = s.Recommend(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("should break ties by lowest id", func(t *testing.T) {
		tie := NewScorer(Config{Logger: zerolog.Nop()})
		require.NoError(t, tie.Replace([]Persona{
			{ID: "p-b", Name: "B", Description: "helps with gardening"},
			{ID: "p-a", Name: "A", Description: "helps with gardening"},
		}))

		for i := 0; i < 5; i++ {
			rec, err := tie.Recommend(ctx, "gardening tips")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "p-a", rec.Persona.ID)
		}
	})
}

func TestScorer_Catalog(t *testing.T) {
	s := NewScorer(Config{Logger: zerolog.Nop()})

	require.NoError(t, s.Register(Persona{ID: "a", Name: "A"}))
	assert.ErrorIs(t, s.Register(Persona{ID: "a", Name: "A"}), errdefs.ErrValidation)
	assert.ErrorIs(t, s.Register(Persona{ID: "b"}), errdefs.ErrValidation)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	err = s.Replace([]Persona{{ID: "x", Name: "X"}, {ID: "x", Name: "X"}})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Len(t, s.List(), 1, "failed replace keeps the old catalog")
}

func TestTokenize(t *testing.T) {
	got := tokenize("The Go-lang code, please! I x2 debugging")
	assert.Equal(t, map[string]bool{"go": true, "lang": true, "code": true, "x2": true, "debugging": true}, got)
}

func TestSQLiteScoreStore_FeedbackLog(t *testing.T) {
	store, err := NewSQLiteScoreStore(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer store.Close()

	s := newScorer(t, store)
	_, err = s.RecordFeedback(context.Background(), "coder", 0.9, "nice fix")
	require.NoError(t, err)

	log, err := store.Feedback(context.Background(), "coder")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "nice fix", log[0].Comment)
	assert.InDelta(t, 0.9, log[0].Rating, 1e-9)
}
