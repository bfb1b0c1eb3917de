package confidence

import (
	"math/rand"
	"testing"

	"github.com/ashwinyue/stockqa/internal/service/retriever"
	"github.com/stretchr/testify/assert"
)

func TestScoreValues(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty list", nil, 0},
		{"single weak result", []float64{0.30}, 0.30*0.9 + 0.05},
		{"strong cluster saturates", []float64{0.92, 0.88, 0.85, 0.80, 0.78}, 1.0},
		{"wide spread damped", []float64{0.9, 0.3, 0.2}, 0.9 * 0.95},
		{"two close results", []float64{0.5, 0.4}, 0.55},
		{"medium spread unchanged", []float64{0.6, 0.5, 0.35}, 0.6},
		{"volume bonus then tight spread", []float64{0.75, 0.74, 0.73}, 0.75 + 0.10 + 0.05},
		{"only top five considered for spread", []float64{0.8, 0.78, 0.76, 0.75, 0.7, 0.01}, 0.8 + 0.10 + 0.05},
		{"zero scores", []float64{0, 0, 0}, 0.05},
	}

	s := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.ScoreValues(tt.scores), 1e-12)
		})
	}
}

func TestScoreUsesResultOrder(t *testing.T) {
	s := New()
	results := []retriever.Result{{ChunkID: "a", Score: 0.30}}
	assert.InDelta(t, 0.32, s.Score(results, "AAPL guidance"), 1e-12)
	assert.Equal(t, 0.0, s.Score(nil, "q"))
}

func TestScoreRange(t *testing.T) {
	s := New()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		n := rng.Intn(12)
		scores := make([]float64, n)
		for j := range scores {
			scores[j] = rng.Float64()*1.4 - 0.2
		}
		got := s.ScoreValues(scores)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}
