// Package confidence 把检索结果列表折算为 [0,1] 的置信度
package confidence

import (
	"math"

	"github.com/ashwinyue/stockqa/internal/service/retriever"
)

// Scorer 置信度计算
// 各项调整按固定顺序从左到右计算，结果可复现
type Scorer struct{}

// New 创建 Scorer
func New() *Scorer { return &Scorer{} }

// Score 计算检索结果的置信度，结果需保持检索适配器输出的顺序
// query 目前不参与计算
func (s *Scorer) Score(results []retriever.Result, query string) float64 {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
	}
	return s.ScoreValues(scores)
}

// ScoreValues 按分数序列计算置信度
func (s *Scorer) ScoreValues(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}

	r := scores[0]

	// 数量调整
	switch {
	case len(scores) >= 3:
		mean := (scores[0] + scores[1] + scores[2]) / 3
		if mean > 0.7 {
			r = math.Min(r+0.10, 1.0)
		}
	case len(scores) == 1:
		r = r * 0.9
	}

	// 离散度调整，只看前 5 个
	top := scores
	if len(top) > 5 {
		top = top[:5]
	}
	maxV, minV := top[0], top[0]
	for _, v := range top[1:] {
		if v > maxV {
			maxV = v
		}
		if v < minV {
			minV = v
		}
	}
	spread := maxV - minV
	if spread < 0.2 {
		r = r + 0.05
	} else if spread > 0.5 {
		r = r * 0.95
	}

	return clamp(r)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
