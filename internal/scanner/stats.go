package scanner

import (
	"context"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/johbar/scan-ocr-service/internal/history"
)

// Stats summarize the history
type Stats struct {
	Total     int            `json:"total"`
	Favorites int            `json:"favorites"`
	Languages map[string]int `json:"languages"`
	// Confidence figures are 0 for an empty history
	MeanConfidence   float64 `json:"meanConfidence"`
	StdDevConfidence float64 `json:"stdDevConfidence"`
	MedianConfidence float64 `json:"medianConfidence"`
	MinConfidence    float64 `json:"minConfidence"`
	MaxConfidence    float64 `json:"maxConfidence"`
}

func (s *Scanner) Stats(ctx context.Context) (*Stats, error) {
	var (
		st  = &Stats{}
		err error
	)
	if st.Total, err = s.store.Count(ctx, history.Filter{}); err != nil {
		return nil, err
	}
	if st.Favorites, err = s.store.Count(ctx, history.Filter{FavoritesOnly: true}); err != nil {
		return nil, err
	}
	if st.Languages, err = s.store.LanguageCounts(ctx); err != nil {
		return nil, err
	}
	confs, err := s.store.Confidences(ctx)
	if err != nil {
		return nil, err
	}
	if len(confs) == 0 {
		return st, nil
	}
	slices.Sort(confs)
	st.MinConfidence, st.MaxConfidence = confs[0], confs[len(confs)-1]
	st.MedianConfidence = stat.Quantile(0.5, stat.Empirical, confs, nil)
	st.MeanConfidence, st.StdDevConfidence = stat.MeanStdDev(confs, nil)
	if math.IsNaN(st.StdDevConfidence) {
		// a single sample
		st.StdDevConfidence = 0
	}
	return st, nil
}
