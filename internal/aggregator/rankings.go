package aggregator

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
)

// RankedResult is one result inside a daily ranking bucket.
type RankedResult struct {
	ResultID    string          `json:"resultId"`
	UserID      string          `json:"userId"`
	WodID       string          `json:"wodId"`
	Score       float64         `json:"score"`
	Level       wod.Difficulty  `json:"level"`
	ScoringType wod.ScoringType `json:"scoringType,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Points      int64           `json:"points"`
	Position    int             `json:"position"`
}

// DailyRankings groups one day's results by workout id, then by tier.
type DailyRankings map[string]map[wod.Difficulty][]RankedResult

// BuildRankings groups results and orders each bucket best first. Equal scores
// share a position (1, 2, 2, 4).
func BuildRankings(results []wod.Result) DailyRankings {
	rankings := make(DailyRankings)
	for _, result := range results {
		buckets, ok := rankings[result.WodID]
		if !ok {
			buckets = make(map[wod.Difficulty][]RankedResult, len(wod.Difficulties))
			for _, level := range wod.Difficulties {
				buckets[level] = []RankedResult{}
			}
			rankings[result.WodID] = buckets
		}
		buckets[result.Level] = append(buckets[result.Level], RankedResult{
			ResultID:    result.ID,
			UserID:      result.UserID,
			WodID:       result.WodID,
			Score:       result.Score,
			Level:       result.Level,
			ScoringType: result.ScoringType,
			Notes:       result.Notes,
			CreatedAt:   result.CreatedAt.UTC(),
			Points:      wod.Points(result.Level),
		})
	}
	for _, buckets := range rankings {
		for level, bucket := range buckets {
			buckets[level] = rankBucket(bucket)
		}
	}
	return rankings
}

func rankBucket(bucket []RankedResult) []RankedResult {
	if len(bucket) == 0 {
		return bucket
	}
	scoring := bucketScoring(bucket)
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Score != bucket[j].Score {
			return scoring.Better(bucket[i].Score, bucket[j].Score)
		}
		if !bucket[i].CreatedAt.Equal(bucket[j].CreatedAt) {
			return bucket[i].CreatedAt.Before(bucket[j].CreatedAt)
		}
		return bucket[i].ResultID < bucket[j].ResultID
	})
	for index := range bucket {
		if index > 0 && bucket[index].Score == bucket[index-1].Score {
			bucket[index].Position = bucket[index-1].Position
			continue
		}
		bucket[index].Position = index + 1
	}
	return bucket
}

// bucketScoring picks the first declared scoring type of the bucket.
func bucketScoring(bucket []RankedResult) wod.ScoringType {
	for _, entry := range bucket {
		if entry.ScoringType != "" {
			return entry.ScoringType
		}
	}
	return ""
}

// BestPositions returns each user's best position across all buckets.
func (r DailyRankings) BestPositions() map[string]int {
	best := make(map[string]int)
	for _, buckets := range r {
		for _, bucket := range buckets {
			for _, entry := range bucket {
				if current, ok := best[entry.UserID]; !ok || entry.Position < current {
					best[entry.UserID] = entry.Position
				}
			}
		}
	}
	return best
}

// ResultCount is the number of ranked results.
func (r DailyRankings) ResultCount() int {
	count := 0
	for _, buckets := range r {
		for _, bucket := range buckets {
			count += len(bucket)
		}
	}
	return count
}
