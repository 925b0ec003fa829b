package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/blob"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "aggregator.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.Models()...))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	st, err := store.New(store.Config{Database: db, Clock: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return st
}

func newTestAggregator(t *testing.T, bucket Bucket) (*Aggregator, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	agg, err := New(Config{Store: st, Bucket: bucket, Clock: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return agg, st
}

func result(id, userID, wodID string, score float64, level wod.Difficulty, scoring wod.ScoringType, createdAt time.Time) wod.Result {
	return wod.Result{
		ID:          id,
		UserID:      userID,
		WodID:       wodID,
		Score:       score,
		Level:       level,
		ScoringType: scoring,
		CreatedAt:   createdAt,
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInternal, apperrors.CodeOf(err))
}

func TestOnWodResultCreatedAccumulatesStats(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()

	outcome, err := agg.OnWodResultCreated(ctx, "e1", result("r1", "u1", "fran", 300, wod.DifficultyRX, wod.ScoringTime, fixedNow))
	require.NoError(t, err)
	assert.Equal(t, int64(15), outcome.Points)
	assert.True(t, outcome.PersonalBest)

	outcome, err = agg.OnWodResultCreated(ctx, "e2", result("r2", "u1", "fran", 280, wod.DifficultyScaled, wod.ScoringTime, fixedNow))
	require.NoError(t, err)
	assert.Equal(t, int64(12), outcome.Points)
	assert.True(t, outcome.PersonalBest, "a faster time is better")

	outcome, err = agg.OnWodResultCreated(ctx, "e3", result("r3", "u1", "fran", 320, wod.DifficultyBeginner, wod.ScoringTime, fixedNow))
	require.NoError(t, err)
	assert.Equal(t, int64(10), outcome.Points)
	assert.False(t, outcome.PersonalBest)

	stats, err := st.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalWods)
	assert.Equal(t, int64(3), stats.CompletedWods)
	assert.Equal(t, int64(37), stats.Points)
	assert.Equal(t, int64(1), stats.RxCount)
	assert.Equal(t, int64(1), stats.ScaledCount)
	assert.Equal(t, int64(1), stats.BeginnerCount)
	assert.Equal(t, stats.TotalWods, stats.TierTotal())
	require.Contains(t, stats.PersonalBests, "fran")
	assert.InDelta(t, 280, stats.PersonalBests["fran"].Score, 0.0001)
	assert.Equal(t, fixedNow, stats.LastUpdated.UTC())
}

func TestOnWodResultCreatedHigherIsBetterForReps(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()

	_, err := agg.OnWodResultCreated(ctx, "e1", result("r1", "u1", "cindy", 18, wod.DifficultyRX, wod.ScoringRounds, fixedNow))
	require.NoError(t, err)
	_, err = agg.OnWodResultCreated(ctx, "e2", result("r2", "u1", "cindy", 21, wod.DifficultyRX, wod.ScoringRounds, fixedNow))
	require.NoError(t, err)
	_, err = agg.OnWodResultCreated(ctx, "e3", result("r3", "u1", "cindy", 20, wod.DifficultyRX, "", fixedNow))
	require.NoError(t, err)

	stats, err := st.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 21, stats.PersonalBests["cindy"].Score, 0.0001)
}

func TestOnWodResultCreatedIsIdempotentPerResult(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()
	created := result("r1", "u1", "fran", 300, wod.DifficultyRX, wod.ScoringTime, fixedNow)

	_, err := agg.OnWodResultCreated(ctx, "e1", created)
	require.NoError(t, err)
	outcome, err := agg.OnWodResultCreated(ctx, "e1", created)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate, "redelivery")
	outcome, err = agg.OnWodResultCreated(ctx, "e2", created)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate, "a second event for the same result")

	stats, err := st.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalWods)
	assert.Equal(t, int64(15), stats.Points)
}

func TestOnWodResultCreatedConcurrentEventsAllCount(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for index := 0; index < 6; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			id := "r" + string(rune('a'+index))
			_, err := agg.OnWodResultCreated(ctx, "e-"+id, result(id, "u1", "fran", float64(200+index), wod.DifficultyRX, wod.ScoringTime, fixedNow))
			errs <- err
		}(index)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := st.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.TotalWods)
	assert.Equal(t, int64(90), stats.Points)
	assert.InDelta(t, 200, stats.PersonalBests["fran"].Score, 0.0001)
}

func TestOnWodResultCreatedRejectsInvalidResult(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()

	invalid := result("r1", "u1", "fran", 300, wod.Difficulty("elite"), wod.ScoringTime, fixedNow)
	_, err := agg.OnWodResultCreated(ctx, "e1", invalid)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = st.UserStats(ctx, "u1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCalculateStatsRecomputesFromResults(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateResult(ctx, result("r1", "u1", "fran", 300, wod.DifficultyRX, wod.ScoringTime, fixedNow.Add(-2*time.Hour))))
	require.NoError(t, st.CreateResult(ctx, result("r2", "u1", "fran", 250, wod.DifficultyRX, wod.ScoringTime, fixedNow.Add(-time.Hour))))
	require.NoError(t, st.CreateResult(ctx, result("r3", "u1", "cindy", 19, wod.DifficultyBeginner, wod.ScoringRounds, fixedNow)))
	require.NoError(t, st.Transaction(ctx, "seed", func(tx *store.Tx) error {
		_, err := tx.ImproveBestRanking("u1", 3)
		return err
	}))

	stats, err := agg.CalculateStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalWods)
	assert.Equal(t, int64(40), stats.Points)
	assert.Equal(t, int64(2), stats.RxCount)
	assert.Equal(t, int64(1), stats.BeginnerCount)
	assert.Equal(t, 3, stats.BestRanking)
	require.Len(t, stats.PersonalBests, 2)
	assert.InDelta(t, 250, stats.PersonalBests["fran"].Score, 0.0001)
	assert.InDelta(t, 19, stats.PersonalBests["cindy"].Score, 0.0001)
}

func TestCalculateStatsThenPendingEventsCountResultOnce(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()
	created := result("r1", "u1", "fran", 300, wod.DifficultyRX, wod.ScoringTime, fixedNow)
	require.NoError(t, st.EnsureUserStats(ctx, "u1"))
	require.NoError(t, st.CreateResult(ctx, created))

	stats, err := agg.CalculateStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalWods)

	for _, eventID := range []string{"evt-1", "evt-2"} {
		outcome, err := agg.OnWodResultCreated(ctx, eventID, created)
		require.NoError(t, err)
		assert.True(t, outcome.Duplicate, eventID)
	}

	stats, err = st.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalWods)
	assert.Equal(t, int64(15), stats.Points)
}

func TestEventThenCalculateStatsCountsResultOnce(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()
	created := result("r1", "u1", "fran", 300, wod.DifficultyRX, wod.ScoringTime, fixedNow)
	require.NoError(t, st.CreateResult(ctx, created))

	_, err := agg.OnWodResultCreated(ctx, "evt-1", created)
	require.NoError(t, err)
	stats, err := agg.CalculateStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalWods)

	outcome, err := agg.OnWodResultCreated(ctx, "evt-2", created)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)

	stats, err = st.UserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalWods)
}

func TestCalculateStatsRequiresUser(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	_, err := agg.CalculateStats(context.Background(), "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestCalculateDailyRankingsRanksYesterday(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()
	yesterday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	seed := []wod.Result{
		result("a", "u1", "fran", 240, wod.DifficultyRX, wod.ScoringTime, yesterday.Add(8*time.Hour)),
		result("b", "u2", "fran", 200, wod.DifficultyRX, wod.ScoringTime, yesterday.Add(9*time.Hour)),
		result("c", "u3", "fran", 240, wod.DifficultyRX, wod.ScoringTime, yesterday.Add(10*time.Hour)),
		result("d", "u4", "fran", 260, wod.DifficultyRX, wod.ScoringTime, yesterday.Add(11*time.Hour)),
		result("e", "u1", "cindy", 20, wod.DifficultyScaled, wod.ScoringRounds, yesterday),
		result("f", "u5", "fran", 100, wod.DifficultyRX, wod.ScoringTime, yesterday.Add(24*time.Hour)),
		result("g", "u6", "fran", 100, wod.DifficultyRX, wod.ScoringTime, yesterday.Add(-time.Second)),
	}
	for _, item := range seed {
		require.NoError(t, st.CreateResult(ctx, item))
	}

	report, err := agg.CalculateDailyRankings(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", report.Date)
	assert.Equal(t, 5, report.Results)
	assert.Equal(t, 2, report.Workouts)
	assert.Equal(t, 4, report.ImprovedUsers)

	fran := report.Rankings["fran"][wod.DifficultyRX]
	require.Len(t, fran, 4)
	assert.Equal(t, []string{"b", "a", "c", "d"}, []string{fran[0].ResultID, fran[1].ResultID, fran[2].ResultID, fran[3].ResultID})
	assert.Equal(t, []int{1, 2, 2, 4}, []int{fran[0].Position, fran[1].Position, fran[2].Position, fran[3].Position})
	assert.Empty(t, report.Rankings["fran"][wod.DifficultyScaled])
	assert.Empty(t, report.Rankings["fran"][wod.DifficultyBeginner])

	stored, err := st.Ranking(ctx, "2026-03-02")
	require.NoError(t, err)
	var decoded DailyRankings
	require.NoError(t, json.Unmarshal([]byte(stored.PayloadJSON), &decoded))
	assert.Len(t, decoded["cindy"][wod.DifficultyScaled], 1)

	best, err := st.BestRanking(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, best, "u1 won the scaled cindy bucket")
	best, err = st.BestRanking(ctx, "u4")
	require.NoError(t, err)
	assert.Equal(t, 4, best)
	best, err = st.BestRanking(ctx, "u5")
	require.NoError(t, err)
	assert.Equal(t, 0, best)
}

func TestCalculateRankingsNeverRaisesBestRanking(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.Transaction(ctx, "seed", func(tx *store.Tx) error {
		_, err := tx.ImproveBestRanking("u1", 1)
		return err
	}))
	require.NoError(t, st.CreateResult(ctx, result("a", "u2", "fran", 100, wod.DifficultyRX, wod.ScoringTime, day.Add(time.Hour))))
	require.NoError(t, st.CreateResult(ctx, result("b", "u1", "fran", 200, wod.DifficultyRX, wod.ScoringTime, day.Add(2*time.Hour))))

	report, err := agg.CalculateRankingsForDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ImprovedUsers)

	best, err := st.BestRanking(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, best)

	again, err := agg.CalculateRankingsForDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 0, again.ImprovedUsers)
	stored, err := st.Ranking(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, fixedNow, stored.GeneratedAt.UTC())
}

func TestCalculateRankingsEmptyDayWritesEmptyDocument(t *testing.T) {
	agg, st := newTestAggregator(t, nil)
	ctx := context.Background()

	report, err := agg.CalculateDailyRankings(ctx, fixedNow)
	require.NoError(t, err)
	assert.Zero(t, report.Results)

	stored, err := st.Ranking(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, stored.PayloadJSON)
}

func TestCalculateDailyRankingsUsesLocation(t *testing.T) {
	location, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	st := newTestStore(t)
	agg, err := New(Config{Store: st, Location: location})
	require.NoError(t, err)
	ctx := context.Background()

	// 2026-03-03 03:00 UTC is still 2026-03-02 in New York.
	require.NoError(t, st.CreateResult(ctx, result("a", "u1", "fran", 100, wod.DifficultyRX, wod.ScoringTime, time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC))))

	report, err := agg.CalculateDailyRankings(ctx, time.Date(2026, 3, 3, 12, 0, 0, 0, location))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", report.Date)
	assert.Equal(t, 1, report.Results)
}

func TestBuildRankingsTieBreaksByCreationThenID(t *testing.T) {
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rankings := BuildRankings([]wod.Result{
		result("z", "u1", "grace", 50, wod.DifficultyBeginner, wod.ScoringReps, created),
		result("y", "u2", "grace", 50, wod.DifficultyBeginner, wod.ScoringReps, created),
		result("x", "u3", "grace", 50, wod.DifficultyBeginner, wod.ScoringReps, created.Add(-time.Minute)),
		result("w", "u4", "grace", 70, wod.DifficultyBeginner, wod.ScoringReps, created),
	})
	bucket := rankings["grace"][wod.DifficultyBeginner]
	require.Len(t, bucket, 4)
	assert.Equal(t, "w", bucket[0].ResultID)
	assert.Equal(t, []string{"x", "y", "z"}, []string{bucket[1].ResultID, bucket[2].ResultID, bucket[3].ResultID})
	for _, entry := range bucket[1:] {
		assert.Equal(t, 2, entry.Position)
	}
	assert.Equal(t, int64(10), bucket[0].Points)
	assert.Equal(t, map[string]int{"u1": 2, "u2": 2, "u3": 2, "u4": 1}, rankings.BestPositions())
}

type flakyBucket struct {
	mu      sync.Mutex
	objects []blob.Object
	failOn  map[string]bool
	listErr error
	deleted []string
}

func (b *flakyBucket) List(context.Context) ([]blob.Object, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.objects, nil
}

func (b *flakyBucket) Delete(_ context.Context, name string) error {
	if b.failOn[name] {
		return errors.New("permission denied")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, name)
	return nil
}

func TestCleanupOldFilesDeletesOnlyExpired(t *testing.T) {
	bucket, err := blob.Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range []string{"results/old.jpg", "results/edge.jpg", "results/new.jpg"} {
		_, err := bucket.Put(ctx, name, strings.NewReader("img"))
		require.NoError(t, err)
	}
	touch := func(name string, at time.Time) {
		require.NoError(t, os.Chtimes(filepath.Join(bucket.Root(), filepath.FromSlash(name)), at, at))
	}
	touch("results/old.jpg", fixedNow.AddDate(0, 0, -31))
	touch("results/edge.jpg", fixedNow.AddDate(0, 0, -30))
	touch("results/new.jpg", fixedNow.AddDate(0, 0, -1))

	agg, _ := newTestAggregator(t, bucket)
	report, err := agg.CleanupOldFiles(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"results/old.jpg"}, report.Deleted)
	assert.Empty(t, report.Failed)
	assert.NoError(t, report.Err)

	remaining, err := bucket.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "results/edge.jpg", remaining[0].Name)
}

func TestCleanupOldFilesContinuesPastFailures(t *testing.T) {
	old := fixedNow.AddDate(0, -2, 0)
	bucket := &flakyBucket{
		objects: []blob.Object{{Name: "a", CreatedAt: old}, {Name: "b", CreatedAt: old}, {Name: "c", CreatedAt: old}},
		failOn:  map[string]bool{"b": true},
	}
	agg, _ := newTestAggregator(t, bucket)

	report, err := agg.CleanupOldFiles(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, report.Deleted)
	assert.Equal(t, []string{"b"}, report.Failed)
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "b: permission denied")
}

func TestCleanupOldFilesListFailureAborts(t *testing.T) {
	bucket := &flakyBucket{listErr: errors.New("bucket offline")}
	agg, _ := newTestAggregator(t, bucket)

	_, err := agg.CleanupOldFiles(context.Background(), fixedNow)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Empty(t, bucket.deleted)
}
