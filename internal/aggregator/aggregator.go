// Package aggregator keeps the server-authoritative statistics: per-result stats
// updates, full recomputes, daily rankings and media retention.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/blob"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// HandlerStats is the processed-event handler name of OnWodResultCreated.
	HandlerStats = "user_stats"

	opNew             = "aggregator.new"
	opResultCreated   = "aggregator.on_wod_result_created"
	opCalculateStats  = "aggregator.calculate_stats"
	opDailyRankings   = "aggregator.calculate_daily_rankings"
	opCleanupOldFiles = "aggregator.cleanup_old_files"

	defaultRetentionDays     = 30
	defaultDeleteConcurrency = 8
)

var (
	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

// Bucket is the blob storage the cleanup job sweeps. *blob.Bucket satisfies it.
type Bucket interface {
	List(ctx context.Context) ([]blob.Object, error)
	Delete(ctx context.Context, name string) error
}

// Config wires an Aggregator.
type Config struct {
	Store  *store.Store
	Bucket Bucket
	// Location defines the calendar day of the rankings job.
	Location          *time.Location
	RetentionDays     int
	DeleteConcurrency int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Aggregator owns the server-side statistics jobs.
type Aggregator struct {
	store             *store.Store
	bucket            Bucket
	location          *time.Location
	retentionDays     int
	deleteConcurrency int
	clock             func() time.Time
	logger            *zap.Logger
}

// New validates cfg and constructs an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, opNew, errMissingStore)
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}
	concurrency := cfg.DeleteConcurrency
	if concurrency <= 0 {
		concurrency = defaultDeleteConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Aggregator{
		store:             cfg.Store,
		bucket:            cfg.Bucket,
		location:          location,
		retentionDays:     retention,
		deleteConcurrency: concurrency,
		clock:             clock,
		logger:            logger,
	}, nil
}

// ResultOutcome reports what OnWodResultCreated did.
type ResultOutcome struct {
	Duplicate    bool  `json:"duplicate"`
	Points       int64 `json:"points"`
	PersonalBest bool  `json:"personalBest"`
}

// OnWodResultCreated folds a newly created result into its user's stats. It is
// idempotent per result: a redelivered or re-published event, or one for a
// result CalculateStats already counted, changes nothing. eventID is only logged.
func (a *Aggregator) OnWodResultCreated(ctx context.Context, eventID string, result wod.Result) (ResultOutcome, error) {
	if err := result.Validate(); err != nil {
		a.logError(opResultCreated, "invalid_result", err, zap.String("event_id", eventID))
		return ResultOutcome{}, apperrors.Validation(opResultCreated, err.Error())
	}

	var outcome ResultOutcome
	err := a.store.Transaction(ctx, opResultCreated, func(tx *store.Tx) error {
		outcome = ResultOutcome{}
		fresh, err := tx.MarkProcessed(result.ID, HandlerStats)
		if err != nil {
			return err
		}
		if !fresh {
			outcome.Duplicate = true
			return nil
		}
		if _, err := tx.EnsureStats(result.UserID); err != nil {
			return err
		}
		if _, _, err := tx.LockStats(result.UserID); err != nil {
			return err
		}
		delta := store.DeltaForResult(result.Level)
		if err := tx.IncrementStats(result.UserID, delta); err != nil {
			return err
		}
		outcome.Points = delta.Points

		current, exists, err := tx.PersonalBest(result.UserID, result.WodID)
		if err != nil {
			return err
		}
		scoring := result.ScoringType
		if scoring == "" {
			scoring = current.ScoringType
		}
		if exists && !scoring.Better(result.Score, current.Score) {
			return nil
		}
		outcome.PersonalBest = true
		return tx.SavePersonalBest(store.PersonalBest{
			UserID:      result.UserID,
			WodID:       result.WodID,
			Score:       result.Score,
			ScoringType: scoring,
			ResultID:    result.ID,
			AchievedAt:  result.CreatedAt.UTC(),
		})
	})
	if err != nil {
		a.logError(opResultCreated, "transaction_failed", err,
			zap.String("event_id", eventID),
			zap.String("user_id", result.UserID),
			zap.String("result_id", result.ID))
		return ResultOutcome{}, err
	}
	if outcome.Duplicate {
		a.logger.Info("duplicate result event skipped",
			zap.String("event_id", eventID),
			zap.String("result_id", result.ID))
	}
	return outcome, nil
}

// CalculateStats recomputes a user's stats from scratch from the raw results.
// The best ranking is preserved since it derives from rankings, not results.
// Every counted result is marked processed in the same transaction, so a
// created event still in flight for one of them is skipped.
func (a *Aggregator) CalculateStats(ctx context.Context, userID string) (store.UserStats, error) {
	if userID == "" {
		return store.UserStats{}, apperrors.Validation(opCalculateStats, "user id is required")
	}
	err := a.store.Transaction(ctx, opCalculateStats, func(tx *store.Tx) error {
		existing, _, err := tx.LockStats(userID)
		if err != nil {
			return err
		}
		results, err := tx.ResultsForUser(userID)
		if err != nil {
			return err
		}
		for _, counted := range results {
			if _, err := tx.MarkProcessed(counted.ID, HandlerStats); err != nil {
				return err
			}
		}
		stats, bests := recompute(userID, results)
		stats.BestRanking = existing.BestRanking
		return tx.ReplaceStats(stats, bests)
	})
	if err != nil {
		a.logError(opCalculateStats, "transaction_failed", err, zap.String("user_id", userID))
		return store.UserStats{}, err
	}
	return a.store.UserStats(ctx, userID)
}

func recompute(userID string, results []wod.Result) (store.UserStats, []store.PersonalBest) {
	stats := store.UserStats{UserID: userID}
	bestByWod := make(map[string]store.PersonalBest)
	order := make([]string, 0)
	for _, result := range results {
		delta := store.DeltaForResult(result.Level)
		stats.TotalWods += delta.TotalWods
		stats.CompletedWods += delta.CompletedWods
		stats.Points += delta.Points
		stats.RxCount += delta.RxCount
		stats.ScaledCount += delta.ScaledCount
		stats.BeginnerCount += delta.BeginnerCount

		current, exists := bestByWod[result.WodID]
		scoring := result.ScoringType
		if scoring == "" {
			scoring = current.ScoringType
		}
		if exists && !scoring.Better(result.Score, current.Score) {
			continue
		}
		if !exists {
			order = append(order, result.WodID)
		}
		bestByWod[result.WodID] = store.PersonalBest{
			UserID:      userID,
			WodID:       result.WodID,
			Score:       result.Score,
			ScoringType: scoring,
			ResultID:    result.ID,
			AchievedAt:  result.CreatedAt.UTC(),
		}
	}
	bests := make([]store.PersonalBest, 0, len(order))
	for _, wodID := range order {
		bests = append(bests, bestByWod[wodID])
	}
	return stats, bests
}

// RankingReport summarizes a rankings run.
type RankingReport struct {
	Date          string        `json:"date"`
	Results       int           `json:"results"`
	Workouts      int           `json:"workouts"`
	ImprovedUsers int           `json:"improvedUsers"`
	Rankings      DailyRankings `json:"-"`
}

// CalculateDailyRankings ranks the calendar day before now.
func (a *Aggregator) CalculateDailyRankings(ctx context.Context, now time.Time) (RankingReport, error) {
	today := wod.Day(now.In(a.location))
	return a.CalculateRankingsForDay(ctx, today.AddDate(0, 0, -1))
}

// CalculateRankingsForDay ranks the results created in [day midnight, next
// midnight) and overwrites that day's ranking document. Best rankings are
// lowered in the same transaction so the run commits all or nothing.
func (a *Aggregator) CalculateRankingsForDay(ctx context.Context, day time.Time) (RankingReport, error) {
	start := wod.Day(day.In(a.location))
	end := start.AddDate(0, 0, 1)
	dateKey := wod.DateKey(start)

	results, err := a.store.ResultsInRange(ctx, start, end)
	if err != nil {
		a.logError(opDailyRankings, "query_failed", err, zap.String("date", dateKey))
		return RankingReport{}, err
	}
	rankings := BuildRankings(results)
	payload, err := json.Marshal(rankings)
	if err != nil {
		a.logError(opDailyRankings, "encode_failed", err, zap.String("date", dateKey))
		return RankingReport{}, apperrors.Wrap(apperrors.CodeInternal, opDailyRankings, err)
	}

	report := RankingReport{Date: dateKey, Results: rankings.ResultCount(), Workouts: len(rankings), Rankings: rankings}
	err = a.store.Transaction(ctx, opDailyRankings, func(tx *store.Tx) error {
		report.ImprovedUsers = 0
		if err := tx.SaveRanking(dateKey, payload); err != nil {
			return err
		}
		for userID, position := range rankings.BestPositions() {
			improved, err := tx.ImproveBestRanking(userID, position)
			if err != nil {
				return err
			}
			if improved {
				report.ImprovedUsers++
			}
		}
		return nil
	})
	if err != nil {
		a.logError(opDailyRankings, "transaction_failed", err, zap.String("date", dateKey))
		return RankingReport{}, err
	}
	a.logger.Info("daily rankings calculated",
		zap.String("date", dateKey),
		zap.Int("results", report.Results),
		zap.Int("workouts", report.Workouts))
	return report, nil
}

// CleanupReport summarizes a cleanup run. Err aggregates per-object failures.
type CleanupReport struct {
	Scanned int      `json:"scanned"`
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
	Err     error    `json:"-"`
}

// CleanupOldFiles deletes blobs created more than the retention period before
// now. Deletions are independent: a failed object is reported and the rest
// proceed. Only a listing failure fails the run.
func (a *Aggregator) CleanupOldFiles(ctx context.Context, now time.Time) (CleanupReport, error) {
	if a.bucket == nil {
		return CleanupReport{}, apperrors.New(apperrors.CodeInternal, opCleanupOldFiles, "blob bucket is not configured")
	}
	objects, err := a.bucket.List(ctx)
	if err != nil {
		a.logError(opCleanupOldFiles, "list_failed", err)
		return CleanupReport{}, apperrors.Unavailable(opCleanupOldFiles, err)
	}
	cutoff := now.AddDate(0, 0, -a.retentionDays)
	report := CleanupReport{Scanned: len(objects), Deleted: []string{}, Failed: []string{}}

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(a.deleteConcurrency)
	for _, object := range objects {
		if !object.CreatedAt.Before(cutoff) {
			continue
		}
		group.Go(func() error {
			deleteErr := a.bucket.Delete(ctx, object.Name)
			mu.Lock()
			defer mu.Unlock()
			if deleteErr != nil {
				report.Failed = append(report.Failed, object.Name)
				report.Err = multierr.Append(report.Err, fmt.Errorf("%s: %w", object.Name, deleteErr))
				a.logError(opCleanupOldFiles, "delete_failed", deleteErr, zap.String("object", object.Name))
				return nil
			}
			report.Deleted = append(report.Deleted, object.Name)
			return nil
		})
	}
	_ = group.Wait()

	a.logger.Info("old files cleaned up",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (a *Aggregator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("aggregator error", attrs...)
}
