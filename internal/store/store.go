// Package store persists results, aggregates, gamification state and rankings
// through GORM, and announces committed document changes on the change feed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/changefeed"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew       = "store.new"
	opTransaction    = "store.transaction"
	opCreateResult   = "store.create_result"
	opGetResult      = "store.get_result"
	opListResults    = "store.list_results"
	opGetStats       = "store.get_user_stats"
	opEnsureStats    = "store.ensure_user_stats"
	opGetProfile     = "store.get_profile"
	opEnsureProfile  = "store.ensure_profile"
	opAddExperience  = "store.add_experience"
	opLogWorkout     = "store.log_workout"
	opSaveStreak     = "store.save_streak"
	opUnawarded      = "store.unawarded_workouts"
	opUnlock         = "store.unlock_achievement"
	opAchievements   = "store.list_achievements"
	opPersonalBests  = "store.count_personal_bests"
	opGetRanking     = "store.get_ranking"
	opPointHistory   = "store.point_history"
	opDocument       = "store.document"
	opPublish        = "store.publish"
	defaultTxRetries = 5
)

const (
	statsPathPrefix        = "userStats/"
	profilePathPrefix      = "profiles/"
	achievementsPathPrefix = "achievements/"
	rankingPathPrefix      = "rankings/"
	resultPathPrefix       = "wodResults/"
	pointHistoryPathPrefix = "pointHistory/"
)

// PointHistoryLimit bounds the rendered point history document.
const PointHistoryLimit = 50

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StatsPath is the document path of a user's stats.
func StatsPath(userID string) string {
	return statsPathPrefix + userID
}

// ProfilePath is the document path of a user's gamification profile.
func ProfilePath(userID string) string {
	return profilePathPrefix + userID
}

// AchievementsPath is the document path of a user's unlocked achievements.
func AchievementsPath(userID string) string {
	return achievementsPathPrefix + userID
}

// RankingPath is the document path of one day's rankings.
func RankingPath(date string) string {
	return rankingPathPrefix + date
}

// ResultPath is the document path of one workout result.
func ResultPath(resultID string) string {
	return resultPathPrefix + resultID
}

// PointHistoryPath is the document path of a user's newest experience events.
func PointHistoryPath(userID string) string {
	return pointHistoryPathPrefix + userID
}

// Publisher receives committed document changes.
type Publisher interface {
	Publish(change changefeed.Change)
}

// Config wires a Store.
type Config struct {
	Database  *gorm.DB
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
	// MaxTxAttempts bounds how often a transaction is re-run after a write conflict.
	MaxTxAttempts int
}

// Store is the persistence layer shared by every server-side component.
type Store struct {
	db            *gorm.DB
	publisher     Publisher
	clock         func() time.Time
	logger        *zap.Logger
	maxTxAttempts int
}

// New validates cfg and constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, opStoreNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.MaxTxAttempts
	if attempts <= 0 {
		attempts = defaultTxRetries
	}
	return &Store{
		db:            cfg.Database,
		publisher:     cfg.Publisher,
		clock:         clock,
		logger:        logger,
		maxTxAttempts: attempts,
	}, nil
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// Transaction runs fn atomically. Write conflicts re-run fn from scratch up to the
// configured attempt count; exhausting them yields an unavailable error. Changed
// documents are published only after commit.
func (s *Store) Transaction(ctx context.Context, op string, fn func(tx *Tx) error) error {
	if op == "" {
		op = opTransaction
	}
	for attempt := 1; ; attempt++ {
		tx := &Tx{now: s.Now(), touched: make(map[string]struct{})}
		err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			tx.db = db
			return fn(tx)
		})
		if err == nil {
			s.publishTouched(ctx, tx.touched)
			return nil
		}
		classified := classify(op, err)
		if apperrors.CodeOf(classified) != apperrors.CodeAborted || ctx.Err() != nil {
			return classified
		}
		if attempt >= s.maxTxAttempts {
			s.logError(op, "conflict_retries_exhausted", err, zap.Int("attempts", attempt))
			return apperrors.Unavailable(op, err)
		}
		s.logger.Debug("transaction conflict, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// CreateResult validates and appends a result. Re-inserting an existing id is a conflict.
func (s *Store) CreateResult(ctx context.Context, result wod.Result) error {
	if err := result.Validate(); err != nil {
		return apperrors.Validation(opCreateResult, err.Error())
	}
	record := recordFromDomain(result)
	outcome := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if outcome.Error != nil {
		s.logError(opCreateResult, "insert_failed", outcome.Error, zap.String("result_id", result.ID))
		return classify(opCreateResult, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeAborted, opCreateResult, "result already exists")
	}
	return nil
}

// Result loads one result by id.
func (s *Store) Result(ctx context.Context, resultID string) (wod.Result, error) {
	var record ResultRecord
	if err := s.db.WithContext(ctx).Where("id = ?", resultID).Take(&record).Error; err != nil {
		return wod.Result{}, classify(opGetResult, err)
	}
	return record.toDomain(), nil
}

// ResultsForUser returns a user's results ordered by creation time.
func (s *Store) ResultsForUser(ctx context.Context, userID string) ([]wod.Result, error) {
	return resultsForUser(s.db.WithContext(ctx), userID)
}

// ResultsInRange returns results created in [start, end) ordered by creation time.
func (s *Store) ResultsInRange(ctx context.Context, start, end time.Time) ([]wod.Result, error) {
	var records []ResultRecord
	if err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start.UTC(), end.UTC()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListResults, "query_failed", err)
		return nil, classify(opListResults, err)
	}
	return toDomainResults(records), nil
}

// UserStats loads a user's stats with personal bests. Absent stats are not-found.
func (s *Store) UserStats(ctx context.Context, userID string) (UserStats, error) {
	return loadStats(s.db.WithContext(ctx), userID)
}

// EnsureUserStats creates default stats for a user when none exist.
func (s *Store) EnsureUserStats(ctx context.Context, userID string) error {
	return s.Transaction(ctx, opEnsureStats, func(tx *Tx) error {
		_, err := tx.EnsureStats(userID)
		return err
	})
}

// Profile loads a gamification profile. Absent profiles are not-found.
func (s *Store) Profile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		return Profile{}, classify(opGetProfile, err)
	}
	return profile, nil
}

// EnsureProfile returns the user's profile, creating a zero profile first if needed.
func (s *Store) EnsureProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.Transaction(ctx, opEnsureProfile, func(tx *Tx) error {
		loaded, err := tx.EnsureProfile(userID)
		profile = loaded
		return err
	})
	return profile, err
}

// AddExperience atomically applies event to the profile and appends it to the
// history log. It returns the experience after the increment.
func (s *Store) AddExperience(ctx context.Context, event PointEvent) (int64, error) {
	var experience int64
	err := s.Transaction(ctx, opAddExperience, func(tx *Tx) error {
		value, err := tx.AddExperience(event)
		experience = value
		return err
	})
	return experience, err
}

// LogWorkout records resultID as counted for the user. It reports false when the
// result had already been logged.
func (s *Store) LogWorkout(ctx context.Context, userID, resultID string, level wod.Difficulty) (bool, error) {
	var logged bool
	err := s.Transaction(ctx, opLogWorkout, func(tx *Tx) error {
		value, err := tx.LogWorkout(userID, resultID, level)
		logged = value
		return err
	})
	return logged, err
}

// AwardWorkout grants event for a logged workout unless it was already granted.
func (s *Store) AwardWorkout(ctx context.Context, resultID string, event PointEvent) (int64, bool, error) {
	var (
		experience int64
		awarded    bool
	)
	err := s.Transaction(ctx, opAwardWorkout, func(tx *Tx) error {
		value, ok, err := tx.AwardWorkout(resultID, event)
		experience, awarded = value, ok
		return err
	})
	return experience, awarded, err
}

// UnawardedWorkouts lists logged workouts whose experience was never committed,
// oldest first.
func (s *Store) UnawardedWorkouts(ctx context.Context, userID string) ([]string, error) {
	var resultIDs []string
	if err := s.db.WithContext(ctx).Model(&WorkoutLog{}).
		Where("user_id = ? AND pending = ?", userID, true).
		Order("logged_at ASC").
		Order("result_id ASC").
		Pluck("result_id", &resultIDs).Error; err != nil {
		return nil, classify(opUnawarded, err)
	}
	return resultIDs, nil
}

// SaveStreak swaps the stored streak from expected to next. When another writer
// moved it first, it reports false with the stored streak.
func (s *Store) SaveStreak(ctx context.Context, userID string, expected, next Streak) (Streak, bool, error) {
	var (
		stored  Streak
		swapped bool
	)
	err := s.Transaction(ctx, opSaveStreak, func(tx *Tx) error {
		value, ok, err := tx.SaveStreak(userID, expected, next)
		stored, swapped = value, ok
		return err
	})
	return stored, swapped, err
}

// UnlockAchievement adds achievementID to the user's set if it is absent.
func (s *Store) UnlockAchievement(ctx context.Context, userID, achievementID string) (bool, error) {
	var unlocked bool
	err := s.Transaction(ctx, opUnlock, func(tx *Tx) error {
		value, err := tx.UnlockAchievement(userID, achievementID)
		unlocked = value
		return err
	})
	return unlocked, err
}

// Achievements lists a user's unlocked achievements in unlock order.
func (s *Store) Achievements(ctx context.Context, userID string) ([]UserAchievement, error) {
	var unlocked []UserAchievement
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("unlocked_at ASC").
		Order("achievement_id ASC").
		Find(&unlocked).Error; err != nil {
		return nil, classify(opAchievements, err)
	}
	return unlocked, nil
}

// CountPersonalBests returns how many workouts the user holds a personal best for.
func (s *Store) CountPersonalBests(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&PersonalBest{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, classify(opPersonalBests, err)
	}
	return count, nil
}

// BestRanking returns the user's best daily position, 0 when never ranked.
func (s *Store) BestRanking(ctx context.Context, userID string) (int, error) {
	stats, err := s.UserStats(ctx, userID)
	if apperrors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stats.BestRanking, nil
}

// Ranking loads the rankings stored for date (YYYY-MM-DD).
func (s *Store) Ranking(ctx context.Context, date string) (DailyRanking, error) {
	var ranking DailyRanking
	if err := s.db.WithContext(ctx).Where("date = ?", date).Take(&ranking).Error; err != nil {
		return DailyRanking{}, classify(opGetRanking, err)
	}
	return ranking, nil
}

// PointHistory returns the newest experience events first.
func (s *Store) PointHistory(ctx context.Context, userID string, limit int) ([]PointEvent, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []PointEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, classify(opPointHistory, err)
	}
	return events, nil
}

// Document renders the JSON document stored at path.
func (s *Store) Document(ctx context.Context, path string) ([]byte, error) {
	switch {
	case strings.HasPrefix(path, statsPathPrefix):
		stats, err := s.UserStats(ctx, strings.TrimPrefix(path, statsPathPrefix))
		if err != nil {
			return nil, err
		}
		return marshalDocument(stats)
	case strings.HasPrefix(path, profilePathPrefix):
		profile, err := s.Profile(ctx, strings.TrimPrefix(path, profilePathPrefix))
		if err != nil {
			return nil, err
		}
		return marshalDocument(profile)
	case strings.HasPrefix(path, achievementsPathPrefix):
		unlocked, err := s.Achievements(ctx, strings.TrimPrefix(path, achievementsPathPrefix))
		if err != nil {
			return nil, err
		}
		if unlocked == nil {
			unlocked = []UserAchievement{}
		}
		return marshalDocument(unlocked)
	case strings.HasPrefix(path, resultPathPrefix):
		result, err := s.Result(ctx, strings.TrimPrefix(path, resultPathPrefix))
		if err != nil {
			return nil, err
		}
		return marshalDocument(result)
	case strings.HasPrefix(path, pointHistoryPathPrefix):
		events, err := s.PointHistory(ctx, strings.TrimPrefix(path, pointHistoryPathPrefix), PointHistoryLimit)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []PointEvent{}
		}
		return marshalDocument(events)
	case strings.HasPrefix(path, rankingPathPrefix):
		ranking, err := s.Ranking(ctx, strings.TrimPrefix(path, rankingPathPrefix))
		if err != nil {
			return nil, err
		}
		return []byte(ranking.PayloadJSON), nil
	default:
		return nil, apperrors.NotFound(opDocument, "unknown document path "+path)
	}
}

func marshalDocument(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, opDocument, err)
	}
	return payload, nil
}

func (s *Store) publishTouched(ctx context.Context, touched map[string]struct{}) {
	if s.publisher == nil || len(touched) == 0 {
		return
	}
	for path := range touched {
		payload, err := s.Document(ctx, path)
		if err != nil {
			s.logError(opPublish, "document_load_failed", err, zap.String("path", path))
			continue
		}
		s.publisher.Publish(changefeed.Change{Path: path, Data: payload, Timestamp: s.Now()})
	}
}

func loadStats(db *gorm.DB, userID string) (UserStats, error) {
	var stats UserStats
	if err := db.Where("user_id = ?", userID).Take(&stats).Error; err != nil {
		return UserStats{}, classify(opGetStats, err)
	}
	var bests []PersonalBest
	if err := db.Where("user_id = ?", userID).Order("wod_id ASC").Find(&bests).Error; err != nil {
		return UserStats{}, classify(opGetStats, err)
	}
	stats.PersonalBests = make(map[string]PersonalBestEntry, len(bests))
	for _, best := range bests {
		stats.PersonalBests[best.WodID] = PersonalBestEntry{Score: best.Score, Date: best.AchievedAt}
	}
	return stats, nil
}

func resultsForUser(db *gorm.DB, userID string) ([]wod.Result, error) {
	var records []ResultRecord
	if err := db.Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, classify(opListResults, err)
	}
	return toDomainResults(records), nil
}

func toDomainResults(records []ResultRecord) []wod.Result {
	results := make([]wod.Result, 0, len(records))
	for _, record := range records {
		results = append(results, record.toDomain())
	}
	return results
}

// classify maps driver errors onto the shared taxonomy. Coded errors pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *apperrors.Error
	if errors.As(err, &coded) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeDeadlineExceeded, op, err)
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.CodeUnavailable, op, err)
	case isWriteConflict(err):
		return apperrors.Wrap(apperrors.CodeAborted, op, err)
	default:
		return apperrors.Wrap(apperrors.CodeInternal, op, err)
	}
}

func isWriteConflict(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy")
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
