// Package gamification runs the per-user experience, level, streak and
// achievement state machine on top of the store.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/retry"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"go.uber.org/zap"
)

// WorkoutPoints is the base experience earned for logging a workout.
const WorkoutPoints = 50

// streakSwapAttempts bounds how often a streak update is re-applied on top of a
// streak another writer saved first.
const streakSwapAttempts = 3

const (
	opEngineNew      = "gamification.engine.new"
	opInitialize     = "gamification.initialize"
	opAddPoints      = "gamification.add_points"
	opUpdateStreak   = "gamification.update_streak"
	opRecordWorkout  = "gamification.record_workout"
	opCheck          = "gamification.check_achievements"
	opSettle         = "gamification.settle_workouts"
	reasonWorkout    = "Workout Completion"
	reasonAchievePfx = "Achievement: "
)

var (
	errMissingRepository = errors.New("repository is required")
	errMissingUserID     = errors.New("user identifier is required")
	errNotInitialized    = errors.New("engine is not initialized")
	errStreakContended   = errors.New("streak kept changing underneath the update")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// InitializationError reports that the profile could not be loaded after retries.
type InitializationError struct {
	UserID string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("gamification: initialize %s: %v", e.UserID, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// OperationError is the engine's error state: the last failed sub-operation,
// which the caller may retry on its own.
type OperationError struct {
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
	err       error
}

func (e *OperationError) Error() string {
	return e.Operation + ": " + e.Message
}

func (e *OperationError) Unwrap() error {
	return e.err
}

// Repository is the persistence the engine needs. *store.Store satisfies it.
type Repository interface {
	EnsureProfile(ctx context.Context, userID string) (store.Profile, error)
	AddExperience(ctx context.Context, event store.PointEvent) (int64, error)
	LogWorkout(ctx context.Context, userID, resultID string, level wod.Difficulty) (bool, error)
	AwardWorkout(ctx context.Context, resultID string, event store.PointEvent) (int64, bool, error)
	UnawardedWorkouts(ctx context.Context, userID string) ([]string, error)
	SaveStreak(ctx context.Context, userID string, expected, next store.Streak) (store.Streak, bool, error)
	UnlockAchievement(ctx context.Context, userID, achievementID string) (bool, error)
	Achievements(ctx context.Context, userID string) ([]store.UserAchievement, error)
	CountPersonalBests(ctx context.Context, userID string) (int64, error)
	BestRanking(ctx context.Context, userID string) (int, error)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	UserID     string
	Repository Repository
	Catalog    []Achievement
	Retry      retry.Policy
	// Location defines calendar days for streaks.
	Location *time.Location
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Unlocked is a user's unlock record.
type Unlocked struct {
	AchievementID string    `json:"achievementId"`
	UnlockedAt    time.Time `json:"unlockedAt"`
}

// State is a consistent snapshot of the engine.
type State struct {
	UserID         string          `json:"userId"`
	Experience     int64           `json:"experience"`
	Level          Level           `json:"level"`
	Streak         StreakState     `json:"streak"`
	WorkoutsLogged int64           `json:"workoutsLogged"`
	RxLogged       int64           `json:"rxLogged"`
	ScaledLogged   int64           `json:"scaledLogged"`
	BeginnerLogged int64           `json:"beginnerLogged"`
	Unlocked       []Unlocked      `json:"unlocked"`
	LastError      *OperationError `json:"lastError,omitempty"`
}

// StreakState is the JSON view of the streak.
type StreakState struct {
	Current         int    `json:"current"`
	Longest         int    `json:"longest"`
	LastWorkoutDate string `json:"lastWorkoutDate,omitempty"`
}

// Award describes one experience grant.
type Award struct {
	Base       int64   `json:"base"`
	Multiplier float64 `json:"multiplier"`
	Total      int64   `json:"total"`
	Reason     string  `json:"reason"`
	Experience int64   `json:"experience"`
	LevelUp    bool    `json:"levelUp"`
}

// WorkoutOutcome is the result of RecordWorkout.
type WorkoutOutcome struct {
	Duplicate bool          `json:"duplicate"`
	Award     *Award        `json:"award,omitempty"`
	Unlocked  []Achievement `json:"unlocked"`
	State     State         `json:"state"`
}

type engineState struct {
	initialized bool
	experience  int64
	streak      store.Streak
	workouts    int64
	rx          int64
	scaled      int64
	beginner    int64
	unlocked    map[string]time.Time
	order       []string
	lastError   *OperationError
}

// Engine is the single authoritative state machine for one user. Compound
// operations are serialized; State may be read concurrently.
type Engine struct {
	userID   string
	repo     Repository
	catalog  []Achievement
	retry    retry.Policy
	location *time.Location
	clock    func() time.Time
	logger   *zap.Logger

	opMu    sync.Mutex
	stateMu sync.RWMutex
	state   engineState
}

// NewEngine validates cfg and constructs an uninitialized engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opEngineNew, "missing_repository", errMissingRepository)
	}
	if cfg.UserID == "" {
		return nil, newServiceError(opEngineNew, "missing_user_id", errMissingUserID)
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		userID:   cfg.UserID,
		repo:     cfg.Repository,
		catalog:  catalog,
		retry:    cfg.Retry,
		location: location,
		clock:    clock,
		logger:   logger,
		state:    engineState{unlocked: make(map[string]time.Time)},
	}, nil
}

// UserID returns the engine's user.
func (e *Engine) UserID() string {
	return e.userID
}

// Initialize loads or creates the user's profile and unlock set.
func (e *Engine) Initialize(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	profile, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (store.Profile, error) {
		return e.repo.EnsureProfile(ctx, e.userID)
	})
	if err != nil {
		e.logError(opInitialize, "profile_load_failed", err)
		return &InitializationError{UserID: e.userID, Err: err}
	}
	unlocked, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) ([]store.UserAchievement, error) {
		return e.repo.Achievements(ctx, e.userID)
	})
	if err != nil {
		e.logError(opInitialize, "achievements_load_failed", err)
		return &InitializationError{UserID: e.userID, Err: err}
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state = engineState{
		initialized: true,
		experience:  profile.Experience,
		streak: store.Streak{
			Current:         profile.CurrentStreak,
			Longest:         profile.LongestStreak,
			LastWorkoutDate: profile.LastWorkoutDate,
		},
		workouts: profile.WorkoutsLogged,
		rx:       profile.RxLogged,
		scaled:   profile.ScaledLogged,
		beginner: profile.BeginnerLogged,
		unlocked: make(map[string]time.Time, len(unlocked)),
	}
	for _, record := range unlocked {
		e.markUnlockedLocked(record.AchievementID, record.UnlockedAt)
	}
	return nil
}

// State returns a snapshot of the engine.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	snapshot := State{
		UserID:     e.userID,
		Experience: e.state.experience,
		Level:      LevelFor(e.state.experience),
		Streak: StreakState{
			Current:         e.state.streak.Current,
			Longest:         e.state.streak.Longest,
			LastWorkoutDate: e.state.streak.LastWorkoutDate,
		},
		WorkoutsLogged: e.state.workouts,
		RxLogged:       e.state.rx,
		ScaledLogged:   e.state.scaled,
		BeginnerLogged: e.state.beginner,
		Unlocked:       make([]Unlocked, 0, len(e.state.order)),
		LastError:      e.state.lastError,
	}
	for _, id := range e.state.order {
		snapshot.Unlocked = append(snapshot.Unlocked, Unlocked{AchievementID: id, UnlockedAt: e.state.unlocked[id]})
	}
	return snapshot
}

// Catalog returns the engine's achievement catalog.
func (e *Engine) Catalog() []Achievement {
	return e.catalog
}

// AddPoints grants amount times the streak bonus, then re-evaluates achievements.
func (e *Engine) AddPoints(ctx context.Context, amount int64, reason string) (Award, []Achievement, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.requireInitialized(opAddPoints); err != nil {
		return Award{}, nil, err
	}

	award, err := e.addPoints(ctx, amount, reason)
	if err != nil {
		return Award{}, nil, err
	}
	unlocked, err := e.checkAchievements(ctx)
	return award, unlocked, err
}

// UpdateStreak applies a workout performed at workoutDate to the streak.
func (e *Engine) UpdateStreak(ctx context.Context, workoutDate time.Time) (StreakState, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.requireInitialized(opUpdateStreak); err != nil {
		return StreakState{}, err
	}
	if err := e.updateStreak(ctx, workoutDate); err != nil {
		return StreakState{}, err
	}
	return e.State().Streak, nil
}

// RecordWorkout counts result once: it logs the workout, updates the streak,
// grants WorkoutPoints and re-evaluates achievements. A result id that was
// already recorded is reported as a duplicate; if its experience never landed
// the grant is settled first.
func (e *Engine) RecordWorkout(ctx context.Context, result wod.Result) (WorkoutOutcome, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.requireInitialized(opRecordWorkout); err != nil {
		return WorkoutOutcome{}, err
	}
	if result.UserID != "" && result.UserID != e.userID {
		return WorkoutOutcome{}, newServiceError(opRecordWorkout, "user_mismatch", fmt.Errorf("result belongs to %s", result.UserID))
	}

	logged, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (bool, error) {
		return e.repo.LogWorkout(ctx, e.userID, result.ID, result.Level)
	})
	if err != nil {
		e.fail(opRecordWorkout, "log_failed", err)
		return WorkoutOutcome{}, newServiceError(opRecordWorkout, "log_failed", err)
	}
	workoutDate := result.CreatedAt
	if workoutDate.IsZero() {
		workoutDate = e.clock()
	}
	if !logged {
		return e.settleDuplicate(ctx, result.ID, workoutDate)
	}

	e.stateMu.Lock()
	e.state.workouts++
	switch result.Level {
	case wod.DifficultyRX:
		e.state.rx++
	case wod.DifficultyScaled:
		e.state.scaled++
	case wod.DifficultyBeginner:
		e.state.beginner++
	}
	e.stateMu.Unlock()

	if err := e.updateStreak(ctx, workoutDate); err != nil {
		return WorkoutOutcome{}, err
	}
	award, awarded, err := e.awardWorkout(ctx, result.ID)
	if err != nil {
		return WorkoutOutcome{}, err
	}
	outcome := WorkoutOutcome{}
	if awarded {
		outcome.Award = &award
	}
	outcome.Unlocked, err = e.checkAchievements(ctx)
	outcome.State = e.State()
	return outcome, err
}

// settleDuplicate finishes a workout that was logged by an earlier call which
// failed before its experience was committed.
func (e *Engine) settleDuplicate(ctx context.Context, resultID string, workoutDate time.Time) (WorkoutOutcome, error) {
	outcome := WorkoutOutcome{Duplicate: true, Unlocked: []Achievement{}}
	pending, err := e.pendingWorkouts(ctx)
	if err != nil {
		outcome.State = e.State()
		return outcome, err
	}
	if !slices.Contains(pending, resultID) {
		outcome.State = e.State()
		return outcome, nil
	}
	if err := e.updateStreak(ctx, workoutDate); err != nil {
		outcome.State = e.State()
		return outcome, err
	}
	award, awarded, err := e.awardWorkout(ctx, resultID)
	if err != nil {
		outcome.State = e.State()
		return outcome, err
	}
	if awarded {
		outcome.Award = &award
	}
	unlocked, err := e.checkAchievements(ctx)
	outcome.Unlocked = unlocked
	outcome.State = e.State()
	return outcome, err
}

// CheckAchievements settles workouts whose experience never landed, then
// unlocks every qualifying achievement not yet unlocked and awards its points.
// It returns the achievements unlocked by this call.
func (e *Engine) CheckAchievements(ctx context.Context) ([]Achievement, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.requireInitialized(opCheck); err != nil {
		return nil, err
	}
	if err := e.settlePending(ctx); err != nil {
		return []Achievement{}, err
	}
	return e.checkAchievements(ctx)
}

// pendingWorkouts lists logged workouts whose experience never landed.
func (e *Engine) pendingWorkouts(ctx context.Context) ([]string, error) {
	resultIDs, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) ([]string, error) {
		return e.repo.UnawardedWorkouts(ctx, e.userID)
	})
	if err != nil {
		e.fail(opSettle, "pending_load_failed", err)
		return nil, newServiceError(opSettle, "pending_load_failed", err)
	}
	return resultIDs, nil
}

func (e *Engine) settlePending(ctx context.Context) error {
	resultIDs, err := e.pendingWorkouts(ctx)
	if err != nil {
		return err
	}
	for _, resultID := range resultIDs {
		if _, _, err := e.awardWorkout(ctx, resultID); err != nil {
			return err
		}
		e.logger.Info("settled pending workout award",
			zap.String("user_id", e.userID),
			zap.String("result_id", resultID))
	}
	e.stateMu.Lock()
	e.clearErrorLocked(opSettle)
	e.stateMu.Unlock()
	return nil
}

// Facts gathers the statistics achievement requirements are evaluated against.
func (e *Engine) Facts(ctx context.Context) (Facts, error) {
	e.stateMu.RLock()
	facts := Facts{
		TotalWods:     e.state.workouts,
		CurrentStreak: e.state.streak.Current,
		RxCount:       e.state.rx,
	}
	e.stateMu.RUnlock()

	records, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (int64, error) {
		return e.repo.CountPersonalBests(ctx, e.userID)
	})
	if err != nil {
		return Facts{}, err
	}
	ranking, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (int, error) {
		return e.repo.BestRanking(ctx, e.userID)
	})
	if err != nil {
		return Facts{}, err
	}
	facts.PersonalRecords = records
	facts.BestRanking = ranking
	return facts, nil
}

func (e *Engine) addPoints(ctx context.Context, amount int64, reason string) (Award, error) {
	award, _, err := e.grant(ctx, amount, reason, func(ctx context.Context, event store.PointEvent) (int64, bool, error) {
		experience, err := e.repo.AddExperience(ctx, event)
		return experience, true, err
	})
	return award, err
}

// awardWorkout grants WorkoutPoints for a logged workout. It reports false when
// the workout had already been awarded elsewhere.
func (e *Engine) awardWorkout(ctx context.Context, resultID string) (Award, bool, error) {
	return e.grant(ctx, WorkoutPoints, reasonWorkout, func(ctx context.Context, event store.PointEvent) (int64, bool, error) {
		return e.repo.AwardWorkout(ctx, resultID, event)
	})
}

type grantFunc func(ctx context.Context, event store.PointEvent) (int64, bool, error)

type grantResult struct {
	experience int64
	granted    bool
}

// grant applies amount times the streak bonus optimistically and rolls it back
// when persist fails.
func (e *Engine) grant(ctx context.Context, amount int64, reason string, persist grantFunc) (Award, bool, error) {
	e.stateMu.Lock()
	streak := e.state.streak.Current
	before := e.state.experience
	multiplier := StreakBonus(streak)
	total := BonusPoints(amount, streak)
	e.state.experience += total
	e.stateMu.Unlock()

	persisted, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (grantResult, error) {
		experience, granted, err := persist(ctx, store.PointEvent{
			UserID:     e.userID,
			Amount:     total,
			BaseAmount: amount,
			Multiplier: multiplier,
			Reason:     reason,
		})
		return grantResult{experience: experience, granted: granted}, err
	})
	if err != nil {
		e.stateMu.Lock()
		e.state.experience -= total
		e.stateMu.Unlock()
		e.fail(opAddPoints, "persist_failed", err, zap.Int64("amount", total), zap.String("points_reason", reason))
		return Award{}, false, newServiceError(opAddPoints, "persist_failed", err)
	}

	e.stateMu.Lock()
	e.state.experience = persisted.experience
	e.clearErrorLocked(opAddPoints)
	e.stateMu.Unlock()
	if !persisted.granted {
		return Award{}, false, nil
	}

	return Award{
		Base:       amount,
		Multiplier: multiplier,
		Total:      total,
		Reason:     reason,
		Experience: persisted.experience,
		LevelUp:    LevelFor(persisted.experience).Current > LevelFor(before).Current,
	}, true, nil
}

// updateStreak swaps the stored streak for the one day produces. When another
// writer saved a streak first, the workout is re-applied on top of it.
func (e *Engine) updateStreak(ctx context.Context, workoutDate time.Time) error {
	day := wod.Day(workoutDate.In(e.location))

	e.stateMu.RLock()
	expected := e.state.streak
	e.stateMu.RUnlock()

	type swapResult struct {
		stored  store.Streak
		swapped bool
	}
	for attempt := 1; ; attempt++ {
		next, changed := nextStreak(expected, day, e.location)
		if !changed {
			e.setStreak(expected, opUpdateStreak)
			return nil
		}
		outcome, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (swapResult, error) {
			stored, swapped, err := e.repo.SaveStreak(ctx, e.userID, expected, next)
			return swapResult{stored: stored, swapped: swapped}, err
		})
		if err != nil {
			e.fail(opUpdateStreak, "persist_failed", err, zap.String("workout_date", wod.DateKey(day)))
			return newServiceError(opUpdateStreak, "persist_failed", err)
		}
		if outcome.swapped {
			e.setStreak(next, opUpdateStreak)
			return nil
		}
		if attempt >= streakSwapAttempts {
			e.setStreak(outcome.stored, "")
			e.fail(opUpdateStreak, "contended", errStreakContended, zap.String("workout_date", wod.DateKey(day)))
			return newServiceError(opUpdateStreak, "contended", errStreakContended)
		}
		expected = outcome.stored
	}
}

func (e *Engine) setStreak(streak store.Streak, clearOperation string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state.streak = streak
	if clearOperation != "" {
		e.clearErrorLocked(clearOperation)
	}
}

// nextStreak applies a workout on day to current. Same-day and back-dated
// workouts leave the streak unchanged.
func nextStreak(current store.Streak, day time.Time, location *time.Location) (store.Streak, bool) {
	next := current
	next.LastWorkoutDate = wod.DateKey(day)
	if current.LastWorkoutDate == "" {
		next.Current = 1
	} else {
		last, err := time.ParseInLocation(time.DateOnly, current.LastWorkoutDate, location)
		if err != nil {
			next.Current = 1
		} else {
			gap := wod.DaysBetween(last, day)
			switch {
			case gap <= 0:
				return current, false
			case gap == 1:
				next.Current = current.Current + 1
			default:
				next.Current = 1
			}
		}
	}
	if next.Current > next.Longest {
		next.Longest = next.Current
	}
	return next, true
}

func (e *Engine) checkAchievements(ctx context.Context) ([]Achievement, error) {
	facts, err := e.Facts(ctx)
	if err != nil {
		e.fail(opCheck, "facts_failed", err)
		return []Achievement{}, newServiceError(opCheck, "facts_failed", err)
	}

	newlyUnlocked := []Achievement{}
	for _, achievement := range e.catalog {
		if e.isUnlocked(achievement.ID) {
			continue
		}
		satisfied, err := achievement.Requirement.Satisfied(facts)
		if err != nil {
			e.fail(opCheck, "invalid_requirement", err, zap.String("achievement_id", achievement.ID))
			return newlyUnlocked, newServiceError(opCheck, "invalid_requirement", err)
		}
		if !satisfied {
			continue
		}
		added, err := retry.DoValue(ctx, e.retry, func(ctx context.Context) (bool, error) {
			return e.repo.UnlockAchievement(ctx, e.userID, achievement.ID)
		})
		if err != nil {
			e.fail(opCheck, "unlock_failed", err, zap.String("achievement_id", achievement.ID))
			return newlyUnlocked, newServiceError(opCheck, "unlock_failed", err)
		}

		e.stateMu.Lock()
		e.markUnlockedLocked(achievement.ID, e.clock().UTC())
		e.stateMu.Unlock()
		if !added {
			// Unlocked concurrently elsewhere; the bonus went with that unlock.
			continue
		}
		newlyUnlocked = append(newlyUnlocked, achievement)
		if achievement.Points > 0 {
			if _, err := e.addPoints(ctx, achievement.Points, reasonAchievePfx+achievement.ID); err != nil {
				return newlyUnlocked, err
			}
		}
	}

	e.stateMu.Lock()
	e.clearErrorLocked(opCheck)
	e.stateMu.Unlock()
	return newlyUnlocked, nil
}

func (e *Engine) isUnlocked(id string) bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	_, ok := e.state.unlocked[id]
	return ok
}

func (e *Engine) markUnlockedLocked(id string, at time.Time) {
	if _, ok := e.state.unlocked[id]; ok {
		return
	}
	e.state.unlocked[id] = at
	e.state.order = append(e.state.order, id)
}

func (e *Engine) requireInitialized(operation string) error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if !e.state.initialized {
		return newServiceError(operation, "not_initialized", errNotInitialized)
	}
	return nil
}

func (e *Engine) fail(operation, reason string, err error, fields ...zap.Field) {
	e.stateMu.Lock()
	e.state.lastError = &OperationError{
		Operation: operation,
		Message:   err.Error(),
		At:        e.clock().UTC(),
		err:       err,
	}
	e.stateMu.Unlock()
	e.logError(operation, reason, err, fields...)
}

func (e *Engine) clearErrorLocked(operation string) {
	if e.state.lastError != nil && e.state.lastError.Operation == operation {
		e.state.lastError = nil
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", e.userID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("gamification engine error", attrs...)
}
