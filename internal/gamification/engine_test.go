package gamification

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/retry"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var day0 = time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)

// memoryRepository is an in-memory Repository with failure injection.
type memoryRepository struct {
	mu          sync.Mutex
	profile     store.Profile
	history     []store.PointEvent
	logged      map[string]bool
	pending     []string
	unlocked    map[string]time.Time
	order       []string
	bests       int64
	bestRanking int

	failExperience error
	failStreak     error
	failProfile    error
	// beforeStreakSave runs just before a streak swap, standing in for another writer.
	beforeStreakSave func(profile *store.Profile)
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{logged: map[string]bool{}, unlocked: map[string]time.Time{}}
}

func (m *memoryRepository) EnsureProfile(_ context.Context, userID string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failProfile != nil {
		return store.Profile{}, m.failProfile
	}
	m.profile.UserID = userID
	return m.profile, nil
}

func (m *memoryRepository) AddExperience(_ context.Context, event store.PointEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failExperience != nil {
		return 0, m.failExperience
	}
	m.profile.Experience += event.Amount
	m.history = append(m.history, event)
	return m.profile.Experience, nil
}

func (m *memoryRepository) LogWorkout(_ context.Context, _ string, resultID string, level wod.Difficulty) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logged[resultID] {
		return false, nil
	}
	m.logged[resultID] = true
	m.pending = append(m.pending, resultID)
	m.profile.WorkoutsLogged++
	if level == wod.DifficultyRX {
		m.profile.RxLogged++
	}
	return true, nil
}

func (m *memoryRepository) AwardWorkout(_ context.Context, resultID string, event store.PointEvent) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failExperience != nil {
		return 0, false, m.failExperience
	}
	index := slices.Index(m.pending, resultID)
	if index < 0 {
		return m.profile.Experience, false, nil
	}
	m.pending = slices.Delete(m.pending, index, index+1)
	m.profile.Experience += event.Amount
	m.history = append(m.history, event)
	return m.profile.Experience, true, nil
}

func (m *memoryRepository) UnawardedWorkouts(context.Context, string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending), nil
}

func (m *memoryRepository) SaveStreak(_ context.Context, _ string, expected, next store.Streak) (store.Streak, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStreak != nil {
		return store.Streak{}, false, m.failStreak
	}
	if m.beforeStreakSave != nil {
		m.beforeStreakSave(&m.profile)
	}
	stored := store.Streak{Current: m.profile.CurrentStreak, Longest: m.profile.LongestStreak, LastWorkoutDate: m.profile.LastWorkoutDate}
	if stored.Current != expected.Current || stored.LastWorkoutDate != expected.LastWorkoutDate {
		return stored, false, nil
	}
	m.profile.CurrentStreak = next.Current
	m.profile.LongestStreak = next.Longest
	m.profile.LastWorkoutDate = next.LastWorkoutDate
	return next, true, nil
}

func (m *memoryRepository) UnlockAchievement(_ context.Context, _ string, achievementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.unlocked[achievementID]; ok {
		return false, nil
	}
	m.unlocked[achievementID] = day0
	m.order = append(m.order, achievementID)
	return true, nil
}

func (m *memoryRepository) Achievements(context.Context, string) ([]store.UserAchievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]store.UserAchievement, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, store.UserAchievement{AchievementID: id, UnlockedAt: m.unlocked[id]})
	}
	return records, nil
}

func (m *memoryRepository) CountPersonalBests(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bests, nil
}

func (m *memoryRepository) BestRanking(context.Context, string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestRanking, nil
}

func noSleepPolicy() retry.Policy {
	return retry.NewPolicy(retry.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
}

func newTestEngine(t *testing.T, repo Repository, catalog []Achievement) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		UserID:     "athlete-1",
		Repository: repo,
		Catalog:    catalog,
		Retry:      noSleepPolicy(),
		Clock:      func() time.Time { return day0 },
	})
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(context.Background()))
	return engine
}

func workout(id string, level wod.Difficulty, at time.Time) wod.Result {
	return wod.Result{ID: id, UserID: "athlete-1", WodID: "fran", Score: 200, Level: level, CreatedAt: at}
}

func TestStreakBonusIsCapped(t *testing.T) {
	assert.Equal(t, 1.0, StreakBonus(0))
	assert.InDelta(t, 1.4, StreakBonus(4), 1e-9)
	assert.Equal(t, 2.0, StreakBonus(10))
	assert.Equal(t, 2.0, StreakBonus(50))
	assert.Equal(t, int64(70), BonusPoints(50, 4))
}

func TestLevelForClampsTitle(t *testing.T) {
	assert.Equal(t, Level{Current: 1, Title: "Novato", Progress: 80, NextLevelAt: 100}, LevelFor(80))
	assert.Equal(t, 2, LevelFor(150).Current)
	assert.Equal(t, "Aprendiz", LevelFor(150).Title)
	assert.Equal(t, "Leyenda", LevelFor(5000).Title)
}

func TestNewEngineValidatesConfig(t *testing.T) {
	_, err := NewEngine(EngineConfig{UserID: "u"})
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "gamification.engine.new.missing_repository", serviceErr.Code())

	_, err = NewEngine(EngineConfig{Repository: newMemoryRepository()})
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "gamification.engine.new.missing_user_id", serviceErr.Code())
}

func TestOperationsRequireInitialize(t *testing.T) {
	engine, err := NewEngine(EngineConfig{UserID: "u", Repository: newMemoryRepository()})
	require.NoError(t, err)
	_, _, err = engine.AddPoints(context.Background(), 10, "test")
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "gamification.add_points.not_initialized", serviceErr.Code())
}

func TestInitializeFailsAfterRetries(t *testing.T) {
	repo := newMemoryRepository()
	repo.failProfile = apperrors.Unavailable("test", errors.New("offline"))
	engine, err := NewEngine(EngineConfig{UserID: "u", Repository: repo, Retry: noSleepPolicy()})
	require.NoError(t, err)

	err = engine.Initialize(context.Background())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.True(t, apperrors.IsTransient(err))
}

func TestAddPointsAppliesStreakBonusAndLevelsUp(t *testing.T) {
	repo := newMemoryRepository()
	repo.profile = store.Profile{Experience: 80, CurrentStreak: 4, LongestStreak: 4, LastWorkoutDate: "2026-03-01"}
	engine := newTestEngine(t, repo, []Achievement{})

	award, unlocked, err := engine.AddPoints(context.Background(), 50, "Workout Completion")
	require.NoError(t, err)
	assert.Empty(t, unlocked)
	assert.Equal(t, int64(70), award.Total)
	assert.InDelta(t, 1.4, award.Multiplier, 1e-9)
	assert.True(t, award.LevelUp)

	state := engine.State()
	assert.Equal(t, int64(150), state.Experience)
	assert.Equal(t, 2, state.Level.Current)
	require.Len(t, repo.history, 1)
	assert.Equal(t, int64(50), repo.history[0].BaseAmount)
	assert.Equal(t, int64(70), repo.history[0].Amount)
}

func TestAddPointsRollsBackOnPersistFailure(t *testing.T) {
	repo := newMemoryRepository()
	repo.profile = store.Profile{Experience: 30}
	engine := newTestEngine(t, repo, []Achievement{})
	repo.failExperience = apperrors.New(apperrors.CodePermissionDenied, "test", "denied")

	_, _, err := engine.AddPoints(context.Background(), 50, "bonus")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPermission, apperrors.KindOf(err))

	state := engine.State()
	assert.Equal(t, int64(30), state.Experience)
	require.NotNil(t, state.LastError)
	assert.Equal(t, opAddPoints, state.LastError.Operation)

	repo.failExperience = nil
	_, _, err = engine.AddPoints(context.Background(), 50, "bonus")
	require.NoError(t, err)
	assert.Nil(t, engine.State().LastError)
	assert.Equal(t, int64(80), engine.State().Experience)
}

func TestUpdateStreakLaws(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, []Achievement{})
	ctx := context.Background()

	streak, err := engine.UpdateStreak(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, 1, streak.Current)

	streak, err = engine.UpdateStreak(ctx, day0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, streak.Current, "same day is a no-op")

	streak, err = engine.UpdateStreak(ctx, day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, streak.Current)

	streak, err = engine.UpdateStreak(ctx, day0.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, streak.Current)

	streak, err = engine.UpdateStreak(ctx, day0.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, streak.Current, "a two day gap resets")
	assert.Equal(t, 3, streak.Longest)
	assert.Equal(t, "2026-03-06", streak.LastWorkoutDate)

	streak, err = engine.UpdateStreak(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-06", streak.LastWorkoutDate, "back-dated workouts leave the streak alone")
}

func TestUpdateStreakLongestNeverBelowCurrent(t *testing.T) {
	engine := newTestEngine(t, newMemoryRepository(), []Achievement{})
	offsets := []int{0, 1, 2, 2, 5, 6, 7, 8, 20, 21}
	for _, offset := range offsets {
		streak, err := engine.UpdateStreak(context.Background(), day0.AddDate(0, 0, offset))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, streak.Longest, streak.Current)
	}
}

func TestUpdateStreakRollsBackOnFailure(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, []Achievement{})
	_, err := engine.UpdateStreak(context.Background(), day0)
	require.NoError(t, err)

	repo.failStreak = apperrors.Unavailable("test", errors.New("offline"))
	_, err = engine.UpdateStreak(context.Background(), day0.AddDate(0, 0, 1))
	require.Error(t, err)
	state := engine.State()
	assert.Equal(t, 1, state.Streak.Current)
	assert.Equal(t, "2026-03-02", state.Streak.LastWorkoutDate)
	require.NotNil(t, state.LastError)
	assert.Equal(t, opUpdateStreak, state.LastError.Operation)
}

func TestUpdateStreakReappliesOnTopOfConcurrentWrite(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, []Achievement{})

	// Another device logged a workout on day0 after this engine loaded.
	repo.beforeStreakSave = func(profile *store.Profile) {
		repo.beforeStreakSave = nil
		profile.CurrentStreak = 1
		profile.LongestStreak = 1
		profile.LastWorkoutDate = "2026-03-02"
	}

	streak, err := engine.UpdateStreak(context.Background(), day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, streak.Current)
	assert.Equal(t, "2026-03-03", streak.LastWorkoutDate)
	assert.Equal(t, 2, repo.profile.CurrentStreak)
	assert.Equal(t, 2, repo.profile.LongestStreak)
}

func TestUpdateStreakAdoptsNewerConcurrentStreak(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, []Achievement{})

	// The other writer already counted a later day, so day0 changes nothing.
	repo.beforeStreakSave = func(profile *store.Profile) {
		repo.beforeStreakSave = nil
		profile.CurrentStreak = 3
		profile.LongestStreak = 3
		profile.LastWorkoutDate = "2026-03-04"
	}

	streak, err := engine.UpdateStreak(context.Background(), day0)
	require.NoError(t, err)
	assert.Equal(t, 3, streak.Current)
	assert.Equal(t, "2026-03-04", streak.LastWorkoutDate)
	assert.Equal(t, 3, repo.profile.CurrentStreak)
}

func TestUpdateStreakGivesUpWhenAlwaysContended(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, []Achievement{})
	repo.beforeStreakSave = func(profile *store.Profile) {
		profile.CurrentStreak++
		profile.LongestStreak = profile.CurrentStreak
		profile.LastWorkoutDate = "2026-03-01"
	}

	_, err := engine.UpdateStreak(context.Background(), day0.AddDate(0, 0, 1))
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "gamification.update_streak.contended", serviceErr.Code())
}

func TestStreakUsesConfiguredLocation(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	engine, err := NewEngine(EngineConfig{UserID: "u", Repository: newMemoryRepository(), Location: newYork, Retry: noSleepPolicy()})
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(context.Background()))

	// 03:00 UTC on March 3rd is still March 2nd in New York.
	streak, err := engine.UpdateStreak(context.Background(), time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", streak.LastWorkoutDate)
}

func TestRecordWorkoutFirstWodUnlocksOnceEvenWhenRepeated(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, nil)
	ctx := context.Background()

	outcome, err := engine.RecordWorkout(ctx, workout("result-1", wod.DifficultyRX, day0))
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)
	require.NotNil(t, outcome.Award)
	assert.Equal(t, int64(55), outcome.Award.Total, "streak of one gives a 1.1 bonus")
	require.Len(t, outcome.Unlocked, 1)
	assert.Equal(t, "first_wod", outcome.Unlocked[0].ID)
	// 55 for the workout plus round(50 * 1.1) for first_wod.
	assert.Equal(t, int64(110), outcome.State.Experience)

	again, err := engine.RecordWorkout(ctx, workout("result-1", wod.DifficultyRX, day0))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Empty(t, again.Unlocked)
	assert.Equal(t, int64(110), engine.State().Experience)
	assert.Len(t, repo.history, 2)
}

func TestCheckAchievementsSettlesWorkoutExperienceLostToFailure(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, []Achievement{})
	ctx := context.Background()

	repo.failExperience = apperrors.New(apperrors.CodePermissionDenied, "test", "denied")
	_, err := engine.RecordWorkout(ctx, workout("r1", wod.DifficultyRX, day0))
	require.Error(t, err)
	assert.Equal(t, int64(0), engine.State().Experience)

	repo.failExperience = nil
	unlocked, err := engine.CheckAchievements(ctx)
	require.NoError(t, err)
	assert.Empty(t, unlocked)
	assert.Equal(t, int64(55), engine.State().Experience, "the workout grant lands once settled")

	again, err := engine.RecordWorkout(ctx, workout("r1", wod.DifficultyRX, day0))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Nil(t, again.Award)
	assert.Equal(t, int64(55), engine.State().Experience)
	assert.Len(t, repo.history, 1)
	assert.Empty(t, repo.pending)
}

func TestRepostedWorkoutSettlesExperienceLostToFailure(t *testing.T) {
	repo := newMemoryRepository()
	engine := newTestEngine(t, repo, nil)
	ctx := context.Background()

	repo.failExperience = apperrors.New(apperrors.CodePermissionDenied, "test", "denied")
	_, err := engine.RecordWorkout(ctx, workout("r1", wod.DifficultyRX, day0))
	require.Error(t, err)

	repo.failExperience = nil
	again, err := engine.RecordWorkout(ctx, workout("r1", wod.DifficultyRX, day0))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	require.NotNil(t, again.Award)
	assert.Equal(t, int64(55), again.Award.Total)
	require.Len(t, again.Unlocked, 1)
	assert.Equal(t, "first_wod", again.Unlocked[0].ID)
	assert.Equal(t, int64(110), again.State.Experience)
	assert.Equal(t, int64(1), again.State.WorkoutsLogged)

	third, err := engine.RecordWorkout(ctx, workout("r1", wod.DifficultyRX, day0))
	require.NoError(t, err)
	assert.Nil(t, third.Award)
	assert.Equal(t, int64(110), engine.State().Experience)
}

func TestPartialWorkoutIsSettledAfterEngineReload(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settle.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.Models()...))
	st, err := store.New(store.Config{Database: db, Clock: func() time.Time { return day0 }})
	require.NoError(t, err)
	ctx := context.Background()

	// A crash between logging and awarding leaves the log entry pending.
	logged, err := st.LogWorkout(ctx, "athlete-1", "result-a", wod.DifficultyRX)
	require.NoError(t, err)
	require.True(t, logged)

	engine := newTestEngine(t, st, []Achievement{})
	_, err = engine.CheckAchievements(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), engine.State().Experience, "no streak yet, so no bonus")

	pending, err := st.UnawardedWorkouts(ctx, "athlete-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	profile, err := st.Profile(ctx, "athlete-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), profile.Experience)
}

func TestCheckAchievementsIsIdempotent(t *testing.T) {
	repo := newMemoryRepository()
	repo.profile = store.Profile{WorkoutsLogged: 12, RxLogged: 10, CurrentStreak: 5, LongestStreak: 5}
	repo.bests = 5
	repo.bestRanking = 3
	engine := newTestEngine(t, repo, nil)
	ctx := context.Background()

	unlocked, err := engine.CheckAchievements(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(unlocked))
	for _, achievement := range unlocked {
		ids = append(ids, achievement.ID)
	}
	assert.Equal(t, []string{"first_wod", "consistency_week", "top_10", "rx_master", "pr_hunter"}, ids)

	for range 3 {
		again, err := engine.CheckAchievements(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)
	}
	assert.Len(t, engine.State().Unlocked, 5)
	assert.Len(t, repo.history, 5)
}

func TestCheckAchievementsDoesNotReawardConcurrentUnlock(t *testing.T) {
	repo := newMemoryRepository()
	repo.profile = store.Profile{WorkoutsLogged: 1}
	engine := newTestEngine(t, repo, nil)

	// Another device unlocked first_wod after this engine loaded.
	_, err := repo.UnlockAchievement(context.Background(), "athlete-1", "first_wod")
	require.NoError(t, err)

	unlocked, err := engine.CheckAchievements(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unlocked)
	assert.Empty(t, repo.history)
	assert.Len(t, engine.State().Unlocked, 1)
}

func TestCheckAchievementsRejectsUnknownRule(t *testing.T) {
	catalog := []Achievement{{ID: "mystery", Points: 10, Requirement: Requirement{Type: "karma", Threshold: 1}}}
	engine := newTestEngine(t, newMemoryRepository(), catalog)

	_, err := engine.CheckAchievements(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	require.NotNil(t, engine.State().LastError)
}

func TestRankingRequirementIgnoresNeverRanked(t *testing.T) {
	requirement := Requirement{Type: RuleRanking, Threshold: 10}
	ok, err := requirement.Satisfied(Facts{BestRanking: 0})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = requirement.Satisfied(Facts{BestRanking: 10})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = requirement.Satisfied(Facts{BestRanking: 11})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryReusesEngines(t *testing.T) {
	registry, err := NewRegistry(RegistryConfig{Repository: newMemoryRepository(), Retry: noSleepPolicy()})
	require.NoError(t, err)

	first, err := registry.Engine(context.Background(), "athlete-1")
	require.NoError(t, err)
	second, err := registry.Engine(context.Background(), "athlete-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, registry.Len())

	registry.Forget("athlete-1")
	assert.Equal(t, 0, registry.Len())
}

func TestEngineAgainstStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.Models()...))
	st, err := store.New(store.Config{Database: db, Clock: func() time.Time { return day0 }})
	require.NoError(t, err)

	engine := newTestEngine(t, st, nil)
	ctx := context.Background()
	for index, offset := range []int{0, 1, 2, 3, 4} {
		_, err := engine.RecordWorkout(ctx, workout("result-"+string(rune('a'+index)), wod.DifficultyRX, day0.AddDate(0, 0, offset)))
		require.NoError(t, err)
	}

	state := engine.State()
	assert.Equal(t, 5, state.Streak.Current)
	assert.Equal(t, int64(5), state.WorkoutsLogged)

	profile, err := st.Profile(ctx, "athlete-1")
	require.NoError(t, err)
	assert.Equal(t, state.Experience, profile.Experience)
	assert.Equal(t, 5, profile.CurrentStreak)

	achievements, err := st.Achievements(ctx, "athlete-1")
	require.NoError(t, err)
	ids := make([]string, 0, len(achievements))
	for _, record := range achievements {
		ids = append(ids, record.AchievementID)
	}
	assert.ElementsMatch(t, []string{"first_wod", "consistency_week"}, ids)

	reloaded := newTestEngine(t, st, nil)
	assert.Equal(t, state.Experience, reloaded.State().Experience)
	assert.Len(t, reloaded.State().Unlocked, 2)
}
