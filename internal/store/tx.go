package store

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMarkProcessed  = "store.tx.mark_processed"
	opLockStats      = "store.tx.lock_stats"
	opIncrement      = "store.tx.increment_stats"
	opPersonalBest   = "store.tx.personal_best"
	opReplaceStats   = "store.tx.replace_stats"
	opSaveRanking    = "store.tx.save_ranking"
	opImproveRanking = "store.tx.improve_best_ranking"
	opAwardWorkout   = "store.tx.award_workout"
)

// Tx exposes the row-level operations available inside Store.Transaction.
type Tx struct {
	db      *gorm.DB
	now     time.Time
	touched map[string]struct{}
}

// StatsDelta is the increment applied to a stats row for one result.
type StatsDelta struct {
	TotalWods     int64
	CompletedWods int64
	Points        int64
	RxCount       int64
	ScaledCount   int64
	BeginnerCount int64
}

// DeltaForResult is the stats increment one result contributes.
func DeltaForResult(level wod.Difficulty) StatsDelta {
	delta := StatsDelta{TotalWods: 1, CompletedWods: 1, Points: wod.Points(level)}
	switch level {
	case wod.DifficultyRX:
		delta.RxCount = 1
	case wod.DifficultyScaled:
		delta.ScaledCount = 1
	case wod.DifficultyBeginner:
		delta.BeginnerCount = 1
	}
	return delta
}

// Streak is the persisted streak state of a profile.
type Streak struct {
	Current         int
	Longest         int
	LastWorkoutDate string
}

// Now is the commit timestamp shared by every write in the transaction.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) touch(path string) {
	tx.touched[path] = struct{}{}
}

// MarkProcessed records that handler applied the document identified by key. It
// reports false when it had already been applied.
func (tx *Tx) MarkProcessed(key, handler string) (bool, error) {
	marker := ProcessedEvent{EventID: key, Handler: handler, ProcessedAt: tx.now}
	outcome := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
	if outcome.Error != nil {
		return false, classify(opMarkProcessed, outcome.Error)
	}
	return outcome.RowsAffected == 1, nil
}

// LockStats reads the stats row for update. The boolean is false when the row is absent.
func (tx *Tx) LockStats(userID string) (UserStats, bool, error) {
	var stats UserStats
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserStats{}, false, nil
	}
	if err != nil {
		return UserStats{}, false, classify(opLockStats, err)
	}
	return stats, true, nil
}

// EnsureStats creates zeroed stats when absent. It reports whether a row was created.
func (tx *Tx) EnsureStats(userID string) (bool, error) {
	if userID == "" {
		return false, apperrors.Validation(opEnsureStats, "user id is required")
	}
	stats := UserStats{UserID: userID, LastUpdated: tx.now}
	outcome := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&stats)
	if outcome.Error != nil {
		return false, classify(opEnsureStats, outcome.Error)
	}
	if outcome.RowsAffected == 1 {
		tx.touch(StatsPath(userID))
		return true, nil
	}
	return false, nil
}

// IncrementStats adds delta to the stats counters and stamps lastUpdated.
func (tx *Tx) IncrementStats(userID string, delta StatsDelta) error {
	outcome := tx.db.Model(&UserStats{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"total_wods":     gorm.Expr("total_wods + ?", delta.TotalWods),
			"completed_wods": gorm.Expr("completed_wods + ?", delta.CompletedWods),
			"points":         gorm.Expr("points + ?", delta.Points),
			"rx_count":       gorm.Expr("rx_count + ?", delta.RxCount),
			"scaled_count":   gorm.Expr("scaled_count + ?", delta.ScaledCount),
			"beginner_count": gorm.Expr("beginner_count + ?", delta.BeginnerCount),
			"last_updated":   tx.now,
		})
	if outcome.Error != nil {
		return classify(opIncrement, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		return apperrors.NotFound(opIncrement, "user stats missing for "+userID)
	}
	tx.touch(StatsPath(userID))
	return nil
}

// PersonalBest reads the best for (userID, wodID). The boolean is false when none exists.
func (tx *Tx) PersonalBest(userID, wodID string) (PersonalBest, bool, error) {
	var best PersonalBest
	err := tx.db.Where("user_id = ? AND wod_id = ?", userID, wodID).Take(&best).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PersonalBest{}, false, nil
	}
	if err != nil {
		return PersonalBest{}, false, classify(opPersonalBest, err)
	}
	return best, true, nil
}

// SavePersonalBest upserts best.
func (tx *Tx) SavePersonalBest(best PersonalBest) error {
	if err := tx.db.Save(&best).Error; err != nil {
		return classify(opPersonalBest, err)
	}
	tx.touch(StatsPath(best.UserID))
	return nil
}

// ResultsForUser reads a user's results inside the transaction.
func (tx *Tx) ResultsForUser(userID string) ([]wod.Result, error) {
	return resultsForUser(tx.db, userID)
}

// ReplaceStats overwrites the stats row and the user's personal bests.
func (tx *Tx) ReplaceStats(stats UserStats, bests []PersonalBest) error {
	stats.LastUpdated = tx.now
	if err := tx.db.Save(&stats).Error; err != nil {
		return classify(opReplaceStats, err)
	}
	if err := tx.db.Where("user_id = ?", stats.UserID).Delete(&PersonalBest{}).Error; err != nil {
		return classify(opReplaceStats, err)
	}
	if len(bests) > 0 {
		if err := tx.db.Create(&bests).Error; err != nil {
			return classify(opReplaceStats, err)
		}
	}
	tx.touch(StatsPath(stats.UserID))
	return nil
}

// SaveRanking writes the single document for date, replacing any previous run.
func (tx *Tx) SaveRanking(date string, payload []byte) error {
	ranking := DailyRanking{Date: date, PayloadJSON: string(payload), GeneratedAt: tx.now}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "generated_at"}),
	}).Create(&ranking).Error
	if err != nil {
		return classify(opSaveRanking, err)
	}
	tx.touch(RankingPath(date))
	return nil
}

// ImproveBestRanking lowers best_ranking to position when the user has never
// ranked or ranked worse. It reports whether the row changed.
func (tx *Tx) ImproveBestRanking(userID string, position int) (bool, error) {
	if position <= 0 {
		return false, apperrors.Validation(opImproveRanking, "position must be positive")
	}
	if _, err := tx.EnsureStats(userID); err != nil {
		return false, err
	}
	outcome := tx.db.Model(&UserStats{}).
		Where("user_id = ? AND (best_ranking = 0 OR best_ranking > ?)", userID, position).
		Update("best_ranking", position)
	if outcome.Error != nil {
		return false, classify(opImproveRanking, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		return false, nil
	}
	tx.touch(StatsPath(userID))
	return true, nil
}

// EnsureProfile returns the profile, creating a zero profile first if needed.
func (tx *Tx) EnsureProfile(userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, apperrors.Validation(opEnsureProfile, "user id is required")
	}
	profile := Profile{UserID: userID, UpdatedAt: tx.now}
	outcome := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&profile)
	if outcome.Error != nil {
		return Profile{}, classify(opEnsureProfile, outcome.Error)
	}
	if outcome.RowsAffected == 1 {
		tx.touch(ProfilePath(userID))
	}
	var loaded Profile
	if err := tx.db.Where("user_id = ?", userID).Take(&loaded).Error; err != nil {
		return Profile{}, classify(opEnsureProfile, err)
	}
	return loaded, nil
}

// AddExperience increments experience by event.Amount and appends event to the
// history. It returns the experience after the increment.
func (tx *Tx) AddExperience(event PointEvent) (int64, error) {
	if _, err := tx.EnsureProfile(event.UserID); err != nil {
		return 0, err
	}
	if err := tx.db.Model(&Profile{}).
		Where("user_id = ?", event.UserID).
		Updates(map[string]any{
			"experience": gorm.Expr("experience + ?", event.Amount),
			"updated_at": tx.now,
		}).Error; err != nil {
		return 0, classify(opAddExperience, err)
	}
	event.ID = 0
	event.CreatedAt = tx.now
	if err := tx.db.Create(&event).Error; err != nil {
		return 0, classify(opAddExperience, err)
	}
	var profile Profile
	if err := tx.db.Select("experience").Where("user_id = ?", event.UserID).Take(&profile).Error; err != nil {
		return 0, classify(opAddExperience, err)
	}
	tx.touch(ProfilePath(event.UserID))
	tx.touch(PointHistoryPath(event.UserID))
	return profile.Experience, nil
}

// LogWorkout records resultID for the user and bumps the logged counters. It
// reports false when the result was already logged.
func (tx *Tx) LogWorkout(userID, resultID string, level wod.Difficulty) (bool, error) {
	if resultID == "" {
		return false, apperrors.Validation(opLogWorkout, "result id is required")
	}
	if _, err := tx.EnsureProfile(userID); err != nil {
		return false, err
	}
	entry := WorkoutLog{UserID: userID, ResultID: resultID, Pending: true, LoggedAt: tx.now}
	outcome := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if outcome.Error != nil {
		return false, classify(opLogWorkout, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		return false, nil
	}
	updates := map[string]any{
		"workouts_logged": gorm.Expr("workouts_logged + 1"),
		"updated_at":      tx.now,
	}
	switch level {
	case wod.DifficultyRX:
		updates["rx_logged"] = gorm.Expr("rx_logged + 1")
	case wod.DifficultyScaled:
		updates["scaled_logged"] = gorm.Expr("scaled_logged + 1")
	case wod.DifficultyBeginner:
		updates["beginner_logged"] = gorm.Expr("beginner_logged + 1")
	}
	if err := tx.db.Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
		return false, classify(opLogWorkout, err)
	}
	tx.touch(ProfilePath(userID))
	return true, nil
}

// AwardWorkout commits event for a logged workout exactly once. It reports false,
// with the current experience, when the workout had already been awarded.
func (tx *Tx) AwardWorkout(resultID string, event PointEvent) (int64, bool, error) {
	outcome := tx.db.Model(&WorkoutLog{}).
		Where("user_id = ? AND result_id = ? AND pending = ?", event.UserID, resultID, true).
		Update("pending", false)
	if outcome.Error != nil {
		return 0, false, classify(opAwardWorkout, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		profile, err := tx.EnsureProfile(event.UserID)
		if err != nil {
			return 0, false, err
		}
		return profile.Experience, false, nil
	}
	experience, err := tx.AddExperience(event)
	if err != nil {
		return 0, false, err
	}
	return experience, true, nil
}

// SaveStreak replaces the profile streak with next only while the stored streak
// still equals expected. On a mismatch it reports false with the stored streak.
func (tx *Tx) SaveStreak(userID string, expected, next Streak) (Streak, bool, error) {
	if _, err := tx.EnsureProfile(userID); err != nil {
		return Streak{}, false, err
	}
	outcome := tx.db.Model(&Profile{}).
		Where("user_id = ? AND last_workout_date = ? AND current_streak = ?", userID, expected.LastWorkoutDate, expected.Current).
		Updates(map[string]any{
			"current_streak":    next.Current,
			"longest_streak":    next.Longest,
			"last_workout_date": next.LastWorkoutDate,
			"updated_at":        tx.now,
		})
	if outcome.Error != nil {
		return Streak{}, false, classify(opSaveStreak, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		var stored Profile
		if err := tx.db.Where("user_id = ?", userID).Take(&stored).Error; err != nil {
			return Streak{}, false, classify(opSaveStreak, err)
		}
		return Streak{Current: stored.CurrentStreak, Longest: stored.LongestStreak, LastWorkoutDate: stored.LastWorkoutDate}, false, nil
	}
	tx.touch(ProfilePath(userID))
	return next, true, nil
}

// UnlockAchievement adds achievementID to the user's set if absent.
func (tx *Tx) UnlockAchievement(userID, achievementID string) (bool, error) {
	if userID == "" || achievementID == "" {
		return false, apperrors.Validation(opUnlock, "user id and achievement id are required")
	}
	record := UserAchievement{UserID: userID, AchievementID: achievementID, UnlockedAt: tx.now}
	outcome := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if outcome.Error != nil {
		return false, classify(opUnlock, outcome.Error)
	}
	if outcome.RowsAffected == 0 {
		return false, nil
	}
	tx.touch(AchievementsPath(userID))
	return true, nil
}
