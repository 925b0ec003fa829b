package store

import (
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
)

// UserStats is the server-authoritative aggregate for one user. Counters are only
// ever changed through transactional increments or a full recompute.
type UserStats struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	TotalWods     int64     `gorm:"column:total_wods;not null;default:0" json:"totalWods"`
	CompletedWods int64     `gorm:"column:completed_wods;not null;default:0" json:"completedWods"`
	Points        int64     `gorm:"column:points;not null;default:0" json:"points"`
	RxCount       int64     `gorm:"column:rx_count;not null;default:0" json:"rxCount"`
	ScaledCount   int64     `gorm:"column:scaled_count;not null;default:0" json:"scaledCount"`
	BeginnerCount int64     `gorm:"column:beginner_count;not null;default:0" json:"beginnerCount"`
	BestRanking   int       `gorm:"column:best_ranking;not null;default:0" json:"bestRanking"`
	LastUpdated   time.Time `gorm:"column:last_updated;not null" json:"lastUpdated"`

	PersonalBests map[string]PersonalBestEntry `gorm:"-" json:"personalBests"`
}

// TableName provides the explicit table binding for GORM.
func (UserStats) TableName() string {
	return "user_stats"
}

// TierTotal sums the per-difficulty counters.
func (s UserStats) TierTotal() int64 {
	return s.RxCount + s.ScaledCount + s.BeginnerCount
}

// PersonalBestEntry is the JSON view of a personal best.
type PersonalBestEntry struct {
	Score float64   `json:"score"`
	Date  time.Time `json:"date"`
}

// PersonalBest is the best score a user holds for one workout.
type PersonalBest struct {
	UserID      string          `gorm:"column:user_id;primaryKey;size:190;not null"`
	WodID       string          `gorm:"column:wod_id;primaryKey;size:190;not null"`
	Score       float64         `gorm:"column:score;not null"`
	ScoringType wod.ScoringType `gorm:"column:scoring_type;size:16;not null;default:''"`
	ResultID    string          `gorm:"column:result_id;size:190;not null"`
	AchievedAt  time.Time       `gorm:"column:achieved_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PersonalBest) TableName() string {
	return "personal_bests"
}

// ResultRecord persists an append-only workout result.
type ResultRecord struct {
	ID          string          `gorm:"column:id;primaryKey;size:190;not null"`
	UserID      string          `gorm:"column:user_id;size:190;not null;index:idx_results_user_created,priority:1"`
	WodID       string          `gorm:"column:wod_id;size:190;not null;index"`
	Score       float64         `gorm:"column:score;not null"`
	Level       wod.Difficulty  `gorm:"column:level;size:16;not null"`
	ScoringType wod.ScoringType `gorm:"column:scoring_type;size:16;not null;default:''"`
	Notes       string          `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null;index:idx_results_user_created,priority:2;index:idx_results_created"`
}

// TableName provides the explicit table binding for GORM.
func (ResultRecord) TableName() string {
	return "wod_results"
}

func (r ResultRecord) toDomain() wod.Result {
	return wod.Result{
		ID:          r.ID,
		UserID:      r.UserID,
		WodID:       r.WodID,
		Score:       r.Score,
		Level:       r.Level,
		ScoringType: r.ScoringType,
		Notes:       r.Notes,
		CreatedAt:   r.CreatedAt,
	}
}

func recordFromDomain(result wod.Result) ResultRecord {
	return ResultRecord{
		ID:          result.ID,
		UserID:      result.UserID,
		WodID:       result.WodID,
		Score:       result.Score,
		Level:       result.Level,
		ScoringType: result.ScoringType,
		Notes:       result.Notes,
		CreatedAt:   result.CreatedAt.UTC(),
	}
}

// Profile mirrors the gamification engine's per-user state.
type Profile struct {
	UserID          string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	Experience      int64     `gorm:"column:experience;not null;default:0" json:"experience"`
	CurrentStreak   int       `gorm:"column:current_streak;not null;default:0" json:"currentStreak"`
	LongestStreak   int       `gorm:"column:longest_streak;not null;default:0" json:"longestStreak"`
	LastWorkoutDate string    `gorm:"column:last_workout_date;size:10;not null;default:''" json:"lastWorkoutDate"`
	WorkoutsLogged  int64     `gorm:"column:workouts_logged;not null;default:0" json:"workoutsLogged"`
	RxLogged        int64     `gorm:"column:rx_logged;not null;default:0" json:"rxLogged"`
	ScaledLogged    int64     `gorm:"column:scaled_logged;not null;default:0" json:"scaledLogged"`
	BeginnerLogged  int64     `gorm:"column:beginner_logged;not null;default:0" json:"beginnerLogged"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "gamification_profiles"
}

// PointEvent is one entry of the experience history log.
type PointEvent struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index" json:"-"`
	Amount     int64     `gorm:"column:amount;not null" json:"amount"`
	BaseAmount int64     `gorm:"column:base_amount;not null" json:"baseAmount"`
	Multiplier float64   `gorm:"column:multiplier;not null" json:"multiplier"`
	Reason     string    `gorm:"column:reason;size:190;not null" json:"reason"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (PointEvent) TableName() string {
	return "point_history"
}

// UserAchievement is a monotonic unlock record.
type UserAchievement struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	AchievementID string    `gorm:"column:achievement_id;primaryKey;size:64;not null" json:"achievementId"`
	UnlockedAt    time.Time `gorm:"column:unlocked_at;not null" json:"unlockedAt"`
}

// TableName provides the explicit table binding for GORM.
func (UserAchievement) TableName() string {
	return "user_achievements"
}

// WorkoutLog records which results the engine already counted. Pending stays
// set until the workout's experience is committed.
type WorkoutLog struct {
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	ResultID string    `gorm:"column:result_id;primaryKey;size:190;not null"`
	Pending  bool      `gorm:"column:pending;not null;default:false;index"`
	LoggedAt time.Time `gorm:"column:logged_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WorkoutLog) TableName() string {
	return "workout_logs"
}

// ProcessedEvent marks the document a trigger announced as applied by one
// handler. EventID holds the document id, not the delivery id.
type ProcessedEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	Handler     string    `gorm:"column:handler;primaryKey;size:64;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// DailyRanking stores the grouped rankings of one calendar day.
type DailyRanking struct {
	Date        string    `gorm:"column:date;primaryKey;size:10;not null"`
	PayloadJSON string    `gorm:"column:payload_json;type:text;not null"`
	GeneratedAt time.Time `gorm:"column:generated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyRanking) TableName() string {
	return "daily_rankings"
}

// Models lists every table owned by the store, in migration order.
func Models() []any {
	return []any{
		&UserStats{},
		&PersonalBest{},
		&ResultRecord{},
		&Profile{},
		&PointEvent{},
		&UserAchievement{},
		&WorkoutLog{},
		&ProcessedEvent{},
		&DailyRanking{},
	}
}
