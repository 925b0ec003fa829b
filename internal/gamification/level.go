package gamification

import "math"

// PointsPerLevel is the experience needed to advance one level.
const PointsPerLevel = 100

const (
	streakBonusStep = 0.1
	streakBonusCap  = 2.0
)

var levelTitles = []string{
	"Novato",
	"Aprendiz",
	"Atleta",
	"Competidor",
	"Avanzado",
	"Elite",
	"Campeón",
	"Leyenda",
}

// Level is derived from experience and never stored.
type Level struct {
	Current     int    `json:"current"`
	Title       string `json:"title"`
	Progress    int64  `json:"progress"`
	NextLevelAt int64  `json:"nextLevelAt"`
}

// LevelFor derives the level reached with experience points.
func LevelFor(experience int64) Level {
	if experience < 0 {
		experience = 0
	}
	current := int(experience/PointsPerLevel) + 1
	return Level{
		Current:     current,
		Title:       levelTitle(current),
		Progress:    experience % PointsPerLevel,
		NextLevelAt: int64(current) * PointsPerLevel,
	}
}

func levelTitle(level int) string {
	index := level - 1
	if index < 0 {
		index = 0
	}
	if index >= len(levelTitles) {
		index = len(levelTitles) - 1
	}
	return levelTitles[index]
}

// StreakBonus is the experience multiplier for a streak of the given length:
// 10% per streak day, capped at 2x.
func StreakBonus(streak int) float64 {
	if streak < 0 {
		streak = 0
	}
	return math.Min(1+streakBonusStep*float64(streak), streakBonusCap)
}

// BonusPoints applies the streak multiplier to amount.
func BonusPoints(amount int64, streak int) int64 {
	return int64(math.Round(float64(amount) * StreakBonus(streak)))
}
