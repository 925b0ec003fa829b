// Package wod holds the workout-result domain shared by the aggregator, the
// gamification engine and the HTTP layer.
package wod

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Difficulty is the tier a workout was performed at.
type Difficulty string

const (
	DifficultyRX       Difficulty = "rx"
	DifficultyScaled   Difficulty = "scaled"
	DifficultyBeginner Difficulty = "beginner"
)

// Difficulties lists every tier in ranking-document order.
var Difficulties = []Difficulty{DifficultyRX, DifficultyScaled, DifficultyBeginner}

// ScoringType describes how a score is measured.
type ScoringType string

const (
	ScoringTime   ScoringType = "time"
	ScoringReps   ScoringType = "reps"
	ScoringRounds ScoringType = "rounds"
	ScoringWeight ScoringType = "weight"
)

const basePoints = 10.0

var (
	// ErrInvalidDifficulty indicates an unknown difficulty tier.
	ErrInvalidDifficulty = errors.New("wod: invalid difficulty")
	// ErrInvalidResult indicates a result that failed validation.
	ErrInvalidResult = errors.New("wod: invalid result")
)

// ParseDifficulty normalizes raw input into a Difficulty.
func ParseDifficulty(raw string) (Difficulty, error) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(raw))) {
	case DifficultyRX:
		return DifficultyRX, nil
	case DifficultyScaled:
		return DifficultyScaled, nil
	case DifficultyBeginner:
		return DifficultyBeginner, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDifficulty, raw)
	}
}

// Multiplier returns the leaderboard multiplier for the tier.
func (d Difficulty) Multiplier() float64 {
	switch d {
	case DifficultyRX:
		return 1.5
	case DifficultyScaled:
		return 1.2
	default:
		return 1.0
	}
}

// Points is the server-authoritative leaderboard point value of one result.
func Points(level Difficulty) int64 {
	return int64(math.Round(basePoints * level.Multiplier()))
}

// LowerIsBetter reports whether smaller scores win for the scoring type.
func (s ScoringType) LowerIsBetter() bool {
	return s == ScoringTime
}

// Better reports whether candidate strictly improves on current.
func (s ScoringType) Better(candidate, current float64) bool {
	if s.LowerIsBetter() {
		return candidate < current
	}
	return candidate > current
}

// Result is a logged workout result. Results are append-only.
type Result struct {
	ID          string      `json:"id" validate:"required,max=190"`
	UserID      string      `json:"userId" validate:"required,max=190"`
	WodID       string      `json:"wodId" validate:"required,max=190"`
	Score       float64     `json:"score" validate:"gte=0"`
	Level       Difficulty  `json:"level" validate:"required,oneof=rx scaled beginner"`
	ScoringType ScoringType `json:"scoringType" validate:"omitempty,oneof=time reps rounds weight"`
	Notes       string      `json:"notes,omitempty" validate:"max=2000"`
	CreatedAt   time.Time   `json:"createdAt" validate:"required"`
}

var resultValidator = validator.New()

// Validate checks the result against its field constraints.
func (r Result) Validate() error {
	if err := resultValidator.Struct(r); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			first := fieldErrors[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidResult, first.Field(), first.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	return nil
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// DaysBetween counts calendar days from a to b (both truncated to days).
func DaysBetween(a, b time.Time) int {
	from := Day(a)
	to := Day(b.In(a.Location()))
	fromUTC := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toUTC := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(toUTC.Sub(fromUTC).Hours() / 24)
}

// DateKey formats t as an ISO calendar date.
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
