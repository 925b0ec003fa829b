package wod

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointsUsesTierMultiplier(t *testing.T) {
	assert.Equal(t, int64(15), Points(DifficultyRX))
	assert.Equal(t, int64(12), Points(DifficultyScaled))
	assert.Equal(t, int64(10), Points(DifficultyBeginner))
}

func TestParseDifficultyNormalizes(t *testing.T) {
	level, err := ParseDifficulty(" RX ")
	require.NoError(t, err)
	assert.Equal(t, DifficultyRX, level)

	_, err = ParseDifficulty("elite")
	assert.True(t, errors.Is(err, ErrInvalidDifficulty))
}

func TestBetterDependsOnScoringType(t *testing.T) {
	assert.True(t, ScoringTime.Better(290, 300))
	assert.False(t, ScoringTime.Better(300, 300))
	assert.True(t, ScoringReps.Better(120, 100))
	assert.False(t, ScoringWeight.Better(80, 100))
	assert.True(t, ScoringType("").Better(5, 4))
}

func TestResultValidate(t *testing.T) {
	result := Result{
		ID:        "result-1",
		UserID:    "user-1",
		WodID:     "fran",
		Score:     180,
		Level:     DifficultyRX,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, result.Validate())

	result.Level = "elite"
	err := result.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestDaysBetweenIgnoresTimeOfDay(t *testing.T) {
	loc := time.FixedZone("test", -5*3600)
	late := time.Date(2026, 3, 1, 23, 59, 0, 0, loc)
	early := time.Date(2026, 3, 2, 0, 1, 0, 0, loc)

	assert.Equal(t, 1, DaysBetween(late, early))
	assert.Equal(t, 0, DaysBetween(early, early.Add(time.Hour)))
	assert.Equal(t, 31, DaysBetween(late, time.Date(2026, 4, 1, 8, 0, 0, 0, loc)))
}
