package gamification

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
)

const opEvaluate = "gamification.evaluate_requirement"

// Rarity grades how hard an achievement is to unlock.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// RuleType names the statistic a requirement checks.
type RuleType string

const (
	RuleWodCount RuleType = "wod_count"
	RuleStreak   RuleType = "streak"
	RulePR       RuleType = "pr"
	RuleRanking  RuleType = "ranking"
	RuleRxCount  RuleType = "rx_count"
)

// Requirement is the unlock predicate of an achievement.
type Requirement struct {
	Type      RuleType `json:"type"`
	Threshold int64    `json:"threshold"`
}

// Achievement is an immutable catalog entry.
type Achievement struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
	Points      int64       `json:"points"`
	Rarity      Rarity      `json:"rarity"`
	Requirement Requirement `json:"requirement"`
}

// Facts are the statistics requirements are evaluated against.
type Facts struct {
	TotalWods       int64
	CurrentStreak   int
	PersonalRecords int64
	BestRanking     int
	RxCount         int64
}

// Progress reports how far a user is towards a requirement.
type Progress struct {
	Current  int64 `json:"current"`
	Required int64 `json:"required"`
}

// DefaultCatalog is the ordered achievement catalog.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{ID: "first_wod", Title: "Primer WOD", Description: "Completaste tu primer WOD", Icon: "🎯", Points: 50, Rarity: RarityCommon, Requirement: Requirement{Type: RuleWodCount, Threshold: 1}},
		{ID: "consistency_week", Title: "Consistencia Semanal", Description: "Completaste WODs 5 días seguidos", Icon: "📅", Points: 100, Rarity: RarityRare, Requirement: Requirement{Type: RuleStreak, Threshold: 5}},
		{ID: "top_10", Title: "Top 10", Description: "Alcanzaste el top 10 en un WOD", Icon: "🏆", Points: 150, Rarity: RarityEpic, Requirement: Requirement{Type: RuleRanking, Threshold: 10}},
		{ID: "rx_master", Title: "Maestro RX", Description: "Completaste 10 WODs en nivel RX", Icon: "💪", Points: 200, Rarity: RarityEpic, Requirement: Requirement{Type: RuleRxCount, Threshold: 10}},
		{ID: "wod_50", Title: "Medio Centenar", Description: "Completaste 50 WODs", Icon: "🔥", Points: 250, Rarity: RarityRare, Requirement: Requirement{Type: RuleWodCount, Threshold: 50}},
		{ID: "pr_hunter", Title: "Cazador de Récords", Description: "Tienes 5 marcas personales", Icon: "⚡", Points: 120, Rarity: RarityRare, Requirement: Requirement{Type: RulePR, Threshold: 5}},
		{ID: "streak_30", Title: "Imparable", Description: "Completaste WODs 30 días seguidos", Icon: "👑", Points: 500, Rarity: RarityLegendary, Requirement: Requirement{Type: RuleStreak, Threshold: 30}},
	}
}

// Satisfied evaluates the requirement against facts. A ranking requirement holds
// when the best position is numerically at or below the threshold; 0 means never ranked.
func (r Requirement) Satisfied(facts Facts) (bool, error) {
	if r.Threshold <= 0 {
		return false, apperrors.Validation(opEvaluate, fmt.Sprintf("threshold must be positive for %s", r.Type))
	}
	switch r.Type {
	case RuleWodCount:
		return facts.TotalWods >= r.Threshold, nil
	case RuleStreak:
		return int64(facts.CurrentStreak) >= r.Threshold, nil
	case RulePR:
		return facts.PersonalRecords >= r.Threshold, nil
	case RuleRxCount:
		return facts.RxCount >= r.Threshold, nil
	case RuleRanking:
		return facts.BestRanking > 0 && int64(facts.BestRanking) <= r.Threshold, nil
	default:
		return false, apperrors.Validation(opEvaluate, fmt.Sprintf("unknown requirement type %q", r.Type))
	}
}

// ProgressOf reports the current value of the requirement's statistic.
func (r Requirement) ProgressOf(facts Facts) Progress {
	progress := Progress{Required: r.Threshold}
	switch r.Type {
	case RuleWodCount:
		progress.Current = facts.TotalWods
	case RuleStreak:
		progress.Current = int64(facts.CurrentStreak)
	case RulePR:
		progress.Current = facts.PersonalRecords
	case RuleRxCount:
		progress.Current = facts.RxCount
	case RuleRanking:
		progress.Current = int64(facts.BestRanking)
	}
	return progress
}
