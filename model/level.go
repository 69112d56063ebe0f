// Package model resolves model names to backend endpoints and maps thinking
// levels onto per-model token budgets.
package model

import "slices"

// ThinkingLevel is a coarse reasoning-effort setting.
type ThinkingLevel string

const (
	// LevelMinimal disables extended reasoning.
	LevelMinimal ThinkingLevel = "minimal"

	// LevelLow is a small reasoning budget.
	LevelLow ThinkingLevel = "low"

	// LevelMedium is a moderate reasoning budget.
	LevelMedium ThinkingLevel = "medium"

	// LevelHigh is the largest budget the model supports.
	LevelHigh ThinkingLevel = "high"
)

// ProModel is the one built-in model with a restricted level set and a
// larger high budget.
const ProModel = "gemini-3-pro-preview"

// FlashModel is the default model.
const FlashModel = "gemini-3-flash-preview"

var allLevels = []ThinkingLevel{LevelMinimal, LevelLow, LevelMedium, LevelHigh}

// IsValid checks if a level string is a known level.
func (l ThinkingLevel) IsValid() bool {
	return slices.Contains(allLevels, l)
}

// String returns the string representation of the level.
func (l ThinkingLevel) String() string {
	return string(l)
}

// ParseThinkingLevel converts a string to a ThinkingLevel, returning empty for invalid values.
func ParseThinkingLevel(s string) ThinkingLevel {
	l := ThinkingLevel(s)
	if l.IsValid() {
		return l
	}
	return ""
}

// ValidLevels returns the levels a model accepts.
func ValidLevels(model string) []ThinkingLevel {
	if model == ProModel {
		return []ThinkingLevel{LevelLow, LevelHigh}
	}
	return slices.Clone(allLevels)
}

// Budget returns the thinking-token budget for level on model.
// Zero disables reasoning.
func Budget(level ThinkingLevel, model string) int {
	switch level {
	case LevelLow:
		return 2048
	case LevelMedium:
		return 8192
	case LevelHigh:
		if model == ProModel {
			return 32768
		}
		return 16384
	default:
		return 0
	}
}

// Constrain returns level if model accepts it and fallback otherwise.
func Constrain(level ThinkingLevel, model string, fallback ThinkingLevel) ThinkingLevel {
	if slices.Contains(ValidLevels(model), level) {
		return level
	}
	return fallback
}
