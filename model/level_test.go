package model

import (
	"slices"
	"testing"
)

func TestBudget(t *testing.T) {
	tests := []struct {
		level    ThinkingLevel
		model    string
		expected int
	}{
		{LevelMinimal, FlashModel, 0},
		{LevelLow, FlashModel, 2048},
		{LevelMedium, FlashModel, 8192},
		{LevelHigh, FlashModel, 16384},
		{LevelHigh, ProModel, 32768},
		{LevelLow, ProModel, 2048},
		{LevelHigh, "gpt-4o", 16384},
		{ThinkingLevel("extreme"), FlashModel, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.level)+"/"+tt.model, func(t *testing.T) {
			got := Budget(tt.level, tt.model)
			if got != tt.expected {
				t.Errorf("Budget(%q, %q) = %d, want %d", tt.level, tt.model, got, tt.expected)
			}
		})
	}
}

func TestValidLevels(t *testing.T) {
	pro := ValidLevels(ProModel)
	if !slices.Equal(pro, []ThinkingLevel{LevelLow, LevelHigh}) {
		t.Errorf("ValidLevels(pro) = %v", pro)
	}

	flash := ValidLevels(FlashModel)
	if len(flash) != 4 {
		t.Errorf("expected 4 levels for flash, got %v", flash)
	}

	// Callers must not be able to mutate the shared list.
	flash[0] = "mutated"
	if ValidLevels(FlashModel)[0] != LevelMinimal {
		t.Error("ValidLevels returned a shared slice")
	}
}

func TestConstrain(t *testing.T) {
	tests := []struct {
		name     string
		level    ThinkingLevel
		model    string
		fallback ThinkingLevel
		expected ThinkingLevel
	}{
		{"valid on flash", LevelMedium, FlashModel, LevelLow, LevelMedium},
		{"medium on pro", LevelMedium, ProModel, LevelLow, LevelLow},
		{"minimal on pro", LevelMinimal, ProModel, LevelHigh, LevelHigh},
		{"high on pro", LevelHigh, ProModel, LevelLow, LevelHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Constrain(tt.level, tt.model, tt.fallback)
			if got != tt.expected {
				t.Errorf("Constrain() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseThinkingLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected ThinkingLevel
	}{
		{"minimal", LevelMinimal},
		{"low", LevelLow},
		{"medium", LevelMedium},
		{"high", LevelHigh},
		{"HIGH", ""}, // case-sensitive
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseThinkingLevel(tt.input); got != tt.expected {
				t.Errorf("ParseThinkingLevel(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
