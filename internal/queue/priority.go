package queue

import (
	"time"

	"github.com/codearena/codearena/internal/models"
)

// Priority bounds and bonuses. Higher priority runs first; within a
// priority value jobs run FIFO by enqueue time.
const (
	recencyBonusMax    = 100
	recencyWindow      = time.Hour
	urgencyBonus       = 50
	urgencyWindow      = 30 * time.Minute
	fairnessBonusMax   = 25
	fairnessStep       = 5
	adminOverrideBonus = 1000
	compiledBonus      = 5
)

// PriorityInput collects the signals the priority function combines.
type PriorityInput struct {
	SubmittedAt time.Time
	ContestEnd  time.Time
	// TeamRecentSubmissions counts the team's submissions still pending,
	// used to keep one team from monopolizing the workers.
	TeamRecentSubmissions int
	AdminOverride         bool
	Language              models.Language
}

// ComputePriority returns the deterministic, nonnegative job priority.
func ComputePriority(now time.Time, in PriorityInput) int {
	priority := 0

	// Recency: up to +100, decaying linearly to zero over the first hour.
	age := now.Sub(in.SubmittedAt)
	if age < 0 {
		age = 0
	}
	if age < recencyWindow {
		priority += recencyBonusMax - int(float64(recencyBonusMax)*age.Seconds()/recencyWindow.Seconds())
	}

	// Urgency: submissions near the contest end jump the line.
	if !in.ContestEnd.IsZero() {
		remaining := in.ContestEnd.Sub(now)
		if remaining > 0 && remaining <= urgencyWindow {
			priority += urgencyBonus
		}
	}

	// Fairness: each already-pending submission from the same team costs
	// five points of bonus.
	if fair := fairnessBonusMax - fairnessStep*in.TeamRecentSubmissions; fair > 0 {
		priority += fair
	}

	if in.AdminOverride {
		priority += adminOverrideBonus
	}

	// Compiled languages finish faster on average, so bumping them
	// improves queue throughput.
	if in.Language.Compiled() {
		priority += compiledBonus
	}

	if priority < 0 {
		priority = 0
	}
	return priority
}
