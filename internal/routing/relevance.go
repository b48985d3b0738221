// ABOUTME: Relevance scoring for the relevance routing strategy.
// ABOUTME: Weighted sum over topic match, direct mention, and recent activity.

package routing

import (
	"slices"

	"github.com/2389/parley-hub/internal/messaging"
)

// Scoring weights. A topic match alone clears the default threshold, a
// direct mention lands exactly on it, and recency alone never does.
const (
	weightTopic   = 0.55
	weightMention = 0.25
	weightRecency = 0.20

	defaultRelevanceThreshold = 0.25

	// recencyHorizonSeconds is the idle span over which the recency
	// component decays from 1 to 0.
	recencyHorizonSeconds = 120.0
)

func relevanceScore(msg *messaging.Message, rec Recipient) float64 {
	score := 0.0

	if msg.Topic != "" && slices.Contains(rec.Topics, msg.Topic) {
		score += weightTopic
	}
	if slices.Contains(msg.Mentions(), rec.ParticipantID) {
		score += weightMention
	}

	recency := 1.0 - rec.IdleFor/recencyHorizonSeconds
	if recency < 0 {
		recency = 0
	}
	score += weightRecency * recency

	return score
}
