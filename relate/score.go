package relate

import (
	"math"
	"time"

	"github.com/migadu/rolo/db"
)

// ScoreStrategy computes relationship strength from interaction aggregates.
// Scores are in [0, 1] and only ever compared against each other, so the
// strategy can be swapped without migrating stored data; the next recompute
// rewrites every touched contact.
type ScoreStrategy interface {
	Score(stats *db.InteractionStats, now time.Time) float64
}

// DefaultScore blends three signals:
//
//	frequency: log-scaled interaction volume, so the tenth message matters
//	           more than the thousandth
//	recency:   exponential decay over daysSinceLastInteraction
//	balance:   two-way conversations outrank one-way mail streams
//
// Each term is monotonic: more interactions, more recent contact, and a more
// even sent/received split never lower the score.
type DefaultScore struct {
	// HalfLifeDays controls recency decay; after this many quiet days the
	// recency term halves. Zero means 90.
	HalfLifeDays float64
}

func (s DefaultScore) Score(stats *db.InteractionStats, now time.Time) float64 {
	total := stats.SentCount + stats.ReceivedCount
	if total == 0 || stats.LastSeenAt == nil {
		return 0
	}

	halfLife := s.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 90
	}

	frequency := 1 - 1/(1+math.Log1p(float64(total)))

	quietDays := now.Sub(*stats.LastSeenAt).Hours() / 24
	if quietDays < 0 {
		quietDays = 0
	}
	recency := math.Exp(-math.Ln2 * quietDays / halfLife)

	balance := 0.0
	if total > 0 {
		balance = 2 * float64(min64(stats.SentCount, stats.ReceivedCount)) / float64(total)
	}

	return 0.45*frequency + 0.40*recency + 0.15*balance
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
