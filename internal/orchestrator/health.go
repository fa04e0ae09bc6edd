package orchestrator

import (
	"time"

	"github.com/clawinfra/autoheal/internal/learning"
)

// healthWindow bounds how many recent data points feed the score.
const healthWindow = 200

// HealthScore is the recency-weighted success share of points, between 0
// and 1. A point's weight is 1/(1+age in hours). No data scores 1.
func HealthScore(points []learning.DataPoint, now time.Time) float64 {
	if len(points) > healthWindow {
		points = points[len(points)-healthWindow:]
	}
	var weightedSum, totalWeight float64
	for _, p := range points {
		age := now.Sub(p.Timestamp).Hours()
		if age < 0 {
			age = 0
		}
		weight := 1.0 / (1.0 + age)
		if p.Success {
			weightedSum += weight
		}
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 1.0
	}
	return weightedSum / totalWeight
}
