package orchestrator

import "strings"

// lowerIsBetter marks metric name prefixes where a decrease is an
// improvement. Everything else counts increases as improvements.
var lowerIsBetter = []string{
	"latency",
	"error",
	"cost",
	"memory",
	"cpu",
	"queue_depth",
}

// ComputeImprovement reduces a before/after metrics pair to the canonical
// improvement scalar: the arithmetic mean of signed relative change over the
// metric keys present in both snapshots, with lower-is-better metrics
// contributing the negated change. Metrics with a zero baseline are skipped.
// The result is positive for a net improvement and is not yet clipped to the
// bandit's reward domain; see ClipReward.
func ComputeImprovement(before, after map[string]float64) float64 {
	var sum float64
	var n int
	for name, b := range before {
		a, ok := after[name]
		if !ok || b == 0 {
			continue
		}
		change := (a - b) / b
		if metricLowerIsBetter(name) {
			change = -change
		}
		sum += change
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ClipReward clamps an improvement scalar to the bandit's [-1, 1] reward
// domain.
func ClipReward(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func metricLowerIsBetter(name string) bool {
	for _, prefix := range lowerIsBetter {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
