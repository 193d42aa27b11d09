package bandit

import (
	"fmt"
	"math"
	"math/rand"
)

// Strategy picks one arm from a non-empty, ID-sorted slice of eligible arms.
// totalPulls is the context-wide pull count; rng is the selector's injected
// random source. Implementations must not mutate the arms.
type Strategy interface {
	Name() string
	Select(arms []*Arm, totalPulls int64, rng *rand.Rand) *Arm
}

// NewStrategy builds a strategy by name. explorationParam feeds UCB1 and
// EXP3; epsilon feeds epsilon-greedy.
func NewStrategy(name string, explorationParam, epsilon float64) (Strategy, error) {
	switch name {
	case "ucb1":
		return UCB1{ExplorationParam: explorationParam}, nil
	case "epsilon_greedy":
		return EpsilonGreedy{Epsilon: epsilon}, nil
	case "thompson":
		return ThompsonSampling{}, nil
	case "exp3":
		return EXP3{Gamma: explorationParam}, nil
	default:
		return nil, fmt.Errorf("unknown bandit strategy %q", name)
	}
}

// UCB1 scores each arm by averageReward plus an exploration bonus of
// sqrt(explorationParam * ln(totalPulls) / pulls). Unseen arms score +Inf, so
// every arm is explored before any is preferred by score.
type UCB1 struct {
	ExplorationParam float64
}

// Name implements Strategy.
func (u UCB1) Name() string { return "ucb1" }

// Select implements Strategy.
func (u UCB1) Select(arms []*Arm, totalPulls int64, _ *rand.Rand) *Arm {
	best := arms[0]
	bestScore := math.Inf(-1)
	for _, arm := range arms {
		score := u.score(arm, totalPulls)
		if score > bestScore {
			bestScore = score
			best = arm
		}
	}
	return best
}

func (u UCB1) score(arm *Arm, totalPulls int64) float64 {
	if arm.Pulls == 0 {
		return math.Inf(1)
	}
	bonus := math.Sqrt(u.ExplorationParam * math.Log(float64(totalPulls)) / float64(arm.Pulls))
	return arm.AverageReward + bonus
}

// EpsilonGreedy explores uniformly at random with probability Epsilon and
// exploits the arg-max average reward otherwise.
type EpsilonGreedy struct {
	Epsilon float64
}

// Name implements Strategy.
func (e EpsilonGreedy) Name() string { return "epsilon_greedy" }

// Select implements Strategy.
func (e EpsilonGreedy) Select(arms []*Arm, _ int64, rng *rand.Rand) *Arm {
	if rng.Float64() < e.Epsilon {
		return arms[rng.Intn(len(arms))]
	}
	best := arms[0]
	for _, arm := range arms[1:] {
		if arm.AverageReward > best.AverageReward {
			best = arm
		}
	}
	return best
}

// ThompsonSampling samples each arm from a Beta distribution whose pseudo
// success/failure counts derive from accumulated rewards. With rewards in
// [-1, 1], each pull contributes (reward+1)/2 pseudo-successes, so
// alpha = 1 + (totalReward+pulls)/2 and beta = 1 + pulls - (totalReward+pulls)/2.
type ThompsonSampling struct{}

// Name implements Strategy.
func (ThompsonSampling) Name() string { return "thompson" }

// Select implements Strategy.
func (ThompsonSampling) Select(arms []*Arm, _ int64, rng *rand.Rand) *Arm {
	best := arms[0]
	bestSample := math.Inf(-1)
	for _, arm := range arms {
		successes := (arm.TotalReward + float64(arm.Pulls)) / 2
		if successes < 0 {
			successes = 0
		}
		failures := float64(arm.Pulls) - successes
		if failures < 0 {
			failures = 0
		}
		sample := sampleBeta(rng, 1+successes, 1+failures)
		if sample > bestSample {
			bestSample = sample
			best = arm
		}
	}
	return best
}

// EXP3 draws from a soft-max distribution over average rewards, mixed with a
// uniform component of weight Gamma so no arm's probability collapses to
// zero. Gamma doubles as the soft-max temperature: lower values exploit
// harder.
type EXP3 struct {
	Gamma float64
}

// Name implements Strategy.
func (e EXP3) Name() string { return "exp3" }

// Select implements Strategy.
func (e EXP3) Select(arms []*Arm, _ int64, rng *rand.Rand) *Arm {
	gamma := e.Gamma
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1
	}
	k := float64(len(arms))

	// Shift by the max before exponentiating to keep the weights finite.
	maxAvg := math.Inf(-1)
	for _, arm := range arms {
		if arm.AverageReward > maxAvg {
			maxAvg = arm.AverageReward
		}
	}
	weights := make([]float64, len(arms))
	var sum float64
	for i, arm := range arms {
		weights[i] = math.Exp((arm.AverageReward - maxAvg) / gamma)
		sum += weights[i]
	}

	probs := make([]float64, len(arms))
	for i := range weights {
		probs[i] = (1-gamma)*(weights[i]/sum) + gamma/k
	}

	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return arms[i]
		}
	}
	return arms[len(arms)-1]
}

// sampleBeta draws from Beta(alpha, beta) via two gamma draws.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang method,
// with the standard shape<1 boost.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Gamma(a) = Gamma(a+1) * U^(1/a)
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
