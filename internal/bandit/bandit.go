// Package bandit implements multi-armed bandit strategy selection with a
// safety filter. One Selector owns the arm tables for all context keys; a
// context's bandit state is created lazily on first use and lives for the
// program lifetime.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoArms is returned when selection runs against a context with no
// registered arms.
var ErrNoArms = errors.New("no arms registered")

// ErrUnknownArm is returned when an update names an arm that was never
// registered.
var ErrUnknownArm = errors.New("unknown arm")

var banditPulls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helmsman_bandit_pulls_total",
		Help: "Total bandit arm pulls by context and arm.",
	},
	[]string{"context", "arm"},
)

func init() {
	prometheus.MustRegister(banditPulls)
}

// Arm is one selectable improvement strategy and its running statistics.
type Arm struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	RiskScore       float64    `json:"risk_score"`
	Pulls           int64      `json:"pulls"`
	TotalReward     float64    `json:"total_reward"`
	AverageReward   float64    `json:"average_reward"`
	ConfidenceBound float64    `json:"confidence_bound,omitempty"`
	LastPulledAt    *time.Time `json:"last_pulled_at,omitempty"`
}

// Selection is the result of choosing an arm. Fallback is set when every arm
// failed the safety filter and the lowest-risk arm was chosen instead.
type Selection struct {
	Arm      Arm  `json:"arm"`
	Fallback bool `json:"fallback"`
}

// Report is a point-in-time snapshot of one context's bandit state.
type Report struct {
	ContextKey string `json:"context_key"`
	Strategy   string `json:"strategy"`
	TotalPulls int64  `json:"total_pulls"`
	Fallbacks  int64  `json:"fallbacks"`
	Arms       []Arm  `json:"arms"`
}

// Persister saves arm statistics on every mutation and loads them on first
// touch of a context. Implementations are optional; a nil Persister keeps
// everything in memory.
type Persister interface {
	LoadArms(ctx context.Context, contextKey string) ([]Arm, error)
	SaveArm(ctx context.Context, contextKey string, arm Arm) error
}

// Config holds selector tuning.
type Config struct {
	// MinPullsBeforeExploitation keeps an arm eligible regardless of its
	// average reward until it has been pulled this many times.
	MinPullsBeforeExploitation int64
	// SafetyThreshold is the minimum average reward for a warmed-up arm to
	// stay eligible.
	SafetyThreshold float64
	// ExplorationParam feeds the UCB1 confidence bound recomputed on update.
	ExplorationParam float64
}

// DefaultConfig returns the default selector tuning.
func DefaultConfig() Config {
	return Config{
		MinPullsBeforeExploitation: 5,
		SafetyThreshold:            -0.1,
		ExplorationParam:           2.0,
	}
}

// contextState is the bandit state for one context key: the owned arm map
// plus the total pull count across its arms.
type contextState struct {
	arms       map[string]*Arm
	totalPulls int64
	fallbacks  int64
	loaded     bool
}

// Selector tracks per-arm statistics and picks the next strategy under a
// pluggable policy. Selection and update are serialized by a single mutex
// over the arm tables, so the two together form an atomic read-modify-write
// per arm.
type Selector struct {
	strategy  Strategy
	config    Config
	persister Persister
	logger    *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	contexts map[string]*contextState
}

// NewSelector creates a selector. rng must be non-nil so strategy behavior is
// reproducible under test; persister may be nil.
func NewSelector(strategy Strategy, config Config, rng *rand.Rand, persister Persister, logger *slog.Logger) *Selector {
	return &Selector{
		strategy:  strategy,
		config:    config,
		persister: persister,
		logger:    logger,
		rng:       rng,
		contexts:  make(map[string]*contextState),
	}
}

// RegisterArm adds an arm to a context if it does not already exist.
func (s *Selector) RegisterArm(ctx context.Context, contextKey, id, description string, riskScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.contextLocked(ctx, contextKey)
	if err != nil {
		return err
	}
	if _, exists := cs.arms[id]; exists {
		return nil
	}
	cs.arms[id] = &Arm{ID: id, Description: description, RiskScore: riskScore}
	return nil
}

// Select chooses the next arm for a context. The pull itself is not counted
// here; Update owns all statistics mutation, so a rejected proposal consumes
// no pull.
func (s *Selector) Select(ctx context.Context, contextKey string) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.contextLocked(ctx, contextKey)
	if err != nil {
		return Selection{}, err
	}
	if len(cs.arms) == 0 {
		return Selection{}, fmt.Errorf("%w: context %q", ErrNoArms, contextKey)
	}

	eligible := make([]*Arm, 0, len(cs.arms))
	for _, arm := range cs.arms {
		if arm.Pulls < s.config.MinPullsBeforeExploitation || arm.AverageReward >= s.config.SafetyThreshold {
			eligible = append(eligible, arm)
		}
	}

	if len(eligible) == 0 {
		// Every arm is below the safety threshold; fall back to the
		// lowest-risk arm rather than refusing to act.
		arm := lowestRisk(cs.arms)
		cs.fallbacks++
		s.logger.Warn("bandit safety fallback",
			"context", contextKey,
			"arm", arm.ID,
			"risk_score", arm.RiskScore,
		)
		return Selection{Arm: *arm, Fallback: true}, nil
	}

	sortArms(eligible)
	arm := s.strategy.Select(eligible, cs.totalPulls, s.rng)
	return Selection{Arm: *arm}, nil
}

// Update feeds a reward back to an arm: increments pulls, accumulates reward,
// recomputes the average and the UCB1 confidence bound, and persists the arm.
func (s *Selector) Update(ctx context.Context, contextKey, armID string, reward float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.contextLocked(ctx, contextKey)
	if err != nil {
		return err
	}
	arm, ok := cs.arms[armID]
	if !ok {
		return fmt.Errorf("%w: %q in context %q", ErrUnknownArm, armID, contextKey)
	}

	now := time.Now().UTC()
	arm.Pulls++
	arm.TotalReward += reward
	arm.AverageReward = arm.TotalReward / float64(arm.Pulls)
	arm.LastPulledAt = &now
	cs.totalPulls++
	arm.ConfidenceBound = ucbBound(arm, cs.totalPulls, s.config.ExplorationParam)

	banditPulls.WithLabelValues(contextKey, armID).Inc()

	if s.persister != nil {
		if err := s.persister.SaveArm(ctx, contextKey, *arm); err != nil {
			return fmt.Errorf("save arm %q: %w", armID, err)
		}
	}
	return nil
}

// Report returns a snapshot of a context's arm statistics, highest average
// reward first.
func (s *Selector) Report(ctx context.Context, contextKey string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.contextLocked(ctx, contextKey)
	if err != nil {
		return Report{}, err
	}

	arms := make([]Arm, 0, len(cs.arms))
	for _, arm := range cs.arms {
		arms = append(arms, *arm)
	}
	sort.Slice(arms, func(i, j int) bool {
		if arms[i].AverageReward != arms[j].AverageReward {
			return arms[i].AverageReward > arms[j].AverageReward
		}
		return arms[i].ID < arms[j].ID
	})

	return Report{
		ContextKey: contextKey,
		Strategy:   s.strategy.Name(),
		TotalPulls: cs.totalPulls,
		Fallbacks:  cs.fallbacks,
		Arms:       arms,
	}, nil
}

// contextLocked returns the state for a context key, creating it lazily and
// loading persisted arms on first touch. Must be called with the mutex held.
func (s *Selector) contextLocked(ctx context.Context, contextKey string) (*contextState, error) {
	cs, ok := s.contexts[contextKey]
	if !ok {
		cs = &contextState{arms: make(map[string]*Arm)}
		s.contexts[contextKey] = cs
	}
	if !cs.loaded {
		cs.loaded = true
		if s.persister != nil {
			arms, err := s.persister.LoadArms(ctx, contextKey)
			if err != nil {
				return nil, fmt.Errorf("load arms for %q: %w", contextKey, err)
			}
			for _, a := range arms {
				arm := a
				cs.arms[arm.ID] = &arm
				cs.totalPulls += arm.Pulls
			}
		}
	}
	return cs, nil
}

// ucbBound computes the UCB1 exploration bound for an arm.
func ucbBound(arm *Arm, totalPulls int64, explorationParam float64) float64 {
	if arm.Pulls == 0 || totalPulls == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(explorationParam * math.Log(float64(totalPulls)) / float64(arm.Pulls))
}

// lowestRisk returns the arm with the lowest risk score, breaking ties by ID
// so the fallback is deterministic.
func lowestRisk(arms map[string]*Arm) *Arm {
	var best *Arm
	for _, arm := range arms {
		if best == nil || arm.RiskScore < best.RiskScore ||
			(arm.RiskScore == best.RiskScore && arm.ID < best.ID) {
			best = arm
		}
	}
	return best
}

// sortArms orders arms by ID so strategy iteration is deterministic under a
// seeded random source.
func sortArms(arms []*Arm) {
	sort.Slice(arms, func(i, j int) bool { return arms[i].ID < arms[j].ID })
}
