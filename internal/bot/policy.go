// Package bot is the autonomous participant layer: a supervisor, two bot
// archetypes (lobby host and player), and the pure decision policies they
// delegate to. Bots go through the same session and combat entry points as
// human clients.
package bot

import (
	"math/rand"
)

type DecisionKind string

const (
	DecideAttack  DecisionKind = "attack"
	DecideHeal    DecisionKind = "heal"
	DecideMove    DecisionKind = "move"
	DecideEndTurn DecisionKind = "end-turn"
)

type Decision struct {
	Kind       DecisionKind
	TargetID   string
	TargetTile int
}

type TargetInfo struct {
	ID        string
	CurrentHP int
	MaxHP     int
	TileIndex int
	Distance  int
}

// CombatContext is the slice of battle state a policy scores over.
type CombatContext struct {
	SelfHP     int
	SelfMaxHP  int
	SelfAP     int
	SelfTile   int
	AttackCost int
	HealCost   int
	CanHeal    bool
	Reach      int
	Targets    []TargetInfo
}

// CombatPolicy scores attack, heal, move and end-turn candidates and picks
// the best, with a skill-gated chance of taking the runner-up instead.
// Aggressiveness shifts weight from self-preservation toward damage; Skill
// is the probability of actually taking the top-scored action. Both in
// [0, 1].
type CombatPolicy struct {
	Aggressiveness float64
	Skill          float64
	AvgDamage      float64
	rng            *rand.Rand
}

func NewCombatPolicy(aggressiveness, skill float64, rng *rand.Rand) *CombatPolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &CombatPolicy{
		Aggressiveness: clamp01(aggressiveness),
		Skill:          clamp01(skill),
		AvgDamage:      8,
		rng:            rng,
	}
}

type scored struct {
	decision Decision
	score    float64
}

func (p *CombatPolicy) Decide(bc CombatContext) Decision {
	candidates := []scored{{decision: Decision{Kind: DecideEndTurn}, score: 0.05}}

	if bc.CanHeal && bc.SelfAP >= bc.HealCost && bc.SelfMaxHP > 0 {
		missing := 1 - float64(bc.SelfHP)/float64(bc.SelfMaxHP)
		candidates = append(candidates, scored{
			decision: Decision{Kind: DecideHeal},
			score:    missing * (1.3 - p.Aggressiveness),
		})
	}

	for _, t := range bc.Targets {
		if t.MaxHP <= 0 || t.CurrentHP <= 0 {
			continue
		}
		if bc.SelfAP >= bc.AttackCost && t.Distance <= bc.Reach {
			hit := HitChance(t.Distance)
			expected := hit * p.AvgDamage / float64(t.MaxHP)
			finish := 1 - float64(t.CurrentHP)/float64(t.MaxHP)
			candidates = append(candidates, scored{
				decision: Decision{Kind: DecideAttack, TargetID: t.ID},
				score:    (0.4 + p.Aggressiveness) * (expected + 0.5*finish),
			})
		}
		if t.Distance > bc.Reach && bc.SelfAP > bc.AttackCost {
			candidates = append(candidates, scored{
				decision: Decision{Kind: DecideMove, TargetTile: stepToward(bc.SelfTile, t.TileIndex)},
				score:    0.15 + 0.1*p.Aggressiveness,
			})
		}
	}

	best, second := rank(candidates)
	if second != nil && p.rng.Float64() > p.Skill {
		return second.decision
	}
	return best.decision
}

// HitChance is a coarse range falloff, not a combat resolver: clients report
// real outcomes, this only orders the bot's preferences.
func HitChance(distance int) float64 {
	chance := 0.95 - 0.07*float64(distance)
	if chance < 0.05 {
		return 0.05
	}
	if chance > 0.95 {
		return 0.95
	}
	return chance
}

func rank(candidates []scored) (best, second *scored) {
	for i := range candidates {
		c := &candidates[i]
		switch {
		case best == nil || c.score > best.score:
			second = best
			best = c
		case second == nil || c.score > second.score:
			second = c
		}
	}
	return best, second
}

func stepToward(from, to int) int {
	switch {
	case to > from:
		return from + 1
	case to < from:
		return from - 1
	default:
		return from
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ExplorePolicy walks the map outside combat: it counts visits per tile and
// prefers the least-visited adjacent tile, breaking ties at random.
type ExplorePolicy struct {
	visited map[int]int
	rng     *rand.Rand
}

func NewExplorePolicy(rng *rand.Rand) *ExplorePolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &ExplorePolicy{visited: make(map[int]int), rng: rng}
}

// Next picks the destination among adjacent tiles and records the visit.
// With no adjacency to prefer it falls back to a uniform random pick; with
// no adjacent tiles at all it stays put.
func (p *ExplorePolicy) Next(current int, adjacent []int) int {
	p.visited[current]++
	if len(adjacent) == 0 {
		return current
	}

	best := make([]int, 0, len(adjacent))
	min := -1
	for _, tile := range adjacent {
		n := p.visited[tile]
		switch {
		case min < 0 || n < min:
			min = n
			best = best[:0]
			best = append(best, tile)
		case n == min:
			best = append(best, tile)
		}
	}
	return best[p.rng.Intn(len(best))]
}
