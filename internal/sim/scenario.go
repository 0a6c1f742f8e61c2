// Package sim generates synthetic moderation traffic for the smoke tool.
package sim

import (
	"fmt"
	"math/rand"
	"time"

	"modguard.org/internal/action"
)

type Actor struct {
	ID    string
	Label string
}

type Submission struct {
	Nonce    string
	Kind     action.Kind
	ActorID  string
	GroupID  string
	TargetID string
	Reason   string
}

type Scenario struct {
	Name    string
	GroupID string
	Owner   Actor
	Admins  []Actor
	Members []Actor
	Reasons []string
}

func ModerationBurstScenario() Scenario {
	return Scenario{
		Name:    "ModerationBurst",
		GroupID: "group-smoke-001",
		Owner:   Actor{ID: "user-owner-001", Label: "Group owner"},
		Admins: []Actor{
			{ID: "user-admin-001", Label: "Night shift admin"},
			{ID: "user-admin-002", Label: "Day shift admin"},
		},
		Members: []Actor{
			{ID: "user-member-001", Label: "Regular"},
			{ID: "user-member-002", Label: "Regular"},
			{ID: "user-member-003", Label: "Repeat offender"},
			{ID: "user-member-004", Label: "Spam account"},
		},
		Reasons: []string{
			"spam links in general channel",
			"flood after repeated warnings",
			"abusive replies to moderators",
		},
	}
}

type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
	seq      int
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{scenario: ModerationBurstScenario(), rnd: rand.New(rand.NewSource(seed))}
}

var smokeKinds = []action.Kind{
	action.KindWarn,
	action.KindMute,
	action.KindUnmute,
	action.KindKick,
	action.KindBan,
	action.KindUnban,
	action.KindPin,
	action.KindDelete,
}

// Next produces one submission: a random admin (or the owner) acting on a
// random member. Nonces are sequential so every submission mints a fresh key.
func (g *Generator) Next() Submission {
	actors := append([]Actor{g.scenario.Owner}, g.scenario.Admins...)
	actor := actors[g.rnd.Intn(len(actors))]
	target := g.scenario.Members[g.rnd.Intn(len(g.scenario.Members))]
	kind := smokeKinds[g.rnd.Intn(len(smokeKinds))]
	g.seq++
	return Submission{
		Nonce:    fmt.Sprintf("smoke-%d", g.seq),
		Kind:     kind,
		ActorID:  actor.ID,
		GroupID:  g.scenario.GroupID,
		TargetID: target.ID,
		Reason:   g.scenario.Reasons[g.rnd.Intn(len(g.scenario.Reasons))],
	}
}

// Unauthorized produces a submission from a plain member, expected to be
// denied.
func (g *Generator) Unauthorized() Submission {
	actor := g.scenario.Members[g.rnd.Intn(len(g.scenario.Members))]
	target := g.scenario.Members[g.rnd.Intn(len(g.scenario.Members))]
	g.seq++
	return Submission{
		Nonce:    fmt.Sprintf("smoke-%d", g.seq),
		Kind:     action.KindBan,
		ActorID:  actor.ID,
		GroupID:  g.scenario.GroupID,
		TargetID: target.ID,
		Reason:   "unauthorized attempt",
	}
}

func (g *Generator) Scenario() Scenario {
	return g.scenario
}
