package app

import (
	"fmt"

	"github.com/dkeye/Mesh/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(member domain.Identity, dropped int) BackpressureAction
}

// SimplePolicy kicks slow members. The kicked client sees its watches end
// and leaves the room; clients do not reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(member domain.Identity, dropped int) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops frames until a member has lost more than Budget of
// them, then kicks it.
type TolerantPolicy struct {
	Budget int
}

func (p TolerantPolicy) OnBackPressure(member domain.Identity, dropped int) BackpressureAction {
	if dropped > p.Budget {
		return KickMember
	}
	return DropFrame
}

// NewPolicy resolves the relay.policy setting: "kick" (the default) or
// "tolerant" with the given drop budget.
func NewPolicy(name string, budget int) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "tolerant":
		if budget < 0 {
			return nil, fmt.Errorf("negative drop budget %d", budget)
		}
		return TolerantPolicy{Budget: budget}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
