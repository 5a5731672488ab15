// Package statemachine advances a session through a case's state graph.
//
// Transitions are forward-only. A student action first looks for a matching
// consequence on the current state. Only when the current state has none does
// the machine fall back to a scan of every state's consequences; that scan is
// a last resort for cases whose authors attached a trigger to a different
// state than the one the student is in, and it refuses to guess when the
// trigger leads to more than one place.
package statemachine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/abhisek/medsim/internal/casedef"
)

// Path records how a transition decision was reached.
type Path string

const (
	PathLocal  Path = "local"  // matched a consequence of the current state
	PathGlobal Path = "global" // matched via the global trigger scan
	PathNone   Path = "none"   // no consequence matched the action
)

// ErrUnknownState is returned when the current state is not part of the case.
var ErrUnknownState = errors.New("current state is not defined by the case")

// ErrAmbiguousTrigger is matched by *AmbiguousTriggerError.
var ErrAmbiguousTrigger = errors.New("ambiguous trigger")

// AmbiguousTriggerError reports a global scan that found the action leading
// to several different states.
type AmbiguousTriggerError struct {
	Action  string
	Targets []string
}

func (e *AmbiguousTriggerError) Error() string {
	return fmt.Sprintf("action %q leads to several states (%s) and the current state declares none of them",
		e.Action, strings.Join(e.Targets, ", "))
}

func (e *AmbiguousTriggerError) Is(target error) bool { return target == ErrAmbiguousTrigger }

// Transition describes the outcome of applying one action.
type Transition struct {
	Action string
	From   string
	To     string

	// Fired is true when a consequence matched and the draw succeeded.
	// A self-loop consequence fires with To == From.
	Fired bool
	Path  Path

	// Probability and Draw are set whenever a consequence matched.
	Probability float64
	Draw        float64
}

// Changed reports whether the session moved to a different state.
func (t Transition) Changed() bool { return t.Fired && t.To != t.From }

// Machine applies actions against a case's states. It holds no per-session
// data and is safe for concurrent use when its RandomSource is.
type Machine struct {
	rnd RandomSource
}

// New returns a Machine drawing from rnd. A nil rnd uses NewSource.
func New(rnd RandomSource) *Machine {
	if rnd == nil {
		rnd = NewSource()
	}
	return &Machine{rnd: rnd}
}

// Apply computes the next state for action taken while in current.
//
// A matching consequence fires when a uniform draw r in [0,1) satisfies
// r < probability, so probability 1 always fires and probability 0 never
// does. When nothing fires the returned Transition has To == From.
func (m *Machine) Apply(current, action string, states map[string]casedef.State) (Transition, error) {
	tr := Transition{Action: action, From: current, To: current, Path: PathNone}

	st, ok := states[current]
	if !ok {
		return tr, fmt.Errorf("%w: %q", ErrUnknownState, current)
	}

	if cq, ok := firstMatch(st.Consequences, action); ok {
		tr.Path = PathLocal
		m.decide(&tr, cq)
		return tr, nil
	}

	cq, found, err := globalScan(states, action)
	if err != nil {
		return tr, err
	}
	if found {
		tr.Path = PathGlobal
		m.decide(&tr, cq)
	}
	return tr, nil
}

func (m *Machine) decide(tr *Transition, cq casedef.Consequence) {
	tr.Probability = cq.Probability
	tr.Draw = m.rnd.Float64()
	if tr.Draw < cq.Probability {
		tr.Fired = true
		tr.To = cq.Target
	}
}

func firstMatch(cqs []casedef.Consequence, action string) (casedef.Consequence, bool) {
	for _, cq := range cqs {
		if cq.Trigger == action {
			return cq, true
		}
	}
	return casedef.Consequence{}, false
}

// globalScan visits states in name order and returns the first consequence
// triggered by action. If the trigger leads to more than one distinct target
// across states it returns an *AmbiguousTriggerError instead.
func globalScan(states map[string]casedef.State, action string) (casedef.Consequence, bool, error) {
	names := make([]string, 0, len(states))
	for n := range states {
		names = append(names, n)
	}
	sort.Strings(names)

	var first casedef.Consequence
	found := false
	targets := map[string]bool{}
	for _, n := range names {
		cq, ok := firstMatch(states[n].Consequences, action)
		if !ok {
			continue
		}
		if !found {
			first = cq
			found = true
		}
		targets[cq.Target] = true
	}

	if len(targets) > 1 {
		list := make([]string, 0, len(targets))
		for t := range targets {
			list = append(list, t)
		}
		sort.Strings(list)
		return casedef.Consequence{}, false, &AmbiguousTriggerError{Action: action, Targets: list}
	}
	return first, found, nil
}
