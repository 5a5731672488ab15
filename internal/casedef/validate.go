package casedef

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// validateCase performs the structural checks that make a Case safe to
// simulate. It returns every problem found, not just the first.
func validateCase(c *Case) []string {
	var errs []string

	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, "caseId is empty")
	}

	if _, ok := c.States[InitialState]; !ok {
		errs = append(errs, fmt.Sprintf("missing required state %q", InitialState))
	}

	for _, name := range sortedStateNames(c.States) {
		st := c.States[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "state with empty name")
		}
		if strings.TrimSpace(st.Description) == "" {
			errs = append(errs, fmt.Sprintf("state %q has an empty description", name))
		}
		for i, cq := range st.Consequences {
			prefix := fmt.Sprintf("state %q consequence %d", name, i)
			if strings.TrimSpace(cq.Trigger) == "" {
				errs = append(errs, prefix+": trigger is empty")
			}
			if _, ok := c.States[cq.Target]; !ok {
				errs = append(errs, fmt.Sprintf("%s: target %q does not exist", prefix, cq.Target))
			}
			if math.IsNaN(cq.Probability) || cq.Probability < 0 || cq.Probability > 1 {
				errs = append(errs, fmt.Sprintf("%s: probability must be in [0, 1], got %v", prefix, cq.Probability))
			}
		}
	}

	seen := make(map[string]bool, len(c.OrderableItems))
	for i, it := range c.OrderableItems {
		if strings.TrimSpace(it.TestName) == "" {
			errs = append(errs, fmt.Sprintf("orderable item %d has an empty testName", i))
			continue
		}
		if seen[it.TestName] {
			errs = append(errs, fmt.Sprintf("duplicate orderable item %q", it.TestName))
		}
		seen[it.TestName] = true
	}

	return errs
}

// Warnings reports issues that do not prevent simulation but make behavior
// surprising: triggers that lead to different targets from different states
// (the global trigger scan refuses these), repeated triggers within one state
// (only the first counts), and states unreachable from the initial state.
func Warnings(c *Case) []string {
	var warns []string

	targets := make(map[string]map[string]bool)
	for _, name := range sortedStateNames(c.States) {
		local := make(map[string]bool)
		for _, cq := range c.States[name].Consequences {
			if local[cq.Trigger] {
				warns = append(warns, fmt.Sprintf("state %q repeats trigger %q; only the first applies", name, cq.Trigger))
			}
			local[cq.Trigger] = true
			if targets[cq.Trigger] == nil {
				targets[cq.Trigger] = make(map[string]bool)
			}
			targets[cq.Trigger][cq.Target] = true
		}
	}

	triggers := make([]string, 0, len(targets))
	for t := range targets {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	for _, t := range triggers {
		if len(targets[t]) > 1 {
			warns = append(warns, fmt.Sprintf("trigger %q leads to %d different states; it only works from states that declare it", t, len(targets[t])))
		}
	}

	reachable := reachableStates(c)
	for _, name := range sortedStateNames(c.States) {
		if !reachable[name] {
			warns = append(warns, fmt.Sprintf("state %q is unreachable from %q", name, InitialState))
		}
	}

	return warns
}

// reachableStates walks the graph breadth-first from the initial state.
func reachableStates(c *Case) map[string]bool {
	seen := map[string]bool{}
	if _, ok := c.States[InitialState]; !ok {
		return seen
	}
	queue := []string{InitialState}
	seen[InitialState] = true
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, cq := range c.States[name].Consequences {
			if _, ok := c.States[cq.Target]; ok && !seen[cq.Target] {
				seen[cq.Target] = true
				queue = append(queue, cq.Target)
			}
		}
	}
	return seen
}

func sortedStateNames(states map[string]State) []string {
	names := make([]string, 0, len(states))
	for n := range states {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
