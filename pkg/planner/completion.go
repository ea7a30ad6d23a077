package planner

import "strings"

// CompletionFunc decides whether the goal is reached after obs was applied
// to tree.
type CompletionFunc func(tree *Tree, obs *Observation) bool

// AllStepsSucceeded holds once the root is done.
func AllStepsSucceeded(tree *Tree, _ *Observation) bool {
	root := tree.Root()
	return root != nil && root.Status == StatusDone
}

// ObservationContains holds when the latest observation succeeded and its
// output contains s.
func ObservationContains(s string) CompletionFunc {
	return func(_ *Tree, obs *Observation) bool {
		return obs != nil && obs.Success && strings.Contains(obs.Output, s)
	}
}

// AnyOf holds when any of fns holds.
func AnyOf(fns ...CompletionFunc) CompletionFunc {
	return func(tree *Tree, obs *Observation) bool {
		for _, fn := range fns {
			if fn != nil && fn(tree, obs) {
				return true
			}
		}
		return false
	}
}
