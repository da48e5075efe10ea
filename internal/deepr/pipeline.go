package deepr

import "fmt"

// State is a stage of a deep research turn.
type State int

const (
	StateOutlining State = iota
	StateResearching
	StateFinalizing
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateOutlining:
		return "outlining"
	case StateResearching:
		return "researching"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateDone || s == StateError
}

// pipeline tracks one turn's progress through
// Outlining -> Researching(0..N-1) -> Finalizing -> Done. Error is reachable from every
// non-terminal state. Nothing moves backwards.
type pipeline struct {
	state    State
	section  int // index of the section being researched
	sections int
}

func newPipeline() *pipeline {
	return &pipeline{state: StateOutlining, section: -1}
}

// transition moves to the next state. Researching may be entered repeatedly, once per
// section, in outline order.
func (p *pipeline) transition(to State) error {
	if p.state.terminal() {
		return fmt.Errorf("invalid transition %s -> %s: turn already finished", p.state, to)
	}

	ok := false
	switch to {
	case StateError:
		ok = true
	case StateResearching:
		ok = (p.state == StateOutlining || p.state == StateResearching) && p.section+1 < p.sections
	case StateFinalizing:
		ok = p.state == StateResearching && p.section == p.sections-1
	case StateDone:
		ok = p.state == StateFinalizing
	}
	if !ok {
		return fmt.Errorf("invalid transition %s -> %s", p.describe(), to)
	}

	if to == StateResearching {
		p.section++
	}
	p.state = to
	return nil
}

func (p *pipeline) describe() string {
	if p.state == StateResearching {
		return fmt.Sprintf("%s(%d)", p.state, p.section)
	}
	return p.state.String()
}

// sectionProgress is the percentage reported once section i of n is done.
func sectionProgress(i, n int) int {
	return 20 + 70*(i+1)/n
}
