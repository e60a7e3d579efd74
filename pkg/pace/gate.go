package pace

// Gate is a scheduling condition in one of three shapes: a fixed boolean,
// a zero-argument predicate, or an elapsed-time-aware predicate. The zero
// value is "always true", so an unset Gate never blocks anything.
type Gate struct {
	kind  gateKind
	fixed bool
	pred  func() bool
	timed func(dt uint32) bool
}

type gateKind uint8

const (
	gateAlways gateKind = iota
	gateFixed
	gatePred
	gateTimed
)

// Always is the fixed-true gate.
var Always = Gate{}

// Fixed returns a gate with a constant boolean decision.
func Fixed(v bool) Gate { return Gate{kind: gateFixed, fixed: v} }

// When returns a gate evaluated by calling p with no arguments.
// A nil predicate degrades to Always.
func When(p func() bool) Gate {
	if p == nil {
		return Always
	}
	return Gate{kind: gatePred, pred: p}
}

// WhenElapsed returns a gate whose predicate sees the current elapsed
// tick count for the call site being scheduled.
// A nil predicate degrades to Always.
func WhenElapsed(p func(dt uint32) bool) Gate {
	if p == nil {
		return Always
	}
	return Gate{kind: gateTimed, timed: p}
}

// eval normalizes the three shapes to a single boolean decision.
func (g Gate) eval(dt uint32) bool {
	switch g.kind {
	case gateFixed:
		return g.fixed
	case gatePred:
		return g.pred()
	case gateTimed:
		return g.timed(dt)
	default:
		return true
	}
}
