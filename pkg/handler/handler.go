// Package handler drives the Subproblem state machine: it applies an
// Application's bound/split/makeChild to an owned Subproblem and rejects
// every illegal lifecycle transition with a typed error.
package handler

import (
	"github.com/snl-pebbl/pebbl/pkg/types"
)

// Handler drives one process's Subproblem state machine against a single
// Application. It holds no pool state of its own; pools are owned by
// Worker/Hub and passed the subproblems this Handler produces.
type Handler struct {
	app types.Application
}

func New(app types.Application) *Handler {
	return &Handler{app: app}
}

// Bound runs the application's bounding routine with a cooperative time
// quantum. On return, sub.State is either Bounded (a valid bound was
// produced) or Dead (fathomed by the application). Returns a protocol-
// violation error if the application leaves sub in an illegal state.
func (h *Handler) Bound(sub *types.Subproblem, cp *types.ControlParam) error {
	// A beingBounded subproblem is a stay-current re-entry, not a
	// transition.
	if sub.State != types.StateBeingBounded && !types.CanTransition(sub.State, types.StateBeingBounded) {
		return types.NewError(types.ErrKindProtocolViolation,
			"bound: illegal transition from state %s", sub.State)
	}
	sub.State = types.StateBeingBounded

	outcome, err := h.app.Bound(sub, cp)
	if err != nil {
		return types.NewError(types.ErrKindProtocolViolation, "application bound failed: %w", err)
	}

	switch outcome {
	case types.BoundOutcomeBounded:
		sub.State = types.StateBounded
	case types.BoundOutcomeDead:
		sub.State = types.StateDead
	case types.BoundOutcomeStayCurrent:
		// remains beingBounded; caller re-invokes Bound on the next slice
		// with the same current subproblem (forceStayCurrent).
	default:
		return types.NewError(types.ErrKindProtocolViolation, "application returned unknown bound outcome %d", outcome)
	}
	return nil
}

// Split runs the application's separation routine. On success, state
// becomes Separated with totalChildren >= 1 and childrenLeft = totalChildren.
func (h *Handler) Split(sub *types.Subproblem) error {
	if !types.CanTransition(sub.State, types.StateBeingSeparated) {
		return types.NewError(types.ErrKindProtocolViolation,
			"split: illegal transition from state %s", sub.State)
	}
	sub.State = types.StateBeingSeparated

	total, err := h.app.Separate(sub)
	if err != nil {
		return types.NewError(types.ErrKindProtocolViolation, "application separate failed: %w", err)
	}
	if total < 1 {
		return types.NewError(types.ErrKindProtocolViolation,
			"application separate returned non-positive child count %d", total)
	}

	sub.TotalChildren = total
	sub.ChildrenLeft = total
	sub.State = types.StateSeparated
	return nil
}

// MakeChild produces the whichChild-th child of sub, or an arbitrary
// remaining child when whichChild is types.AnyChild. ChildrenLeft is
// decremented on success.
func (h *Handler) MakeChild(sub *types.Subproblem, whichChild int) (*types.Subproblem, error) {
	if sub.ChildrenLeft <= 0 {
		return nil, types.NewError(types.ErrKindProtocolViolation,
			"makeChild: subproblem %s has no children left", sub.ID)
	}

	index := whichChild
	if index == types.AnyChild {
		// Deterministic choice: the next undelivered index counting up
		// from 0 (totalChildren - childrenLeft), so repeated AnyChild calls sweep the range
		// without bookkeeping beyond childrenLeft itself.
		index = sub.TotalChildren - sub.ChildrenLeft
	}
	if index < 0 || index >= sub.TotalChildren {
		return nil, types.NewError(types.ErrKindProtocolViolation,
			"makeChild: index %d out of range [0,%d)", index, sub.TotalChildren)
	}

	child, err := h.app.MakeChild(sub, index)
	if err != nil {
		return nil, types.NewError(types.ErrKindProtocolViolation, "application makeChild failed: %w", err)
	}
	if !sub.ID.IsZero() {
		child.ParentID = sub.ID
	}
	child.State = types.StateBoundable

	sub.ChildrenLeft--
	return child, nil
}

// FathomTest reports whether sub cannot improve on incumbentValue under
// sense — strict dominance, sense-aware.
func (h *Handler) FathomTest(sub *types.Subproblem, incumbentValue float64) bool {
	return h.app.OptimizationSense().Dominates(incumbentValue, sub.Bound)
}

// CandidateSolution delegates to the application.
func (h *Handler) CandidateSolution(sub *types.Subproblem) bool {
	return h.app.CandidateSolution(sub)
}

// ExtractSolution delegates to the application.
func (h *Handler) ExtractSolution(sub *types.Subproblem) types.Payload {
	return h.app.ExtractSolution(sub)
}

// Sense returns the application's fixed optimization direction.
func (h *Handler) Sense() types.Sense {
	return h.app.OptimizationSense()
}
