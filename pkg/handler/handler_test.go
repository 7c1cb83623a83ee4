package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/pkg/types"
)

// stubApp is a minimal Application used to exercise Handler in isolation,
// independent of any concrete search problem.
type stubApp struct {
	sense        types.Sense
	boundOutcome types.BoundOutcome
	boundErr     error
	childCount   int
}

func (a *stubApp) RootSubproblem() *types.Subproblem {
	return &types.Subproblem{ID: types.SubproblemID{Processor: 1, Counter: 1}, State: types.StateBoundable}
}

func (a *stubApp) Bound(sub *types.Subproblem, cp *types.ControlParam) (types.BoundOutcome, error) {
	if a.boundErr != nil {
		return 0, a.boundErr
	}
	sub.Bound = 42
	return a.boundOutcome, nil
}

func (a *stubApp) Separate(sub *types.Subproblem) (int, error) {
	return a.childCount, nil
}

func (a *stubApp) MakeChild(sub *types.Subproblem, whichChild int) (*types.Subproblem, error) {
	return &types.Subproblem{ID: types.SubproblemID{Processor: sub.ID.Processor, Counter: uint64(whichChild) + 100}}, nil
}

func (a *stubApp) CandidateSolution(sub *types.Subproblem) bool { return true }
func (a *stubApp) ExtractSolution(sub *types.Subproblem) types.Payload { return sub.Payload }
func (a *stubApp) CompareSolution(x, y types.Payload) int { return 0 }
func (a *stubApp) Pack(sub *types.Subproblem) ([]byte, error) { return nil, nil }
func (a *stubApp) Unpack(data []byte) (types.Payload, error) { return nil, nil }
func (a *stubApp) OptimizationSense() types.Sense { return a.sense }

func TestHandlerBoundTransitionsToBounded(t *testing.T) {
	app := &stubApp{sense: types.Minimize, boundOutcome: types.BoundOutcomeBounded}
	h := New(app)
	sub := &types.Subproblem{State: types.StateBoundable}

	err := h.Bound(sub, &types.ControlParam{Remaining: 1})
	require.NoError(t, err)
	assert.Equal(t, types.StateBounded, sub.State)
	assert.Equal(t, 42.0, sub.Bound)
}

func TestHandlerBoundTransitionsToDead(t *testing.T) {
	app := &stubApp{sense: types.Minimize, boundOutcome: types.BoundOutcomeDead}
	h := New(app)
	sub := &types.Subproblem{State: types.StateBoundable}

	err := h.Bound(sub, &types.ControlParam{Remaining: 1})
	require.NoError(t, err)
	assert.Equal(t, types.StateDead, sub.State)
}

func TestHandlerBoundRejectsIllegalStartState(t *testing.T) {
	app := &stubApp{sense: types.Minimize}
	h := New(app)
	sub := &types.Subproblem{State: types.StateDead}

	err := h.Bound(sub, &types.ControlParam{Remaining: 1})
	require.Error(t, err)
	var ee *types.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, types.ErrKindProtocolViolation, ee.Kind)
}

func TestHandlerSplitSetsChildCounts(t *testing.T) {
	app := &stubApp{sense: types.Minimize, childCount: 3}
	h := New(app)
	sub := &types.Subproblem{State: types.StateBounded}

	err := h.Split(sub)
	require.NoError(t, err)
	assert.Equal(t, types.StateSeparated, sub.State)
	assert.Equal(t, 3, sub.TotalChildren)
	assert.Equal(t, 3, sub.ChildrenLeft)
}

func TestHandlerSplitRejectsZeroChildren(t *testing.T) {
	app := &stubApp{sense: types.Minimize, childCount: 0}
	h := New(app)
	sub := &types.Subproblem{State: types.StateBounded}

	err := h.Split(sub)
	require.Error(t, err)
}

func TestHandlerMakeChildResolvesAnyChild(t *testing.T) {
	app := &stubApp{sense: types.Minimize, childCount: 2}
	h := New(app)
	sub := &types.Subproblem{ID: types.SubproblemID{Processor: 1, Counter: 1}, State: types.StateBounded}
	require.NoError(t, h.Split(sub))

	first, err := h.MakeChild(sub, types.AnyChild)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, first.ParentID)
	assert.Equal(t, 1, sub.ChildrenLeft)

	second, err := h.MakeChild(sub, types.AnyChild)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0, sub.ChildrenLeft)

	_, err = h.MakeChild(sub, types.AnyChild)
	require.Error(t, err)
}

func TestHandlerFathomTest(t *testing.T) {
	h := New(&stubApp{sense: types.Minimize})
	sub := &types.Subproblem{Bound: 10}
	assert.True(t, h.FathomTest(sub, 5))  // incumbent 5 beats bound 10 when minimizing
	assert.False(t, h.FathomTest(sub, 20))
}
