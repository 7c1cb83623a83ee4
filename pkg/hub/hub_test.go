package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snl-pebbl/pebbl/pkg/handler"
	"github.com/snl-pebbl/pebbl/pkg/pconfig"
	"github.com/snl-pebbl/pebbl/pkg/types"
	"github.com/snl-pebbl/pebbl/pkg/worker"
)

type nilApp struct{ sense types.Sense }

func (a *nilApp) RootSubproblem() *types.Subproblem { return &types.Subproblem{} }
func (a *nilApp) Bound(sub *types.Subproblem, cp *types.ControlParam) (types.BoundOutcome, error) {
	return types.BoundOutcomeBounded, nil
}
func (a *nilApp) Separate(sub *types.Subproblem) (int, error)                  { return 1, nil }
func (a *nilApp) MakeChild(sub *types.Subproblem, which int) (*types.Subproblem, error) {
	return &types.Subproblem{}, nil
}
func (a *nilApp) CandidateSolution(sub *types.Subproblem) bool        { return false }
func (a *nilApp) ExtractSolution(sub *types.Subproblem) types.Payload { return nil }
func (a *nilApp) CompareSolution(x, y types.Payload) int              { return 0 }
func (a *nilApp) Pack(sub *types.Subproblem) ([]byte, error)          { return nil, nil }
func (a *nilApp) Unpack(data []byte) (types.Payload, error)           { return nil, nil }
func (a *nilApp) OptimizationSense() types.Sense                      { return a.sense }

func newTestHub(t *testing.T, numWorkers int) (*Hub, []*worker.Worker) {
	t.Helper()
	opts := pconfig.Default()
	h := New(1, opts, types.Minimize, numWorkers)
	app := &nilApp{sense: types.Minimize}
	hdl := handler.New(app)

	var workers []*worker.Worker
	for i := 0; i < numWorkers; i++ {
		w := worker.New(int32(i+1), opts, hdl, h)
		h.RegisterWorker(int32(i+1), w, 1.0)
		workers = append(workers, w)
	}
	return h, workers
}

func TestHubReceiveReleasesInsertsTokens(t *testing.T) {
	h, _ := newTestHub(t, 2)
	h.ReceiveReleases(1, []types.Token{
		{HomeProcessor: 1, Address: 10, Bound: 4.0},
		{HomeProcessor: 1, Address: 11, Bound: 2.0},
	})
	assert.Equal(t, 2, h.TokenPool().Len())
}

func TestHubTokenPoolKeepsReleasesBeyondMaxTokenQueuing(t *testing.T) {
	opts := pconfig.Default()
	opts.MaxTokenQueuing = 3
	h := New(1, opts, types.Minimize, 4)
	for i := 0; i < 10; i++ {
		h.ReceiveReleases(1, []types.Token{{HomeProcessor: 1, Address: uint64(i), Bound: float64(i)}})
	}
	// maxTokenQueuing does not cap the TokenPool: ReceiveReleases queues
	// every token it is given, and none is dropped.
	require.Equal(t, 10, h.TokenPool().Len())
}

func TestHubDispatchSpreadsAcrossWorkers(t *testing.T) {
	h, workers := newTestHub(t, 3)
	for i := 0; i < 6; i++ {
		h.ReceiveReleases(1, []types.Token{{HomeProcessor: 1, Address: uint64(i), Bound: float64(i)}})
	}

	h.Dispatch()

	delivered := 0
	for _, w := range workers {
		delivered += w.Pool().Len()
	}
	assert.Greater(t, delivered, 0)
}

func TestHubPruneOnIncumbentRemovesDominatedTokens(t *testing.T) {
	h, _ := newTestHub(t, 1)
	h.ReceiveReleases(1, []types.Token{
		{HomeProcessor: 1, Address: 1, Bound: 10.0},
		{HomeProcessor: 1, Address: 2, Bound: 3.0},
	})
	h.PruneOnIncumbent(5.0)
	assert.Equal(t, 1, h.TokenPool().Len())
}

func TestHubReceiveAcksClearsInFlight(t *testing.T) {
	h, _ := newTestHub(t, 1)
	h.ReceiveReleases(1, []types.Token{{HomeProcessor: 1, Address: 1, Bound: 4.0}})
	h.Dispatch()
	rec := h.workers[1]
	require.Equal(t, 1, rec.inFlight)

	h.ReceiveAcks(1, []worker.Ack{{Address: 1, Bound: 4.0}})
	assert.Equal(t, 0, rec.inFlight)
}

func TestHubExportImportMovesSubproblemBetweenClusters(t *testing.T) {
	opts := pconfig.Default()
	donor, donorWorkers := newTestHub(t, 1)
	donorWorkers[0].Seed(&types.Subproblem{ID: types.SubproblemID{Processor: 1, Counter: 5}, Bound: 2.0})
	donor.ReceiveReleases(1, []types.Token{{HomeProcessor: 1, Address: 5, Bound: 2.0}})

	tok, sub, ok := donor.ExportBest()
	require.True(t, ok)
	require.NotNil(t, sub, "the exported token must carry its resident subproblem")
	assert.Equal(t, types.SubproblemID{Processor: 1, Counter: 5}, sub.ID)
	assert.Equal(t, 0, donorWorkers[0].Pool().Len())

	receiver := New(2, opts, types.Minimize, 1)
	rw := worker.New(9, opts, handler.New(&nilApp{sense: types.Minimize}), receiver)
	receiver.RegisterWorker(9, rw, 1.0)
	receiver.Import(tok, sub)
	require.Equal(t, 1, receiver.TokenPool().Len())

	receiver.Dispatch()

	assert.Equal(t, 1, rw.Pool().Len(), "the imported subproblem must materialize on a receiver worker")
	got, found := rw.TakeOwned(sub.ID)
	require.True(t, found)
	assert.Equal(t, 2.0, got.Bound)
}
