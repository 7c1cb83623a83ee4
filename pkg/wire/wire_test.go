package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenBatch struct {
	HubAddress string
	Bound      float64
	Packed     []byte
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	batch := []tokenBatch{
		{HubAddress: "hub-1", Bound: 4.5, Packed: []byte{1, 2, 3}},
		{HubAddress: "hub-2", Bound: 7.0, Packed: []byte{4, 5}},
	}

	require.NoError(t, WriteFrame(&buf, SignalSPDeliver, batch))

	var got []tokenBatch
	sig, err := ReadFrame(&buf, &got)
	require.NoError(t, err)
	assert.Equal(t, SignalSPDeliver, sig)
	assert.Equal(t, batch, got)
}

func TestReadFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{byte(SignalHubUpdate), 0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	_, _, err := ReadFrameRaw(&buf)
	assert.Error(t, err)
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "spDeliver", SignalSPDeliver.String())
	assert.Equal(t, "abort", SignalAbort.String())
	assert.Contains(t, Signal(99).String(), "signal(99)")
}

type childPayload struct {
	Depth int
	Label string
}

func TestRegistryPackUnpackPayloadRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register("childPayload", childPayload{})

	encoded, err := r.PackPayload("childPayload", childPayload{Depth: 3, Label: "leaf"})
	require.NoError(t, err)

	decoded, err := r.UnpackPayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, childPayload{Depth: 3, Label: "leaf"}, decoded)
}

func TestRegistryUnpackPayloadRejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	r.Register("childPayload", childPayload{})
	other := NewRegistry()
	other.Register("other", childPayload{})

	encoded, err := r.PackPayload("childPayload", childPayload{Depth: 1})
	require.NoError(t, err)

	_, err = other.UnpackPayload(encoded)
	assert.Error(t, err)
}

func TestRegistryRegisterConflictPanics(t *testing.T) {
	r := NewRegistry()
	r.Register("childPayload", childPayload{})
	assert.Panics(t, func() {
		r.Register("childPayload", 0)
	})
}

func TestTCPPeerSendAndReceive(t *testing.T) {
	received := make(chan tokenBatch, 1)
	handler := func(from string, sig Signal, body []byte) error {
		var got tokenBatch
		if err := Unmarshal(body, &got); err != nil {
			return err
		}
		received <- got
		return nil
	}

	listener, err := NewTCPPeer("127.0.0.1:0", handler)
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewTCPPeer("127.0.0.1:0", func(string, Signal, []byte) error { return nil })
	require.NoError(t, err)
	defer sender.Close()

	want := tokenBatch{HubAddress: "hub-3", Bound: 2.0, Packed: []byte{9}}
	require.NoError(t, sender.Send(listener.Addr(), SignalHubUpdate, want))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}
}

// fakeSender records every signal sent through it, for BufferedSend tests
// that don't need a real socket.
type fakeSender struct {
	sent []Signal
}

func (f *fakeSender) Send(addr string, sig Signal, body any) error {
	f.sent = append(f.sent, sig)
	return nil
}

// An undersized receiver must be warned before an oversized payload:
// spReceiveBuf=32, a packed subproblem of size 200. The receiver must see a
// spBufferWarning of value >= 200 before the payload, and no tokens lost
// (BufferedSend always sends the real payload after any warning).
func TestBufferedSendWarnsBeforeOversizedPayload(t *testing.T) {
	sender := &fakeSender{}
	tracker := NewBufferTracker(32)

	big := make([]byte, 200)
	require.NoError(t, BufferedSend(sender, tracker, "worker-1", SignalSPDeliver, big))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, SignalSPBufferWarning, sender.sent[0])
	assert.Equal(t, SignalSPDeliver, sender.sent[1])
	assert.GreaterOrEqual(t, tracker.Capacity(), 200)
}

func TestBufferedSendSkipsWarningWhenPayloadFits(t *testing.T) {
	sender := &fakeSender{}
	tracker := NewBufferTracker(4096)

	require.NoError(t, BufferedSend(sender, tracker, "worker-1", SignalSPDeliver, []byte{1, 2, 3}))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, SignalSPDeliver, sender.sent[0])
}

func TestHandleBufferWarningGrowsReceiverTracker(t *testing.T) {
	tracker := NewBufferTracker(32)
	warning, err := Marshal(250)
	require.NoError(t, err)

	require.NoError(t, HandleBufferWarning(tracker, warning))
	assert.Equal(t, 250, tracker.Capacity())
}
