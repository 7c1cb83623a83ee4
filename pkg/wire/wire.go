// Package wire implements the inter-process message fabric: a signal-byte
// prefixed frame over net.Conn, encoded with go-msgpack, the same framing
// family hashicorp/raft's own TCP transport uses for its RPC traffic.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Signal identifies the kind of message that follows the frame header.
type Signal byte

const (
	SignalSPDeliver Signal = iota + 1
	SignalSPBufferWarning
	SignalHubUpdate
	SignalLoadBalance
	SignalIncumbent
	SignalCheckpointBarrier
	SignalAbort
)

func (s Signal) String() string {
	switch s {
	case SignalSPDeliver:
		return "spDeliver"
	case SignalSPBufferWarning:
		return "spBufferWarning"
	case SignalHubUpdate:
		return "hubUpdate"
	case SignalLoadBalance:
		return "loadBalance"
	case SignalIncumbent:
		return "incumbent"
	case SignalCheckpointBarrier:
		return "checkpointBarrier"
	case SignalAbort:
		return "abort"
	default:
		return fmt.Sprintf("signal(%d)", byte(s))
	}
}

var mh = &codec.MsgpackHandle{}

// WriteFrame writes a [signal byte][4-byte big-endian length][msgpack body]
// frame to w. body is marshaled with go-msgpack.
func WriteFrame(w io.Writer, sig Signal, body any) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("wire: encode %s: %w", sig, err)
	}
	if len(buf) > maxFrameBody {
		return fmt.Errorf("wire: encoded %s body %d bytes exceeds max %d", sig, len(buf), maxFrameBody)
	}

	header := make([]byte, 5)
	header[0] = byte(sig)
	binary.BigEndian.PutUint32(header[1:], uint32(len(buf)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// maxFrameBody bounds a single frame's encoded body; larger payloads must be
// chunked by the caller (nothing in this package splits them).
const maxFrameBody = 64 << 20

// ReadFrameRaw reads one frame from r and returns its signal and raw
// msgpack-encoded body, undecoded. Used by the transport layer, which
// dispatches by signal before deciding what type to decode the body into.
func ReadFrameRaw(r io.Reader) (Signal, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	sig := Signal(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameBody {
		return sig, nil, fmt.Errorf("wire: frame body %d bytes exceeds max %d", length, maxFrameBody)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return sig, nil, fmt.Errorf("wire: read body: %w", err)
	}
	return sig, body, nil
}

// ReadFrame reads one frame from r and decodes its body into out, which
// must be a pointer. Returns the frame's signal.
func ReadFrame(r io.Reader, out any) (Signal, error) {
	sig, body, err := ReadFrameRaw(r)
	if err != nil {
		return sig, err
	}
	dec := codec.NewDecoderBytes(body, mh)
	if err := dec.Decode(out); err != nil {
		return sig, fmt.Errorf("wire: decode %s: %w", sig, err)
	}
	return sig, nil
}

// Marshal encodes v with the fabric's codec; Registry.PackPayload and
// BufferedSend use it. The checkpoint manager does not: it encodes with
// encoding/json.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes data (produced by Marshal) into out.
func Unmarshal(data []byte, out any) error {
	dec := codec.NewDecoderBytes(data, mh)
	return dec.Decode(out)
}
