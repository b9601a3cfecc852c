package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxFrameSize bounds one frame's payload (after the length prefix).
	MaxFrameSize = 64 * 1024 * 1024
	lengthPrefix = 4
)

// segmentSize bounds the data carried by one broadcast or point-to-point
// frame, leaving room for the envelope.
var segmentSize = MaxFrameSize - 4096

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("cluster: frame exceeds maximum size")

const (
	kindHello     = "hello"
	kindWelcome   = "welcome"
	kindBroadcast = "broadcast"
	kindReduce    = "reduce"
	kindP2P       = "p2p"
)

// envelope is the msgpack body of every frame.
type envelope struct {
	Kind   string  `msgpack:"kind"`
	From   int     `msgpack:"from"`
	Size   int     `msgpack:"size,omitempty"`
	Data   []byte  `msgpack:"data,omitempty"`
	Values []int64 `msgpack:"values,omitempty"`
}

func writeFrame(w io.Writer, env *envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Kind, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, lengthPrefix+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[lengthPrefix:], payload)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (*envelope, error) {
	var prefix [lengthPrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("partial length prefix: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("partial frame: %w", err)
	}
	env := &envelope{}
	if err := msgpack.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}
