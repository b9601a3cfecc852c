package session

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/3cpo-dev/fanout/internal/cluster"
)

// header precedes every payload broadcast.
type header struct {
	Ready     bool   `msgpack:"ready"`
	Length    int    `msgpack:"length"`
	ChunkSize int    `msgpack:"chunk_size"`
	Tasks     int    `msgpack:"tasks"`
	RunID     string `msgpack:"run_id"`
	Turn      int    `msgpack:"turn"`
	Reason    string `msgpack:"reason,omitempty"`
}

// control is the per-turn continue flag in chat mode.
type control struct {
	Continue bool `msgpack:"continue"`
}

// Piece is one chunk's reply text in a response stream.
type Piece struct {
	Index int    `msgpack:"index"`
	Text  string `msgpack:"text"`
}

// broadcastValue sends v from the leader and decodes it on every rank. Only
// the leader's v is read.
func broadcastValue[T any](ctx context.Context, t cluster.Transport, v *T) error {
	var data []byte
	if t.Rank() == 0 {
		b, err := msgpack.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %T: %w", *v, err)
		}
		data = b
	}
	got, err := t.Broadcast(ctx, 0, data)
	if err != nil {
		return err
	}
	if t.Rank() == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(got, v); err != nil {
		return fmt.Errorf("decode %T: %w", *v, err)
	}
	return nil
}
