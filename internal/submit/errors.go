package submit

import (
	"errors"
	"fmt"
)

// Kind classifies how a chunk submission failed.
type Kind int

const (
	KindNone Kind = iota
	// KindPermanent is never retried and never resets the client.
	KindPermanent
	// KindService is a non-2xx (or missing) HTTP status. Retried with backoff.
	KindService
	// KindTransport is a connection, timeout, DNS or TLS failure. Retried
	// with backoff and may escalate to a client rebuild.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindService:
		return "service"
	case KindTransport:
		return "transport"
	default:
		return "none"
	}
}

// ErrPayloadTooLarge means the encoded request exceeds the configured maximum.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum request size")

// ChunkError is the terminal or per-attempt failure of a chunk.
type ChunkError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *ChunkError) Error() string {
	switch {
	case e.Kind == KindService:
		return fmt.Sprintf("%s error: status %d", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *ChunkError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, KindNone for nil or
// unclassified errors.
func KindOf(err error) Kind {
	var ce *ChunkError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return KindOf(err) == KindTransport }
