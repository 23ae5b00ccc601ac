package queue

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the envelope schema version written by this build.
const Version = 1

var (
	ErrUnsupportedVersion = errors.New("queue: unsupported envelope version")
	ErrKindMismatch       = errors.New("queue: envelope kind mismatch")
)

// Envelope is the wire frame of every queued message.
type Envelope struct {
	V    int                `msgpack:"v"`
	Kind Kind               `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// Encode wraps msg in a versioned envelope.
func Encode[T Message](msg T) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s body: %w", msg.Kind(), err)
	}
	data, err := msgpack.Marshal(Envelope{V: Version, Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s envelope: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode unwraps an envelope produced by Encode and checks that it carries
// a T.
func Decode[T Message](data []byte) (T, error) {
	var zero T
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("queue: decode envelope: %w", err)
	}
	if env.V != Version {
		return zero, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
	}
	if env.Kind != zero.Kind() {
		return zero, fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, env.Kind, zero.Kind())
	}
	var msg T
	if err := msgpack.Unmarshal(env.Body, &msg); err != nil {
		return zero, fmt.Errorf("queue: decode %s body: %w", env.Kind, err)
	}
	return msg, nil
}
