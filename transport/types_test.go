package transport

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shape-z/windowmesh/geometry"
	"github.com/shape-z/windowmesh/peers"
)

func TestCodecRoundTrip(t *testing.T) {
	msg := Message{
		Type: TypeHeartbeat,
		Peer: &peers.Snapshot{
			ID:        "w1",
			CreatedAt: 100,
			LastSeen:  200,
			Rect:      geometry.Rect{X: 10, Y: 20, W: 1920, H: 1080},
			Timestamp: 200,
		},
	}
	payload, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeRejectsIllFormed(t *testing.T) {
	t.Run("missing discriminator", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"w1"}`))
		assert.Equal(t, ErrIllFormed, errors.Cause(err))
	})
	t.Run("unknown discriminator", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"NOPE"}`))
		assert.Equal(t, ErrIllFormed, errors.Cause(err))
	})
	t.Run("not json", func(t *testing.T) {
		_, err := Decode([]byte(`hello`))
		assert.Equal(t, ErrIllFormed, errors.Cause(err))
	})
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(Message{Type: "NOPE"})
	assert.Equal(t, ErrIllFormed, errors.Cause(err))
}
