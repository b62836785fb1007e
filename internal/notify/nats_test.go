package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypath/pipeflow/internal/config"
)

func TestDisabledPublisherIsNoOp(t *testing.T) {
	pub, err := New(config.Notify{Enabled: false}, nil)
	require.NoError(t, err)
	require.Nil(t, pub)

	// Must not panic on a nil receiver.
	pub.Publish(Event{Kind: "reload", Name: "pipe"})
	pub.Close()
}
