package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoot/rhythmsync/internal/protocol"
)

func TestQueuePreservesFIFOOrder(t *testing.T) {
	q := newSendQueue()
	q.push(protocol.ServerPong{})
	q.push(protocol.ServerChangeHost{IsHost: true})
	q.push(protocol.ServerChangeHost{IsHost: false})

	cmd, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, protocol.ServerPong{}, cmd)
	cmd, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, protocol.ServerChangeHost{IsHost: true}, cmd)
	cmd, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, protocol.ServerChangeHost{IsHost: false}, cmd)
}

func TestQueueDrainsBeforeReportingClosed(t *testing.T) {
	q := newSendQueue()
	q.push(protocol.ServerPong{})
	q.close()

	_, ok := q.pop()
	assert.True(t, ok)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPushAfterCloseIsDropped(t *testing.T) {
	q := newSendQueue()
	q.close()
	q.push(protocol.ServerPong{})
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestPopWakesOnConcurrentPush(t *testing.T) {
	q := newSendQueue()
	done := make(chan protocol.ServerCommand, 1)
	go func() {
		cmd, _ := q.pop()
		done <- cmd
	}()
	q.push(protocol.ServerPong{})
	assert.Equal(t, protocol.ServerPong{}, <-done)
}
