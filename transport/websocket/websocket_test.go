package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	gobwasws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcontextprotocol/go-mcp-engine"
)

func TestSessionSendAndReceiveOverPipe(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverSess := newSession(serverConn, nil, false)
	clientSess := newSession(clientConn, nil, true)
	go serverSess.readLoop()
	go clientSess.readLoop()
	defer serverSess.Stop()
	defer clientSess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "ping"}
	errCh := make(chan error, 1)
	go func() {
		errCh <- clientSess.Send(ctx, msg)
	}()

	var got mcp.JSONRPCMessage
	for received := range serverSess.Messages() {
		got = received
		break
	}

	require.NoError(t, <-errCh)
	assert.Equal(t, msg.Method, got.Method)
}

func TestReadLoopExitsOnCloseFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverSess := newSession(serverConn, nil, false)
	go serverSess.readLoop()
	defer serverSess.Stop()

	drained := make(chan struct{})
	go func() {
		for range serverSess.Messages() {
		}
		close(drained)
	}()

	require.NoError(t, wsutil.WriteClientMessage(clientConn, gobwasws.OpClose, nil))

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readLoop to exit on a close frame")
	}

	select {
	case <-serverSess.receivedClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receivedClosed to close")
	}
}

func TestIsClosedErr(t *testing.T) {
	assert.True(t, isClosedErr(net.ErrClosed))
	assert.False(t, isClosedErr(nil))
}
