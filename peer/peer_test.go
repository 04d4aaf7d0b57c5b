// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is a hand-written test double, following the
// convention of fixture structs rather than a mocking framework.
type fakeTransport struct {
	connectErr error
	callErr    error
	callResult any
	pingErr    error
	closed     bool
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeTransport) Call(ctx context.Context, method string, args any) (any, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeTransport) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestConnectSuccessTransitionsToConnected(t *testing.T) {
	tr := &fakeTransport{}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)

	require.NoError(t, p.Connect(context.Background()))
	require.Equal(t, StateConnected, p.State())
	require.True(t, p.Usable())
	require.Equal(t, initialScore, p.Score())
}

func TestConnectFailureDecrementsScoreAndCloses(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("refused")}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)

	err := p.Connect(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, StateClosed, p.State())
	require.Equal(t, initialScore-connectErrorPenalty, p.Score())
	require.False(t, p.Usable())
}

func TestRPCTimeoutDecrementsScoreWithoutClosing(t *testing.T) {
	tr := &fakeTransport{callErr: context.DeadlineExceeded}
	p := New("127.0.0.1", "50001", ProtocolElectrum, tr)
	require.NoError(t, p.Connect(context.Background()))

	_, err := p.RPC(context.Background(), "blockchain.block.header", nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, initialScore-rpcErrorPenalty, p.Score())
	require.Equal(t, StateErrored, p.State())
	// The connection itself is not closed by a timeout.
	require.True(t, p.connected)
}

func TestRepeatedErrorsReachZeroScoreAndRemainConnectedUntilDisconnected(t *testing.T) {
	tr := &fakeTransport{callErr: errors.New("boom")}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)
	require.NoError(t, p.Connect(context.Background()))

	for i := 0; i < initialScore; i++ {
		_, err := p.RPC(context.Background(), "getheaders", nil)
		require.Error(t, err)
	}
	require.Equal(t, 0, p.Score())
	// Score reaching zero does not by itself disconnect the peer; that is
	// the pool's error-policy responsibility (see the pool package).
	require.True(t, p.connected)
}

func TestSuccessfulRPCRecoversFromErrored(t *testing.T) {
	tr := &fakeTransport{callErr: errors.New("boom")}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)
	require.NoError(t, p.Connect(context.Background()))

	_, err := p.RPC(context.Background(), "getheaders", nil)
	require.Error(t, err)
	require.Equal(t, StateErrored, p.State())

	tr.callErr = nil
	tr.callResult = "ok"
	result, err := p.RPC(context.Background(), "getheaders", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, StateConnected, p.State())
}

func TestDisconnectIsTerminal(t *testing.T) {
	tr := &fakeTransport{}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)
	require.NoError(t, p.Connect(context.Background()))

	p.Disconnect()
	require.Equal(t, StateClosed, p.State())
	require.False(t, p.Usable())
	require.True(t, tr.closed)

	// Disconnecting an already-closed peer is a no-op.
	p.Disconnect()
}

func TestPingTimeout(t *testing.T) {
	tr := &fakeTransport{pingErr: errors.New("no response")}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)
	require.NoError(t, p.Connect(context.Background()))

	_, err := p.Ping(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestConnectEventPublished(t *testing.T) {
	tr := &fakeTransport{}
	p := New("127.0.0.1", "8333", ProtocolP2P, tr)
	require.NoError(t, p.Connect(context.Background()))

	select {
	case ev := <-p.Events().OnConnect:
		require.Equal(t, p, ev.Peer)
	case <-time.After(time.Second):
		t.Fatal("expected ConnectEvent")
	}
}
