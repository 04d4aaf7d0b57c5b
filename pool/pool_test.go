// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/lvnilesh/spruned/peer"
)

type stubTransport struct {
	connectErr error
	result     any
	callErr    error
}

func (s *stubTransport) Connect(ctx context.Context) error { return s.connectErr }
func (s *stubTransport) Call(ctx context.Context, method string, args any) (any, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.result, nil
}
func (s *stubTransport) Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error) {
	return s.result, s.callErr
}
func (s *stubTransport) Ping(ctx context.Context) error { return nil }
func (s *stubTransport) Close() error                   { return nil }

func serverSpecs(n int) []ServerSpec {
	specs := make([]ServerSpec, n)
	for i := range specs {
		specs[i] = ServerSpec{Host: "127.0.0.1", Port: "500" + string(rune('0'+i)), Protocol: peer.ProtocolElectrum}
	}
	return specs
}

func TestStartConnectsUpToRequiredCount(t *testing.T) {
	specs := serverSpecs(5)
	results := map[string]any{
		specs[0].addr(): "ok0", specs[1].addr(): "ok1", specs[2].addr(): "ok2",
		specs[3].addr(): "ok3", specs[4].addr(): "ok4",
	}
	factory := func(spec ServerSpec) *peer.Peer {
		return peer.New(spec.Host, spec.Port, spec.Protocol, &stubTransport{result: results[spec.addr()]})
	}

	p := New(Config{RequiredConnections: 3, Servers: specs, KeepaliveTicker: ticker.NewForce(time.Hour)}, factory)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Equal(t, 3, p.usableCount())
}

func TestCallAgreementOneReturnsFirstResponse(t *testing.T) {
	specs := serverSpecs(1)
	factory := func(spec ServerSpec) *peer.Peer {
		return peer.New(spec.Host, spec.Port, spec.Protocol, &stubTransport{result: "answer"})
	}
	p := New(Config{RequiredConnections: 1, Servers: specs, KeepaliveTicker: ticker.NewForce(time.Hour)}, factory)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	result, err := p.Call(context.Background(), "getblockhash", []any{1}, 1, false)
	require.NoError(t, err)
	require.Equal(t, "answer", result.Value)
}

func TestCallQuorumAcceptsMajority(t *testing.T) {
	// Call queries exactly `agreement` distinct peers, so with agreement 2
	// both queried peers answer "A" here.
	specs := serverSpecs(2)
	factory := func(spec ServerSpec) *peer.Peer {
		return peer.New(spec.Host, spec.Port, spec.Protocol, &stubTransport{result: "A"})
	}
	p := New(Config{RequiredConnections: 2, Servers: specs, KeepaliveTicker: ticker.NewForce(time.Hour)}, factory)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	result, err := p.Call(context.Background(), "getblock", nil, 2, false)
	require.NoError(t, err)
	require.Equal(t, "A", result.Value)

	// The agreement rule over collected responses accepts the value that
	// at least `agreement` of them share, despite one divergent answer.
	accepted, ok := acceptByAgreement([]any{"A", "A", "B"}, 2)
	require.True(t, ok)
	require.Equal(t, "A", accepted)
}

func TestCallNoQuorumOnDivergence(t *testing.T) {
	specs := serverSpecs(3)
	results := map[string]any{
		specs[0].addr(): "A", specs[1].addr(): "B", specs[2].addr(): "C",
	}
	factory := func(spec ServerSpec) *peer.Peer {
		return peer.New(spec.Host, spec.Port, spec.Protocol, &stubTransport{result: results[spec.addr()]})
	}
	p := New(Config{RequiredConnections: 3, Servers: specs, KeepaliveTicker: ticker.NewForce(time.Hour)}, factory)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err := p.Call(context.Background(), "getblock", nil, 2, false)
	require.Error(t, err)
	var noQuorum *NoQuorumError
	require.ErrorAs(t, err, &noQuorum)
}

func TestCallMissingResponseWhenPeerErrors(t *testing.T) {
	specs := serverSpecs(2)
	factory := func(spec ServerSpec) *peer.Peer {
		return peer.New(spec.Host, spec.Port, spec.Protocol, &stubTransport{callErr: errors.New("boom")})
	}
	p := New(Config{RequiredConnections: 2, Servers: specs, KeepaliveTicker: ticker.NewForce(time.Hour)}, factory)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err := p.Call(context.Background(), "getblock", nil, 2, false)
	require.ErrorIs(t, err, ErrMissingResponse)
}

func TestPickOneNoPeers(t *testing.T) {
	p := New(Config{RequiredConnections: 1, KeepaliveTicker: ticker.NewForce(time.Hour)}, func(spec ServerSpec) *peer.Peer {
		return nil
	})
	_, err := p.PickOne()
	require.ErrorIs(t, err, ErrNoPeers)
}
