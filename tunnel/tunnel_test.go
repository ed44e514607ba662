package tunnel

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentplexus/calltest"
)

type fakeForwarder struct {
	url      string
	closes   int
	closeErr error
}

func (f *fakeForwarder) URL() string { return f.url }

func (f *fakeForwarder) Close() error {
	f.closes++
	return f.closeErr
}

func TestNgrok_Open(t *testing.T) {
	fwd := &fakeForwarder{url: "https://abc123.ngrok.app/"}
	var gotBackend *url.URL
	var gotToken string
	n := NewNgrok(" tok ", nil)
	n.forward = func(_ context.Context, backend *url.URL, authtoken string) (forwarder, error) {
		gotBackend, gotToken = backend, authtoken
		return fwd, nil
	}

	tun, err := n.Open(context.Background(), 8765)
	require.NoError(t, err)
	require.Equal(t, "https://abc123.ngrok.app", tun.URL())
	require.Equal(t, "http://127.0.0.1:8765", gotBackend.String())
	require.Equal(t, "tok", gotToken)

	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())
	require.Equal(t, 1, fwd.closes)
}

func TestNgrok_CloseErrorReportedOnce(t *testing.T) {
	fwd := &fakeForwarder{url: "https://abc123.ngrok.app", closeErr: errors.New("session lost")}
	n := NewNgrok("tok", nil)
	n.forward = func(context.Context, *url.URL, string) (forwarder, error) { return fwd, nil }

	tun, err := n.Open(context.Background(), 8765)
	require.NoError(t, err)
	require.ErrorContains(t, tun.Close(), "session lost")
	require.NoError(t, tun.Close())
	require.Equal(t, 1, fwd.closes)
}

func TestNgrok_Failures(t *testing.T) {
	_, err := NewNgrok("", nil).Open(context.Background(), 8765)
	require.True(t, calltest.IsCode(err, calltest.CodeTunnelUnavailable))

	n := NewNgrok("tok", nil)
	_, err = n.Open(context.Background(), 0)
	require.True(t, calltest.IsCode(err, calltest.CodeTunnelUnavailable))

	n.forward = func(context.Context, *url.URL, string) (forwarder, error) {
		return nil, errors.New("authentication failed")
	}
	_, err = n.Open(context.Background(), 8765)
	require.True(t, calltest.IsCode(err, calltest.CodeTunnelUnavailable))
	require.ErrorContains(t, err, "authentication failed")

	fwd := &fakeForwarder{url: "tcp://1.tcp.ngrok.io:1234"}
	n.forward = func(context.Context, *url.URL, string) (forwarder, error) { return fwd, nil }
	_, err = n.Open(context.Background(), 8765)
	require.True(t, calltest.IsCode(err, calltest.CodeTunnelUnavailable))
	require.Equal(t, 1, fwd.closes)
}

func TestStatic(t *testing.T) {
	s, err := NewStatic("https://calls.example.com/", false)
	require.NoError(t, err)
	tun, err := s.Open(context.Background(), 8765)
	require.NoError(t, err)
	require.Equal(t, "https://calls.example.com", tun.URL())
	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())

	s, err = NewStatic("https://calls.example.com", true)
	require.NoError(t, err)
	tun, err = s.Open(context.Background(), 8766)
	require.NoError(t, err)
	require.Equal(t, "https://calls.example.com/8766", tun.URL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Open(ctx, 8766)
	require.True(t, calltest.IsCode(err, calltest.CodeTunnelUnavailable))
}

func TestNewStatic_Invalid(t *testing.T) {
	for _, raw := range []string{"", "not a url", "http://calls.example.com"} {
		_, err := NewStatic(raw, false)
		require.True(t, calltest.IsCode(err, calltest.CodeConfig), raw)
	}
}

func TestWebsocketURL(t *testing.T) {
	require.Equal(t, "wss://abc.ngrok.app/media", WebsocketURL("https://abc.ngrok.app", "/media"))
	require.Equal(t, "wss://calls.example.com/8765/media", WebsocketURL("https://calls.example.com/8765", "/media"))
}
