// Package tunnel exposes a local port at a public https address so the
// telephony provider can reach the session's call channel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"

	"github.com/agentplexus/calltest"
)

// Tunnel is an open public endpoint.
type Tunnel interface {
	// URL is the public https base address.
	URL() string
	// Close releases the endpoint. Repeated calls return nil.
	Close() error
}

// Opener opens a tunnel to a local port.
type Opener interface {
	Open(ctx context.Context, localPort int) (Tunnel, error)
}

// forwarder is the part of an ngrok forwarder the tunnel uses.
type forwarder interface {
	URL() string
	Close() error
}

type forwardFunc func(ctx context.Context, backend *url.URL, authtoken string) (forwarder, error)

func ngrokForward(ctx context.Context, backend *url.URL, authtoken string) (forwarder, error) {
	fwd, err := ngrok.ListenAndForward(ctx, backend, config.HTTPEndpoint(), ngrok.WithAuthtoken(authtoken))
	if err != nil {
		return nil, err
	}
	return fwd, nil
}

// Ngrok opens tunnels through the ngrok agent SDK.
type Ngrok struct {
	authtoken string
	logger    *slog.Logger
	forward   forwardFunc
}

// NewNgrok returns an ngrok opener authenticated with authtoken.
func NewNgrok(authtoken string, logger *slog.Logger) *Ngrok {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ngrok{authtoken: strings.TrimSpace(authtoken), logger: logger, forward: ngrokForward}
}

// Open forwards a new public endpoint to http://127.0.0.1:localPort.
func (n *Ngrok) Open(ctx context.Context, localPort int) (Tunnel, error) {
	if n.authtoken == "" {
		return nil, calltest.NewError(calltest.CodeTunnelUnavailable, "missing_authtoken",
			errors.New("NGROK_AUTHTOKEN is not set"))
	}
	if localPort <= 0 {
		return nil, calltest.NewError(calltest.CodeTunnelUnavailable, "invalid_port",
			fmt.Errorf("invalid local port %d", localPort))
	}
	backend := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", localPort)}

	fwd, err := n.forward(ctx, backend, n.authtoken)
	if err != nil {
		return nil, calltest.NewError(calltest.CodeTunnelUnavailable, "ngrok", err)
	}
	public := strings.TrimRight(fwd.URL(), "/")
	if !strings.HasPrefix(public, "https://") {
		_ = fwd.Close()
		return nil, calltest.NewError(calltest.CodeTunnelUnavailable, "ngrok",
			fmt.Errorf("unexpected public url %q", public))
	}
	n.logger.Info("tunnel opened", "url", public, "port", localPort)
	return &closer{url: public, close: fwd.Close}, nil
}

// Static is a pre-provisioned public address, such as a reverse proxy that
// already routes to the local ports. It opens no connection of its own.
type Static struct {
	baseURL string
	perPort bool
}

// NewStatic returns a static opener. When perPort is set, the local port is
// appended as a path segment (https://host/<port>) so one proxy can front
// several concurrent sessions. The proxy must then route
// https://host/<port>/... to 127.0.0.1:<port> and strip the /<port> prefix:
// the channel only serves /media, /voice, /status and /transcription at its
// root. Webhook signatures are still checked against the public URL
// including the prefix, which is the URL Twilio signs.
func NewStatic(baseURL string, perPort bool) (*Static, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Host == "" {
		return nil, calltest.NewError(calltest.CodeConfig, "PUBLIC_URL", fmt.Errorf("invalid public url %q", baseURL))
	}
	if u.Scheme != "https" {
		return nil, calltest.NewError(calltest.CodeConfig, "PUBLIC_URL", fmt.Errorf("public url must be https, got %q", baseURL))
	}
	return &Static{baseURL: u.String(), perPort: perPort}, nil
}

func (s *Static) Open(ctx context.Context, localPort int) (Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, calltest.NewError(calltest.CodeTunnelUnavailable, "canceled", err)
	}
	u := s.baseURL
	if s.perPort {
		u = fmt.Sprintf("%s/%d", u, localPort)
	}
	return &closer{url: u}, nil
}

type closer struct {
	url   string
	close func() error

	once sync.Once
}

func (c *closer) URL() string { return c.url }

// Close closes the endpoint once. Only the first call reports its error.
func (c *closer) Close() error {
	var err error
	c.once.Do(func() {
		if c.close != nil {
			err = c.close()
		}
	})
	return err
}

// WebsocketURL converts a public https base into its wss form plus path.
func WebsocketURL(base, path string) string {
	return "wss://" + strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://") + path
}
