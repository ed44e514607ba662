package orchestrator

import (
	"context"
	"time"

	omnicall "github.com/agentplexus/omnivoice/callsystem"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/callsystem"
	"github.com/agentplexus/calltest/channel"
)

// Twilio adapts a *callsystem.Provider to Telephony.
type Twilio struct {
	provider    *callsystem.Provider
	ringTimeout time.Duration
}

var _ Telephony = (*Twilio)(nil)

// NewTwilio wraps provider. A positive ringTimeout bounds how long Twilio
// lets outbound calls ring.
func NewTwilio(provider *callsystem.Provider, ringTimeout time.Duration) *Twilio {
	return &Twilio{provider: provider, ringTimeout: ringTimeout}
}

// Dial implements Telephony.
func (t *Twilio) Dial(ctx context.Context, to string, ep callsystem.Endpoint) (channel.Call, error) {
	var opts []omnicall.CallOption
	if t.ringTimeout > 0 {
		opts = append(opts, callsystem.WithRingTimeout(t.ringTimeout))
	}
	call, err := t.provider.Originate(ctx, to, ep, opts...)
	if err != nil {
		return nil, calltest.NewError(calltest.CodeChannel, "originate", err)
	}
	return call, nil
}

// RouteInbound implements Telephony.
func (t *Twilio) RouteInbound(ctx context.Context, ep callsystem.Endpoint) (func(context.Context) error, error) {
	return t.provider.RouteInbound(ctx, ep)
}

// HandleStatusCallback implements channel.Telephony.
func (t *Twilio) HandleStatusCallback(callSID, status string) (omnicall.CallStatus, bool) {
	return t.provider.HandleStatusCallback(callSID, status)
}

// Answer implements channel.Telephony.
func (t *Twilio) Answer(callSID, from, to, expectedFrom string, ep callsystem.Endpoint) (channel.Call, string, error) {
	call, twiml, err := t.provider.HandleIncomingWebhook(callSID, from, to, expectedFrom, ep)
	if err != nil || call == nil {
		return nil, twiml, err
	}
	return call, twiml, nil
}
