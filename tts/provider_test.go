package tts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice/tts"
)

func TestSay(t *testing.T) {
	p := New()
	out, err := p.Say(context.Background(), "  Can I get a dozen donuts? ", tts.SynthesisConfig{})
	require.NoError(t, err)
	require.Equal(t,
		`<?xml version="1.0" encoding="UTF-8"?>`+"\n"+
			`<Response><Say voice="Polly.Joanna" language="en-US">Can I get a dozen donuts?</Say><Pause length="3600"></Pause></Response>`,
		out)
}

func TestSay_EscapesAndUsesVoiceLanguage(t *testing.T) {
	p := New()
	out, err := p.Say(context.Background(), "Fish & chips <please>", tts.SynthesisConfig{VoiceID: "Polly.Amy"})
	require.NoError(t, err)
	require.Contains(t, out, `voice="Polly.Amy" language="en-GB"`)
	require.Contains(t, out, "Fish &amp; chips &lt;please&gt;")
}

func TestSay_ModelOverridesLanguage(t *testing.T) {
	p := New(WithVoice("alice"), WithLanguage("en-AU"))
	out, err := p.Say(context.Background(), "hola", tts.SynthesisConfig{Model: "es-MX"})
	require.NoError(t, err)
	require.Contains(t, out, `voice="alice" language="es-MX"`)

	out, err = p.Say(context.Background(), "g'day", tts.SynthesisConfig{VoiceID: "Custom.Voice"})
	require.NoError(t, err)
	require.Contains(t, out, `voice="Custom.Voice" language="en-AU"`)
}

func TestSayAndHangup(t *testing.T) {
	out, err := New().SayAndHangup(context.Background(), "bye!", tts.SynthesisConfig{})
	require.NoError(t, err)
	require.Contains(t, out, `<Say voice="Polly.Joanna" language="en-US">bye!</Say><Hangup></Hangup></Response>`)
	require.NotContains(t, out, "Pause")
}

func TestSay_EmptyText(t *testing.T) {
	_, err := New().Say(context.Background(), " ", tts.SynthesisConfig{})
	require.Error(t, err)
}

func TestVoices(t *testing.T) {
	p := New()
	require.Equal(t, "twilio", p.Name())

	all := p.ListVoices(context.Background(), "")
	require.NotEmpty(t, all)

	es := p.ListVoices(context.Background(), "es")
	require.Len(t, es, 2)
	for _, v := range es {
		require.EqualValues(t, "es-US", v.Language)
	}

	v, err := p.GetVoice(context.Background(), "Polly.Matthew")
	require.NoError(t, err)
	require.EqualValues(t, "male", v.Gender)

	_, err = p.GetVoice(context.Background(), "nope")
	require.ErrorContains(t, err, "voice not found")
}
