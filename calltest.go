// Package calltest runs end-to-end tests against voice agents over real phone calls.
//
// A test pairs a persona (an LLM-driven caller) with a scenario (an objective
// plus pass/fail criteria). The orchestrator opens a publicly reachable call
// channel, has Twilio bridge a live call into it, lets the persona talk to the
// agent under test, and finally asks a judge model to score the transcript
// against every criterion.
//
// # Packages
//
//   - scenario: Persona, Scenario, Criterion and Test definitions
//   - tunnel, channel, transport: the public real-time endpoint for one call
//   - callsystem: Twilio call origination, inbound routing and speech
//   - conversation, agent: the turn-by-turn persona loop and its transcript
//   - evaluation, judge: per-criterion LLM judgments
//   - orchestrator: the per-test state machine and the multi-test runner
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Twilio Auth Token
//	TWILIO_PHONE_NUMBER - caller-id number calls are placed from
//	NGROK_AUTHTOKEN     - ngrok token (or PUBLIC_URL for a fixed endpoint)
//	OPENAI_API_KEY      - persona and judge model key
package calltest

// Version is the module version.
const Version = "0.2.0"

// ProviderName identifies the telephony provider in logs and results.
const ProviderName = "twilio"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

	// MediaStreamPath is where the channel accepts Media Streams websockets.
	MediaStreamPath = "/media"

	// VoiceWebhookPath answers inbound calls with stream TwiML.
	VoiceWebhookPath = "/voice"

	// StatusWebhookPath receives call status callbacks.
	StatusWebhookPath = "/status"

	// TranscriptionWebhookPath receives real-time transcription callbacks.
	TranscriptionWebhookPath = "/transcription"
)

// Audio format constants for Media Streams.
const (
	// AudioEncodingMulaw is the μ-law encoding (8-bit, 8kHz).
	AudioEncodingMulaw = "audio/x-mulaw"

	// DefaultSampleRate is the default sample rate for Twilio audio (8kHz).
	DefaultSampleRate = 8000
)

// Call status values reported by Twilio status callbacks.
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalCallStatus reports whether a Twilio call status means the call is over.
func IsTerminalCallStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	default:
		return false
	}
}
