package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentplexus/calltest"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func validEnv() map[string]string {
	return map[string]string{
		"TWILIO_ACCOUNT_SID":  "AC123",
		"TWILIO_AUTH_TOKEN":   "token",
		"TWILIO_PHONE_NUMBER": "+15559990000",
		"NGROK_AUTHTOKEN":     "ngrok",
		"OPENAI_API_KEY":      "sk-test",
	}
}

type fakeParams struct {
	values map[string]string
	asked  []string
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.asked = append(f.asked, name)
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("ParameterNotFound")
	}
	return v, nil
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Loader{Getenv: envOf(validEnv())}.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 7821, cfg.Server.Port)
	require.Equal(t, 8765, cfg.Server.MediaPortBase)
	require.Equal(t, 60*time.Second, cfg.Call.ConnectTimeout)
	require.Equal(t, 30*time.Second, cfg.Call.SilenceTimeout)
	require.Equal(t, JudgeOpenAI, cfg.Judge.Provider)
	require.Equal(t, "gpt-4o", cfg.OpenAI.PersonaModel)
	require.Equal(t, "none", cfg.Store.Kind)
	require.True(t, cfg.Twilio.ValidateWebhooks)
	require.Equal(t, calltest.DefaultAPIBaseURL, cfg.Twilio.BaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	env := validEnv()
	env["CONNECT_TIMEOUT"] = "45"
	env["MAX_CALL_DURATION"] = "3m"
	env["JUDGE_PROVIDER"] = "Gemini"
	env["GEMINI_API_KEY"] = "g-key"
	env["RESULT_STORE"] = "DynamoDB"
	env["VALIDATE_WEBHOOKS"] = "false"
	env["TWILIO_TRANSCRIPTION_ENGINE"] = "deepgram"
	env["TWILIO_PROFANITY_FILTER"] = "true"

	cfg, err := Loader{Getenv: envOf(env)}.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 45*time.Second, cfg.Call.ConnectTimeout)
	require.Equal(t, 3*time.Minute, cfg.Call.MaxDuration)
	require.Equal(t, JudgeGemini, cfg.Judge.Provider)
	require.Equal(t, "dynamodb", cfg.Store.Kind)
	require.False(t, cfg.Twilio.ValidateWebhooks)
	require.Equal(t, "deepgram", cfg.Twilio.TranscriptionEngine)
	require.True(t, cfg.Twilio.ProfanityFilter)
}

func TestLoad_MalformedValue(t *testing.T) {
	env := validEnv()
	env["MAX_TURNS"] = "lots"
	_, err := Loader{Getenv: envOf(env)}.Load(context.Background())
	require.True(t, calltest.IsCode(err, calltest.CodeConfig))
	require.ErrorContains(t, err, "MAX_TURNS")
}

func TestValidate_MissingCredentials(t *testing.T) {
	for _, key := range []string{"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_PHONE_NUMBER", "OPENAI_API_KEY", "NGROK_AUTHTOKEN"} {
		t.Run(key, func(t *testing.T) {
			env := validEnv()
			delete(env, key)
			cfg, err := Loader{Getenv: envOf(env)}.Load(context.Background())
			require.NoError(t, err)

			err = cfg.Validate()
			require.True(t, calltest.IsCode(err, calltest.CodeConfig))
			require.ErrorContains(t, err, key)
		})
	}
}

func TestValidate_PublicURLReplacesNgrok(t *testing.T) {
	env := validEnv()
	delete(env, "NGROK_AUTHTOKEN")
	env["PUBLIC_URL"] = "https://calls.example.com"
	cfg, err := Loader{Getenv: envOf(env)}.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidate_GeminiNeedsKey(t *testing.T) {
	env := validEnv()
	env["JUDGE_PROVIDER"] = "gemini"
	cfg, err := Loader{Getenv: envOf(env)}.Load(context.Background())
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "GEMINI_API_KEY")

	env["JUDGE_PROVIDER"] = "claude"
	cfg, err = Loader{Getenv: envOf(env)}.Load(context.Background())
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "JUDGE_PROVIDER")
}

func TestLoad_SecretsFromParameterStore(t *testing.T) {
	env := validEnv()
	delete(env, "TWILIO_AUTH_TOKEN")
	delete(env, "OPENAI_API_KEY")
	env["PARAM_PREFIX"] = "/calltest/prod/"

	params := &fakeParams{values: map[string]string{
		"/calltest/prod/TWILIO_AUTH_TOKEN": "from-ssm",
		"/calltest/prod/OPENAI_API_KEY":    "sk-ssm",
	}}
	cfg, err := Loader{Getenv: envOf(env), Params: params}.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "from-ssm", cfg.Twilio.AuthToken)
	require.Equal(t, "sk-ssm", cfg.OpenAI.APIKey)
	require.Equal(t, "AC123", cfg.Twilio.AccountSID)
	require.NotContains(t, params.asked, "/calltest/prod/TWILIO_ACCOUNT_SID")
}
