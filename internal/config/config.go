// Package config loads process configuration from the environment, an
// optional .env file and, when PARAM_PREFIX is set, AWS SSM Parameter Store.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/internal/paramstore"
)

// Judge providers.
const (
	JudgeOpenAI = "openai"
	JudgeGemini = "gemini"
)

// Config is everything the process reads from its environment.
type Config struct {
	Twilio    TwilioConfig
	Tunnel    TunnelConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Judge     JudgeConfig
	Server    ServerConfig
	Call      CallConfig
	Store     StoreConfig
	Log       LogConfig
	ParamPath string
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	BaseURL     string
	// Voice is the default <Say> voice for personas without one.
	Voice    string
	Language string
	// TranscriptionEngine selects Twilio's speech engine; empty keeps Twilio's default.
	TranscriptionEngine string
	ProfanityFilter     bool
	// ValidateWebhooks checks X-Twilio-Signature on channel webhooks.
	ValidateWebhooks bool
}

type TunnelConfig struct {
	NgrokAuthtoken string
	// PublicURL replaces ngrok with a pre-provisioned https endpoint.
	PublicURL string
	// PublicURLPerPort appends /<port> to PublicURL for each session.
	PublicURLPerPort bool
}

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	PersonaModel string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
}

type JudgeConfig struct {
	Provider    string
	Model       string
	Concurrency int
}

type ServerConfig struct {
	Port          int
	MediaPortBase int
	BindHost      string
	MaxConcurrent int
}

type CallConfig struct {
	ConnectTimeout time.Duration
	MaxDuration    time.Duration
	MaxTurns       int
	SilenceTimeout time.Duration
	RingTimeout    time.Duration
}

type StoreConfig struct {
	Kind          string
	Dir           string
	DynamoTable   string
	MySQLAddr     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string
	AzureConnStr  string
	AzureURL      string
	AzureCont     string
	RecordingsDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// secrets may be read from Parameter Store when missing from the environment.
var secrets = []string{
	"TWILIO_ACCOUNT_SID",
	"TWILIO_AUTH_TOKEN",
	"NGROK_AUTHTOKEN",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"MYSQL_PASSWORD",
	"AZURE_STORAGE_CONNECTION_STRING",
}

// Loader reads configuration. Getenv defaults to os.Getenv; Params is only
// consulted when PARAM_PREFIX is set.
type Loader struct {
	Getenv func(string) string
	Params paramstore.Getter
}

// Load reads .env (if present) and the environment, falling back to SSM for
// secrets when PARAM_PREFIX is set.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	l := Loader{Getenv: os.Getenv}
	if os.Getenv("PARAM_PREFIX") != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, calltest.NewError(calltest.CodeConfig, "PARAM_PREFIX", fmt.Errorf("config: load aws config: %w", err))
		}
		params, err := paramstore.New(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, calltest.NewError(calltest.CodeConfig, "PARAM_PREFIX", err)
		}
		l.Params = params
	}
	return l.Load(ctx)
}

// Load builds a Config. Malformed values are CONFIG_ERRORs naming the
// variable; missing credentials are reported by Validate.
func (l Loader) Load(ctx context.Context) (*Config, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	env := &reader{getenv: getenv, values: map[string]string{}}

	prefix := env.str("PARAM_PREFIX", "")
	if prefix != "" && l.Params != nil {
		for _, key := range secrets {
			if env.str(key, "") != "" {
				continue
			}
			v, err := l.Params.GetParameter(ctx, paramstore.Name(prefix, key))
			if err != nil {
				continue
			}
			env.values[key] = v
		}
	}

	cfg := &Config{
		ParamPath: prefix,
		Twilio: TwilioConfig{
			AccountSID:          env.str("TWILIO_ACCOUNT_SID", ""),
			AuthToken:           env.str("TWILIO_AUTH_TOKEN", ""),
			PhoneNumber:         env.str("TWILIO_PHONE_NUMBER", ""),
			BaseURL:             env.str("TWILIO_API_BASE_URL", calltest.DefaultAPIBaseURL),
			Voice:               env.str("TWILIO_VOICE", ""),
			Language:            env.str("TWILIO_LANGUAGE", "en-US"),
			TranscriptionEngine: env.str("TWILIO_TRANSCRIPTION_ENGINE", ""),
			ProfanityFilter:     env.boolean("TWILIO_PROFANITY_FILTER", false),
			ValidateWebhooks:    env.boolean("VALIDATE_WEBHOOKS", true),
		},
		Tunnel: TunnelConfig{
			NgrokAuthtoken:   env.str("NGROK_AUTHTOKEN", ""),
			PublicURL:        env.str("PUBLIC_URL", ""),
			PublicURLPerPort: env.boolean("PUBLIC_URL_PER_PORT", false),
		},
		OpenAI: OpenAIConfig{
			APIKey:       env.str("OPENAI_API_KEY", ""),
			BaseURL:      env.str("OPENAI_BASE_URL", ""),
			PersonaModel: env.str("PERSONA_MODEL", "gpt-4o"),
		},
		Gemini: GeminiConfig{
			APIKey:  env.str("GEMINI_API_KEY", ""),
			BaseURL: env.str("GEMINI_BASE_URL", ""),
		},
		Judge: JudgeConfig{
			Provider:    strings.ToLower(env.str("JUDGE_PROVIDER", JudgeOpenAI)),
			Model:       env.str("JUDGE_MODEL", ""),
			Concurrency: env.integer("JUDGE_CONCURRENCY", 4),
		},
		Server: ServerConfig{
			Port:          env.integer("PORT", 7821),
			MediaPortBase: env.integer("MEDIA_PORT_BASE", 8765),
			BindHost:      env.str("BIND_HOST", "127.0.0.1"),
			MaxConcurrent: env.integer("MAX_CONCURRENT_TESTS", 4),
		},
		Call: CallConfig{
			ConnectTimeout: env.duration("CONNECT_TIMEOUT", 60*time.Second),
			MaxDuration:    env.duration("MAX_CALL_DURATION", 10*time.Minute),
			MaxTurns:       env.integer("MAX_TURNS", 40),
			SilenceTimeout: env.duration("SILENCE_TIMEOUT", 30*time.Second),
			RingTimeout:    env.duration("RING_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			Kind:          strings.ToLower(env.str("RESULT_STORE", "none")),
			Dir:           env.str("RESULTS_DIR", "results"),
			DynamoTable:   env.str("RESULTS_TABLE", ""),
			MySQLAddr:     env.str("MYSQL_ADDR", ""),
			MySQLUser:     env.str("MYSQL_USER", ""),
			MySQLPassword: env.str("MYSQL_PASSWORD", ""),
			MySQLDatabase: env.str("MYSQL_DATABASE", ""),
			AzureConnStr:  env.str("AZURE_STORAGE_CONNECTION_STRING", ""),
			AzureURL:      env.str("AZURE_STORAGE_ACCOUNT_URL", ""),
			AzureCont:     env.str("AZURE_STORAGE_CONTAINER", "calltest"),
			RecordingsDir: env.str("RECORDINGS_DIR", ""),
		},
		Log: LogConfig{
			Level:  env.str("LOG_LEVEL", "info"),
			Format: env.str("LOG_FORMAT", "auto"),
		},
	}
	if err := env.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing credential or invalid setting needed to
// run calls.
func (c *Config) Validate() error {
	required := []struct{ name, value string }{
		{"TWILIO_ACCOUNT_SID", c.Twilio.AccountSID},
		{"TWILIO_AUTH_TOKEN", c.Twilio.AuthToken},
		{"TWILIO_PHONE_NUMBER", c.Twilio.PhoneNumber},
		{"OPENAI_API_KEY", c.OpenAI.APIKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return missing(r.name)
		}
	}
	if c.Tunnel.NgrokAuthtoken == "" && c.Tunnel.PublicURL == "" {
		return calltest.NewError(calltest.CodeConfig, "NGROK_AUTHTOKEN",
			errors.New("config: NGROK_AUTHTOKEN or PUBLIC_URL must be set"))
	}
	switch c.Judge.Provider {
	case JudgeOpenAI:
	case JudgeGemini:
		if c.Gemini.APIKey == "" {
			return missing("GEMINI_API_KEY")
		}
	default:
		return calltest.NewError(calltest.CodeConfig, "JUDGE_PROVIDER",
			fmt.Errorf("config: unknown judge provider %q", c.Judge.Provider))
	}
	if c.Server.MaxConcurrent < 1 {
		return calltest.NewError(calltest.CodeConfig, "MAX_CONCURRENT_TESTS", errors.New("config: MAX_CONCURRENT_TESTS must be at least 1"))
	}
	return nil
}

func missing(name string) error {
	return calltest.NewError(calltest.CodeConfig, name, fmt.Errorf("config: %s is not set", name))
}

// reader collects the first malformed value while reading.
type reader struct {
	getenv func(string) string
	values map[string]string
	first  error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.values[key]; ok {
		return v
	}
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if secs, aerr := strconv.Atoi(v); aerr == nil {
			return time.Duration(secs) * time.Second
		}
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *reader) fail(key string, err error) {
	if r.first == nil {
		r.first = calltest.NewError(calltest.CodeConfig, key, fmt.Errorf("config: invalid %s: %w", key, err))
	}
}

func (r *reader) err() error {
	return r.first
}
