package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentplexus/calltest/agent"
	"github.com/agentplexus/calltest/callsystem"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/evaluation"
	"github.com/agentplexus/calltest/internal/client"
	"github.com/agentplexus/calltest/internal/config"
	"github.com/agentplexus/calltest/internal/gemini"
	"github.com/agentplexus/calltest/internal/openai"
	"github.com/agentplexus/calltest/judge"
	"github.com/agentplexus/calltest/orchestrator"
	"github.com/agentplexus/calltest/store"
	"github.com/agentplexus/calltest/stt"
	"github.com/agentplexus/calltest/tts"
	"github.com/agentplexus/calltest/tunnel"
)

// engine is a wired runner plus the resources it holds.
type engine struct {
	runner *orchestrator.Runner
	store  store.Store
	calls  *callsystem.Provider
}

func (e *engine) Close(ctx context.Context) error {
	err := e.calls.Close(ctx)
	if serr := e.store.Close(); err == nil {
		err = serr
	}
	return err
}

// newEngine builds every collaborator from cfg. Credentials are validated
// before anything touches the network.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, concurrency int) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	twilioAPI, err := client.New(client.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	sttOpts := []stt.Option{
		stt.WithLanguage(cfg.Twilio.Language),
		stt.WithProfanityFilter(cfg.Twilio.ProfanityFilter),
	}
	if cfg.Twilio.TranscriptionEngine != "" {
		sttOpts = append(sttOpts, stt.WithEngine(cfg.Twilio.TranscriptionEngine))
	}
	ttsOpts := []tts.Option{tts.WithLanguage(cfg.Twilio.Language)}
	if cfg.Twilio.Voice != "" {
		ttsOpts = append(ttsOpts, tts.WithVoice(cfg.Twilio.Voice))
	}
	calls, err := callsystem.New(twilioAPI,
		callsystem.WithPhoneNumber(cfg.Twilio.PhoneNumber),
		callsystem.WithSTT(stt.New(sttOpts...)),
		callsystem.WithTTS(tts.New(ttsOpts...)),
		callsystem.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	var openaiOpts []openai.Option
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	chat, err := openai.NewClient(cfg.OpenAI.APIKey, openaiOpts...)
	if err != nil {
		return nil, err
	}
	persona, err := agent.NewPersona(chat, agent.WithModel(cfg.OpenAI.PersonaModel))
	if err != nil {
		return nil, err
	}

	j, err := newJudge(cfg, chat)
	if err != nil {
		return nil, err
	}
	pipeline, err := evaluation.NewPipeline(j,
		evaluation.WithConcurrency(cfg.Judge.Concurrency),
		evaluation.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	var tunnels tunnel.Opener
	if cfg.Tunnel.PublicURL != "" {
		static, err := tunnel.NewStatic(cfg.Tunnel.PublicURL, cfg.Tunnel.PublicURLPerPort)
		if err != nil {
			return nil, err
		}
		tunnels = static
		if !cfg.Tunnel.PublicURLPerPort && concurrency > 1 {
			logger.Warn("a shared PUBLIC_URL serves one session at a time", "requested_concurrency", concurrency)
			concurrency = 1
		}
	} else {
		tunnels = tunnel.NewNgrok(cfg.Tunnel.NgrokAuthtoken, logger)
	}

	results, err := store.Open(ctx, store.Config{
		Kind:  cfg.Store.Kind,
		Dir:   cfg.Store.Dir,
		Table: cfg.Store.DynamoTable,
		MySQL: store.MySQLConfig{
			Addr:     cfg.Store.MySQLAddr,
			User:     cfg.Store.MySQLUser,
			Password: cfg.Store.MySQLPassword,
			Database: cfg.Store.MySQLDatabase,
		},
		AzureConnectionString: cfg.Store.AzureConnStr,
		AzureAccountURL:       cfg.Store.AzureURL,
		AzureContainer:        cfg.Store.AzureCont,
	})
	if err != nil {
		return nil, err
	}

	ports, err := orchestrator.NewPortPool(cfg.Server.MediaPortBase, concurrency)
	if err != nil {
		_ = results.Close()
		return nil, err
	}

	authToken := ""
	if cfg.Twilio.ValidateWebhooks {
		authToken = cfg.Twilio.AuthToken
	}
	runner, err := orchestrator.NewRunner(orchestrator.Deps{
		Telephony: orchestrator.NewTwilio(calls, cfg.Call.RingTimeout),
		Generator: persona,
		Evaluator: pipeline,
		Tunnels:   tunnels,
	}, orchestrator.Config{
		BindHost:       cfg.Server.BindHost,
		ConnectTimeout: cfg.Call.ConnectTimeout,
		Conversation: conversation.Config{
			MaxTurns:       cfg.Call.MaxTurns,
			MaxDuration:    cfg.Call.MaxDuration,
			SilenceTimeout: cfg.Call.SilenceTimeout,
		},
		RecordingsDir: cfg.Store.RecordingsDir,
		AuthToken:     authToken,
		Logger:        logger,
	},
		orchestrator.WithPortPool(ports),
		orchestrator.WithConcurrency(concurrency),
		orchestrator.WithResultSink(results),
	)
	if err != nil {
		_ = results.Close()
		return nil, err
	}
	return &engine{runner: runner, store: results, calls: calls}, nil
}

func newJudge(cfg *config.Config, chat *openai.Client) (judge.Judge, error) {
	switch cfg.Judge.Provider {
	case config.JudgeGemini:
		model := cfg.Judge.Model
		if model == "" {
			model = judge.DefaultGeminiModel
		}
		var opts []gemini.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		gc, err := gemini.NewClient(cfg.Gemini.APIKey, model, opts...)
		if err != nil {
			return nil, err
		}
		return judge.NewGemini(gc)
	case config.JudgeOpenAI:
		return judge.NewOpenAI(chat, cfg.Judge.Model)
	default:
		return nil, fmt.Errorf("unknown judge provider %q", cfg.Judge.Provider)
	}
}
