package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/tts-multiplex/internal/cache"
	"github.com/eleven-am/tts-multiplex/internal/history"
	"github.com/eleven-am/tts-multiplex/internal/multiplex"
	"github.com/eleven-am/tts-multiplex/internal/shared"
	"github.com/eleven-am/tts-multiplex/internal/synthesis"
	"github.com/eleven-am/tts-multiplex/internal/transport"
	"go.uber.org/fx"
)

func ProvideDialer(cfg *Config, logger *slog.Logger) multiplex.Dialer {
	return transport.NewWSDialer(cfg.TTSConnectTimeout, logger)
}

func ProvideConnection(cfg *Config, dialer multiplex.Dialer, logger *slog.Logger) (*multiplex.Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return multiplex.New(multiplex.Config{
		BaseURL:     cfg.TTSBaseURL,
		APIKey:      cfg.TTSAPIKey,
		VoiceID:     cfg.TTSVoiceID,
		MaxContexts: cfg.TTSMaxContexts,
	}, dialer,
		multiplex.WithLogger(logger),
		multiplex.WithOnDisconnected(func(err error) {
			if err != nil {
				logger.Warn("tts connection lost", "error", err)
			}
		}),
		multiplex.WithOnGlobalError(func(err error) {
			logger.Error("tts connection error", "error", err)
		}),
	), nil
}

func ProvideSynthesisConfig(cfg *Config) (synthesis.Config, error) {
	format, err := shared.ParseAudioFormat(cfg.TTSFormat)
	if err != nil {
		return synthesis.Config{}, err
	}
	return synthesis.Config{
		VoiceID: cfg.TTSVoiceID,
		Params:  cfg.TTSParams(),
		Format:  format,
		Timeout: cfg.TTSSynthTimeout,
	}, nil
}

func ProvideSynthesisClient(
	conn *multiplex.Connection,
	cfg synthesis.Config,
	audioCache *cache.AudioCache,
	historyStore *history.Store,
	logger *slog.Logger,
) *synthesis.Client {
	return synthesis.New(conn, cfg,
		synthesis.WithCache(audioCache),
		synthesis.WithRecorder(historyStore),
		synthesis.WithLogger(logger),
	)
}

func StartUpstream(lc fx.Lifecycle, client *synthesis.Client, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("connecting to tts upstream")
			return client.Connect(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
}

var TTSModule = fx.Options(
	fx.Provide(
		ProvideDialer,
		ProvideConnection,
		ProvideSynthesisConfig,
		ProvideSynthesisClient,
	),
	fx.Invoke(StartUpstream),
)
