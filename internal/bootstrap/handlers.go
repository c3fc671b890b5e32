package bootstrap

import (
	"log/slog"
	"os"

	"github.com/eleven-am/tts-multiplex/internal/history"
	"github.com/eleven-am/tts-multiplex/internal/synthesis"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	SpeechHandler *synthesis.Handler
	Config        *Config
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	limiter := synthesis.RateLimiter(synthesis.RateLimiterConfig{
		RequestsPerSecond: float64(params.Config.RateLimitRPS),
		Burst:             params.Config.RateLimitBurst,
	})
	params.SpeechHandler.RegisterRoutes(e.Group("/v1"), limiter)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.EffectiveLogLevel()),
	}))
}

func ProvideSpeechHandler(client *synthesis.Client, store *history.Store, logger *slog.Logger) *synthesis.Handler {
	return synthesis.NewHandler(client, store, logger.With("handler", "speech"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideSpeechHandler,
	),
	fx.Invoke(RegisterRoutes),
)
