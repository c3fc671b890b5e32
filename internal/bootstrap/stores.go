package bootstrap

import (
	"github.com/eleven-am/tts-multiplex/internal/cache"
	"github.com/eleven-am/tts-multiplex/internal/history"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideHistoryStore(db *gorm.DB) *history.Store {
	return history.NewStore(db)
}

func ProvideAudioCache(redisClient *redis.Client, cfg *Config) *cache.AudioCache {
	return cache.NewAudioCache(redisClient, cfg.AudioCacheTTL)
}

func RunMigrations(historyStore *history.Store) error {
	return historyStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideHistoryStore,
		ProvideAudioCache,
	),
	fx.Invoke(RunMigrations),
)
