package bootstrap

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	Debug      bool

	TTSBaseURL        string
	TTSAPIKey         string
	TTSVoiceID        string
	TTSModelID        string
	TTSFormat         string
	TTSLanguageCode   string
	TTSMaxContexts    int
	TTSSynthTimeout   time.Duration
	TTSConnectTimeout time.Duration

	DatabaseDSN          string
	DatabaseMaxOpenConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AudioCacheTTL time.Duration

	RateLimitRPS   int
	RateLimitBurst int
}

// LoadConfig reads the environment, after loading a .env file when one is
// present in the working directory.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Debug:      getEnvBool("TTS_DEBUG", false),

		TTSBaseURL:        getEnv("TTS_BASE_URL", "wss://api.elevenlabs.io"),
		TTSAPIKey:         getEnv("TTS_API_KEY", ""),
		TTSVoiceID:        getEnv("TTS_VOICE_ID", ""),
		TTSModelID:        getEnv("TTS_MODEL_ID", "eleven_flash_v2_5"),
		TTSFormat:         getEnv("TTS_FORMAT", "pcm_16000"),
		TTSLanguageCode:   getEnv("TTS_LANGUAGE_CODE", ""),
		TTSMaxContexts:    getEnvInt("TTS_MAX_CONTEXTS", 5),
		TTSSynthTimeout:   time.Duration(getEnvInt("TTS_SYNTH_TIMEOUT_MS", 30000)) * time.Millisecond,
		TTSConnectTimeout: time.Duration(getEnvInt("TTS_CONNECT_TIMEOUT_MS", 10000)) * time.Millisecond,

		DatabaseDSN:          getEnv("DATABASE_DSN", ""),
		DatabaseMaxOpenConns: getEnvInt("DATABASE_MAX_OPEN_CONNS", 10),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AudioCacheTTL: time.Duration(getEnvInt("AUDIO_CACHE_TTL_MIN", 24*60)) * time.Minute,

		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.TTSBaseURL == "" {
		errs = append(errs, errors.New("TTS_BASE_URL is required"))
	}
	if c.TTSAPIKey == "" {
		errs = append(errs, errors.New("TTS_API_KEY is required"))
	}
	if c.TTSVoiceID == "" {
		errs = append(errs, errors.New("TTS_VOICE_ID is required"))
	}
	return errors.Join(errs...)
}

// TTSParams are the query parameters sent when the upstream connection is
// opened.
func (c *Config) TTSParams() map[string]string {
	params := map[string]string{}
	if c.TTSModelID != "" {
		params["model_id"] = c.TTSModelID
	}
	if c.TTSFormat != "" {
		params["output_format"] = c.TTSFormat
	}
	if c.TTSLanguageCode != "" {
		params["language_code"] = c.TTSLanguageCode
	}
	return params
}

func (c *Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
