package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string
	MySQLDSN string

	// Видеопровайдер по умолчанию: replicate | kie | luma | runway.
	VideoProvider string

	ReplicateAPIToken string
	ReplicateModelT2V string
	ReplicateModelI2V string
	ReplicatePollSec  time.Duration
	ReplicateTimeout  time.Duration
	WarmupTrimSec     float64

	KIEAPIKey     string
	KIEBaseURL    string
	KIEModel      string
	KIEStartPath  string
	KIEStatusPath string
	KIETimeout    time.Duration

	LumaAPIKey     string
	LumaBaseURL    string
	LumaModel      string
	LumaStartPath  string
	LumaStatusPath string
	LumaKeyHeader  string

	RunwayAPIKey     string
	RunwayBaseURL    string
	RunwayModel      string
	RunwayStartPath  string
	RunwayStatusPath string
	RunwayKeyHeader  string

	OutDir          string
	DefaultDuration float64
	FinalFPS        int
	MediaWorkers    int
	FFmpegPath      string
	FFmpegTimeout   time.Duration

	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	TelegramPaymentProviderToken string
	PaymentCurrency              string
	PaymentPriceMinorUnits       int
	PaymentCreditsPerPackage     int
	PaymentProvider              string
	YooKassaShopID               string
	YooKassaSecretKey            string
	YooKassaReturnURL            string
	PromoBonusCredits            int

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
// Only the bot token and the MySQL DSN are hard requirements: provider keys
// are checked by the provider that actually needs them.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		VideoProvider: strings.ToLower(getEnv("VIDEO_PROVIDER", "replicate")),

		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateModelT2V: getEnv("REPLICATE_MODEL_T2V", "wan-video/wan-2.2-t2v-fast"),
		ReplicateModelI2V: getEnv("REPLICATE_MODEL_I2V", "wan-video/wan-2.2-i2v-fast"),
		ReplicatePollSec:  secondsFloat("REPLICATE_POLL_SECONDS", 1.5),
		ReplicateTimeout:  time.Second * time.Duration(getInt("REPLICATE_TIMEOUT_SECONDS", 300)),
		WarmupTrimSec:     getFloat("WARMUP_TRIM_SEC", 0.20),

		KIEAPIKey:     os.Getenv("KIE_API_KEY"),
		KIEBaseURL:    getEnv("KIE_BASE_URL", "https://api.kie.ai"),
		KIEModel:      getEnv("KIE_MODEL", "veo3_fast"),
		KIEStartPath:  os.Getenv("KIE_START_PATH"),
		KIEStatusPath: os.Getenv("KIE_STATUS_PATH"),
		KIETimeout:    time.Second * time.Duration(getInt("KIE_TIMEOUT_SECONDS", 300)),

		LumaAPIKey:     os.Getenv("LUMA_API_KEY"),
		LumaBaseURL:    os.Getenv("LUMA_BASE_URL"),
		LumaModel:      getEnv("LUMA_MODEL", "ray-2"),
		LumaStartPath:  os.Getenv("LUMA_START_PATH"),
		LumaStatusPath: os.Getenv("LUMA_STATUS_PATH"),
		LumaKeyHeader:  getEnv("LUMA_KEY_HEADER", "Authorization"),

		RunwayAPIKey:     os.Getenv("RUNWAY_API_KEY"),
		RunwayBaseURL:    os.Getenv("RUNWAY_BASE_URL"),
		RunwayModel:      getEnv("RUNWAY_MODEL", "gen3a_turbo"),
		RunwayStartPath:  os.Getenv("RUNWAY_START_PATH"),
		RunwayStatusPath: os.Getenv("RUNWAY_STATUS_PATH"),
		RunwayKeyHeader:  getEnv("RUNWAY_KEY_HEADER", "Authorization"),

		OutDir:          getEnv("OUT_DIR", "out"),
		DefaultDuration: getFloat("DEFAULT_DURATION", 5),
		FinalFPS:        getInt("FINAL_FPS", 24),
		MediaWorkers:    getInt("MEDIA_WORKERS", 2),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegTimeout:   time.Second * time.Duration(getInt("FFMPEG_TIMEOUT_SECONDS", 120)),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SessionTTL:    time.Minute * time.Duration(getInt("SESSION_TTL_MINUTES", 30)),

		PaymentCurrency:          getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentPriceMinorUnits:   getInt("PAYMENT_PRICE_MINOR_UNITS", 45000),
		PaymentCreditsPerPackage: getInt("PAYMENT_CREDITS_PER_PACKAGE", 200),
		PaymentProvider:          strings.ToLower(getEnv("PAYMENT_PROVIDER", "telegram")),
		YooKassaShopID:           os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey:        os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL:        os.Getenv("YOOKASSA_RETURN_URL"),
		PromoBonusCredits:        getInt("PROMO_BONUS_CREDITS", 100),

		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:   getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:   getEnv("ADMIN_PASSWORD", "change-me"),

		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "frames"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.TelegramPaymentProviderToken = os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN")

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.PaymentProvider == "yookassa" {
		if cfg.YooKassaShopID == "" {
			missing = append(missing, "YOOKASSA_SHOP_ID")
		}
		if cfg.YooKassaSecretKey == "" {
			missing = append(missing, "YOOKASSA_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func secondsFloat(key string, fallback float64) time.Duration {
	return time.Duration(getFloat(key, fallback) * float64(time.Second))
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates, filepath.Join("configs", ".env"), ".env")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Без .env тоже можно жить — всё берётся из окружения.
	return nil
}
