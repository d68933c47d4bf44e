package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Upstream sources.
	AFADURL          string
	KOERIURL         string
	KOERIFallbackURL string
	KOERIAPIBase     string

	CacheTTL         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	CombinedTolSeconds float64
	CombinedTolKm      float64

	PollInterval     time.Duration
	PollInitialDelay time.Duration
	RecencyWindow    time.Duration
	SeenCapacity     int

	PushBatchSize   int
	PushConcurrency int
	PushTimeout     time.Duration

	TokenMaxAge        time.Duration
	TokenSweepInterval time.Duration

	// Storage. Empty values select in-memory stores.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	FCMEnabled         bool
	FCMProjectID       string
	FCMCredentialsFile string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	AdminJWTSecret string
}

// WebPushEnabled reports whether a VAPID key pair is configured.
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is loaded first if
// present. When QUAKE_CONFIG names a YAML file, its keys (the same names
// as the environment variables) replace the built-in defaults;
// environment variables still take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	file, err := loadFile(os.Getenv("QUAKE_CONFIG"))
	if err != nil {
		return nil, err
	}
	r := reader{file: file}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        r.str("HTTP_ADDR", ":8080"),
		LogLevel:        r.str("LOG_LEVEL", "info"),
		LogFormat:       r.str("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		AFADURL:          r.str("AFAD_URL", "https://deprem.afad.gov.tr/last-earthquakes.html"),
		KOERIURL:         r.str("KOERI_URL", "https://www.koeri.boun.edu.tr/scripts/lst6.asp"),
		KOERIFallbackURL: r.str("KOERI_FALLBACK_URL", "http://www.koeri.boun.edu.tr/scripts/lst6.asp"),
		KOERIAPIBase:     r.str("KOERI_API_BASE", ""),

		CacheTTL:         r.duration("CACHE_TTL", "60s"),
		BreakerThreshold: r.integer("BREAKER_THRESHOLD", 2, 1),
		BreakerCooldown:  r.duration("BREAKER_COOLDOWN", "5m"),

		CombinedTolSeconds: r.float("COMBINED_TOL_SECONDS", 10),
		CombinedTolKm:      r.float("COMBINED_TOL_KM", 3),

		PollInterval:     r.duration("POLL_INTERVAL", "10s"),
		PollInitialDelay: r.duration("POLL_INITIAL_DELAY", "5s"),
		RecencyWindow:    r.duration("RECENCY_WINDOW", "30s"),
		SeenCapacity:     r.integer("SEEN_CAPACITY", 100, 2),

		PushBatchSize:   r.integer("PUSH_BATCH_SIZE", 500, 1),
		PushConcurrency: r.integer("PUSH_CONCURRENCY", 4, 1),
		PushTimeout:     r.duration("PUSH_TIMEOUT", "15s"),

		TokenMaxAge:        r.duration("TOKEN_MAX_AGE", "24h"),
		TokenSweepInterval: r.duration("TOKEN_SWEEP_INTERVAL", "6h"),

		RedisAddr:     r.str("REDIS_ADDR", ""),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.integer("REDIS_DB", 0, 0),
		DatabaseURL:   r.str("DATABASE_URL", ""),

		KafkaEnabled: r.boolean("KAFKA_ENABLED", false),
		KafkaBrokers: sharedcfg.ParseBrokers(r.str("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   r.str("KAFKA_TOPIC", "earthquakes.detected"),

		FCMEnabled:         r.boolean("FCM_ENABLED", false),
		FCMProjectID:       r.str("FCM_PROJECT_ID", ""),
		FCMCredentialsFile: r.str("FCM_CREDENTIALS_FILE", ""),

		VAPIDPublicKey:  r.str("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: r.str("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    r.str("VAPID_SUBJECT", "mailto:alerts@example.com"),

		AdminJWTSecret: r.str("ADMIN_JWT_SECRET", ""),
	}

	if r.err != nil {
		return nil, r.err
	}
	if cfg.CombinedTolSeconds < 0 || cfg.CombinedTolKm < 0 {
		return nil, errors.New("COMBINED_TOL_SECONDS and COMBINED_TOL_KM must not be negative")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaTopic == "" {
			return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
		}
	}
	if cfg.FCMEnabled && cfg.FCMCredentialsFile == "" && cfg.FCMProjectID == "" {
		return nil, errors.New("FCM_ENABLED is true but neither FCM_PROJECT_ID nor FCM_CREDENTIALS_FILE is set")
	}
	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		return nil, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return cfg, nil
}

func loadFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read QUAKE_CONFIG: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse QUAKE_CONFIG: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch vv := v.(type) {
		case []any:
			parts := make([]string, len(vv))
			for i, p := range vv {
				parts[i] = fmt.Sprint(p)
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(vv)
		}
	}
	return out, nil
}

// reader resolves one key at a time and keeps the first parse error.
type reader struct {
	file map[string]string
	err  error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.file[key]; ok {
		def = v
	}
	return sharedcfg.EnvOrDefault(key, def)
}

func (r *reader) duration(key, def string) time.Duration {
	s := r.str(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		r.fail(fmt.Errorf("invalid %s: %q", key, s))
		return 0
	}
	return d
}

func (r *reader) integer(key string, def, minimum int) int {
	s := r.str(key, strconv.Itoa(def))
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		r.fail(fmt.Errorf("invalid %s: %q", key, s))
		return 0
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	s := r.str(key, strconv.FormatFloat(def, 'f', -1, 64))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.fail(fmt.Errorf("invalid %s: %q", key, s))
		return 0
	}
	return f
}

func (r *reader) boolean(key string, def bool) bool {
	s := r.str(key, strconv.FormatBool(def))
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.fail(fmt.Errorf("invalid %s: %q", key, s))
		return false
	}
	return b
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
