package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"tapminer/internal/mining"
)

type Config struct {
	BotToken      string
	DatabaseURL   string
	RedisURL      string
	PublicBaseURL string
	WebappURL     string
	HTTPAddr      string
	CORSOrigins   []string

	RunAPI    bool
	RunBot    bool
	LogLevel  string
	LogPretty bool

	JWTSecret string
	// JWTSecretFromBotToken is set when JWT_SECRET was empty and the bot
	// token signs API tokens instead.
	JWTSecretFromBotToken bool
	JWTTTL         time.Duration
	InitDataMaxAge time.Duration

	RateLimitPerSec float64
	RateLimitBurst  int

	// ComboBackend is "memory" or "redis". Empty picks redis when REDIS_URL is set.
	ComboBackend string
	DBMaxConns   int32

	Mining mining.Config
}

func normalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Neon sometimes shows `psql 'postgresql://...'` examples. Accept them too.
	if i := strings.Index(s, "postgresql://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "postgres://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	q := u.Query()
	// pgx does not need channel_binding and may treat it as a runtime param.
	q.Del("channel_binding")
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeRedisURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Accept `redis-cli -u redis://...` copied from a console. rediss:// is TLS.
	if i := strings.Index(s, "rediss://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "redis://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}
	return s
}

func envString(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func envInt64(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func loadMining() mining.Config {
	def := mining.DefaultConfig()
	return mining.Config{
		EnergyRegenRate:    envInt64("ENERGY_REGEN_RATE", def.EnergyRegenRate),
		TapEnergyCost:      envInt64("TAP_ENERGY_COST", def.TapEnergyCost),
		BaseMiningRate:     envFloat64("BASE_MINING_RATE", def.BaseMiningRate),
		CriticalChance:     envFloat64("CRITICAL_CHANCE", def.CriticalChance),
		CriticalMultiplier: envFloat64("CRITICAL_MULTIPLIER", def.CriticalMultiplier),
		ComboStep:          envFloat64("COMBO_STEP", def.ComboStep),
		ComboCap:           envFloat64("COMBO_CAP", def.ComboCap),
		ComboWindow:        time.Duration(envInt64("COMBO_WINDOW_MS", def.ComboWindow.Milliseconds())) * time.Millisecond,
		ComboCacheSize:     int(envInt64("COMBO_CACHE_SIZE", int64(def.ComboCacheSize))),
		DefaultMaxEnergy:   envInt64("DEFAULT_MAX_ENERGY", def.DefaultMaxEnergy),
		DefaultMiningRate:  envFloat64("DEFAULT_MINING_RATE", def.DefaultMiningRate),
		TapMaxPerRequest:   envInt64("TAP_MAX_PER_REQUEST", def.TapMaxPerRequest),
		MaxTxRetries:       int(envInt64("TX_MAX_RETRIES", int64(def.MaxTxRetries))),
	}
}

func Load() (Config, error) {
	// On Render the public URL comes from platform-provided env vars.
	publicBase := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	if publicBase == "" {
		publicBase = strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_URL"))
	}
	if publicBase == "" {
		if host := strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_HOSTNAME")); host != "" {
			publicBase = "https://" + host
		}
	}
	port := envString("PORT", "8080")
	if publicBase == "" {
		publicBase = "http://127.0.0.1:" + port
	}
	webappURL := envString("WEBAPP_URL", publicBase)

	cfg := Config{
		BotToken:      strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		DatabaseURL:   normalizeDatabaseURL(os.Getenv("DATABASE_URL")),
		RedisURL:      normalizeRedisURL(os.Getenv("REDIS_URL")),
		PublicBaseURL: strings.TrimRight(publicBase, "/"),
		WebappURL:     strings.TrimRight(webappURL, "/"),
		HTTPAddr:      envString("HTTP_ADDR", ":"+port),
		CORSOrigins:   parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),

		RunAPI:    envBool("RUN_API", true),
		RunBot:    envBool("RUN_BOT", true),
		LogLevel:  strings.ToLower(envString("LOG_LEVEL", "info")),
		LogPretty: envBool("LOG_PRETTY", false),

		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTTTL:         envDuration("JWT_TTL", 24*time.Hour),
		InitDataMaxAge: envDuration("INIT_DATA_MAX_AGE", 24*time.Hour),

		RateLimitPerSec: envFloat64("RATE_LIMIT_PER_SEC", 20),
		RateLimitBurst:  int(envInt64("RATE_LIMIT_BURST", 40)),

		ComboBackend: strings.ToLower(strings.TrimSpace(os.Getenv("COMBO_BACKEND"))),
		DBMaxConns:   int32(envInt64("DB_MAX_CONNS", 20)),

		Mining: loadMining(),
	}

	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{cfg.WebappURL}
	}
	if cfg.ComboBackend == "" {
		cfg.ComboBackend = "memory"
		if cfg.RedisURL != "" {
			cfg.ComboBackend = "redis"
		}
	}
	// Without an explicit secret tokens are signed with the bot token.
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.BotToken
		cfg.JWTSecretFromBotToken = cfg.BotToken != ""
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Mining.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.ComboBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("COMBO_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("COMBO_BACKEND must be memory or redis, got %q", c.ComboBackend))
	}
	if c.RunBot && c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required when RUN_BOT is on"))
	}
	if c.RunAPI && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET or BOT_TOKEN is required when RUN_API is on"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be > 0"))
	}
	if c.RateLimitPerSec <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SEC must be > 0 and RATE_LIMIT_BURST >= 1"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be >= 1"))
	}
	return errors.Join(errs...)
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
