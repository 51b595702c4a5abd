package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	DatabasePath           string
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	LRUCacheSize           int
	PBKDF2Iterations       int
	HasherWorkerCount      int
	RateLimit              RateLimitCfg
	MaxCapsuleSize         int64
	MaxUnlockHorizon       time.Duration
	MediaBucket            string
	MediaRegion            string
	MediaURLValidity       time.Duration
	MediaLocalEndpoint     string
	NotifyInterval         time.Duration
	NotifyBatchSize        int
	NotifyFromAddr         string
	ShareBaseURL           string
	SendGridKey            Secret
	SendGridKeyFromKMS     bool
	DeletionTokenKey       Secret
	DeletionKeyFromKMS     bool
	DeletionTokenExpiry    time.Duration
	TokenReplayTTL         time.Duration
	TrustedProxies         []string
	MetricsUser            string
	MetricsPass            Secret
	ContextTimeout         time.Duration
	AllowedOrigins         []string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	IPHashRotationInterval time.Duration
	KEKCacheTTL            time.Duration
	CacheTTL               time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "timevault.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.PBKDF2Iterations, err = getInt("PBKDF2_ITERATIONS", 100000)
	if err != nil {
		return nil, err
	}
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 5)
	if err != nil {
		return nil, err
	}
	c.MaxCapsuleSize, err = getInt64("MAX_CAPSULE_SIZE", 64*1024)
	if err != nil {
		return nil, err
	}
	c.MaxUnlockHorizon, err = getDuration("MAX_UNLOCK_HORIZON", 100*365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.MediaBucket = getEnv("MEDIA_BUCKET", "")
	c.MediaRegion = getEnv("MEDIA_REGION", "us-east-1")
	c.MediaURLValidity, err = getDuration("MEDIA_URL_VALIDITY", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.MediaLocalEndpoint = getEnv("MEDIA_LOCAL_ENDPOINT", "")
	c.NotifyInterval, err = getDuration("NOTIFY_INTERVAL", 1*time.Minute)
	if err != nil {
		return nil, err
	}
	c.NotifyBatchSize, err = getInt("NOTIFY_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	c.NotifyFromAddr = getEnv("NOTIFY_FROM_ADDR", "")
	c.ShareBaseURL = getEnv("SHARE_BASE_URL", "http://localhost:8080")
	c.SendGridKey = NewSecret(getEnv("SENDGRID_API_KEY", ""))
	c.SendGridKeyFromKMS = getEnv("SENDGRID_KEY_FROM_KMS", "false") == "true"
	c.DeletionTokenKey = NewSecret(getEnv("DELETION_TOKEN_KEY", ""))
	c.DeletionKeyFromKMS = getEnv("DELETION_KEY_FROM_KMS", "false") == "true"
	c.DeletionTokenExpiry, err = getDuration("DELETION_TOKEN_EXPIRY", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.TokenReplayTTL, err = getDuration("TOKEN_REPLAY_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.CacheTTL, err = getDuration("CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.PBKDF2Iterations < 100000 {
		return errors.New("PBKDF2_ITERATIONS must be >= 100000")
	}
	if c.HasherWorkerCount < 1 {
		return errors.New("HASHER_WORKER_COUNT must be at least 1")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}

	if c.MaxCapsuleSize <= 0 {
		return errors.New("MAX_CAPSULE_SIZE must be positive")
	}
	if c.MaxCapsuleSize > 10*1024*1024 {
		return errors.New("MAX_CAPSULE_SIZE cannot exceed 10MB")
	}
	if c.MaxUnlockHorizon < 24*time.Hour {
		return errors.New("MAX_UNLOCK_HORIZON must be at least 24 hours")
	}

	if c.MediaBucket != "" {
		if c.MediaURLValidity < 1*time.Minute {
			return errors.New("MEDIA_URL_VALIDITY must be at least 1 minute")
		}
		if c.MediaURLValidity > 24*time.Hour {
			return errors.New("MEDIA_URL_VALIDITY cannot exceed 24 hours")
		}
	}

	if c.NotifyInterval < 10*time.Second {
		return errors.New("NOTIFY_INTERVAL must be at least 10 seconds")
	}
	if c.NotifyBatchSize < 1 {
		return errors.New("NOTIFY_BATCH_SIZE must be positive")
	}

	if c.DeletionTokenExpiry > 7*24*time.Hour {
		return errors.New("DELETION_TOKEN_EXPIRY cannot exceed 7 days")
	}
	if c.DeletionTokenExpiry < 1*time.Minute {
		return errors.New("DELETION_TOKEN_EXPIRY must be at least 1 minute")
	}
	if c.TokenReplayTTL < 1*time.Minute {
		return errors.New("TOKEN_REPLAY_TTL must be at least 1 minute")
	}
	if c.TokenReplayTTL > 7*24*time.Hour {
		return errors.New("TOKEN_REPLAY_TTL cannot exceed 7 days")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.DeletionKeyFromKMS {
		if len(c.DeletionTokenKey.Value()) == 0 {
			return errors.New("DELETION_TOKEN_KEY is required if DELETION_KEY_FROM_KMS is false")
		}
		if len(c.DeletionTokenKey.Value()) < 32 {
			return errors.New("DELETION_TOKEN_KEY must be at least 32 bytes")
		}
	}
	if !c.SendGridKeyFromKMS && c.NotifyFromAddr != "" && c.SendGridKey.Value() == "" {
		return errors.New("SENDGRID_API_KEY is required when NOTIFY_FROM_ADDR is set")
	}

	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL should not exceed 24 hours")
	}
	if c.KEKCacheTTL < 1*time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > 1*time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	if c.CacheTTL < 10*time.Second {
		return errors.New("CACHE_TTL must be at least 10 seconds")
	}

	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.SendGridKey.Wipe()
	c.DeletionTokenKey.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
