package test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"timevault/cfg"
	"timevault/pkg/kms"
	"timevault/svc/auth"
	"timevault/svc/cache"
	"timevault/svc/db"
	"timevault/svc/svc"
	"timevault/svc/util"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
		if os.Getenv("KMS_LOCAL_KEY") == "" {
			os.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {
	_ = loadTestEnv()

	deletionKey := os.Getenv("DELETION_TOKEN_KEY")
	if deletionKey == "" {
		deletionKey = "test-deletion-key-32-bytes-long!"
	}
	_ = util.InitDeletionTokenKey([]byte(deletionKey))

	return &cfg.Cfg{
		Port:                "0",
		Environment:         "test",
		LogLevel:            "error",
		DatabasePath:        ":memory:",
		LRUCacheSize:        1000,
		PBKDF2Iterations:    100000,
		HasherWorkerCount:   4,
		MaxCapsuleSize:      1024 * 1024,
		MaxUnlockHorizon:    100 * 365 * 24 * time.Hour,
		DeletionTokenExpiry: 24 * time.Hour,
		TokenReplayTTL:      1 * time.Hour,
		NotifyInterval:      1 * time.Minute,
		NotifyBatchSize:     50,
		ShareBaseURL:        "http://localhost:8080",
		ContextTimeout:      30 * time.Second,
		RateLimit: cfg.RateLimitCfg{
			RPM:               100000,
			Burst:             10000,
			ConservativeLimit: 50000,
		},
		IPHashRotationInterval: 1 * time.Hour,
		KEKCacheTTL:            10 * time.Minute,
		CacheTTL:               5 * time.Minute,
	}
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())

	maxOpenConns := c.DBMaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = 250
	}
	maxIdleConns := c.DBMaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 25
	}
	queryTimeout := c.DBQueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 10 * time.Second
	}

	sqlDB, err := db.NewSQLiteWithConfig(dsn, maxOpenConns, maxIdleConns, queryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

func createTestHasher(t *testing.T, c *cfg.Cfg) *auth.Hasher {
	hasher, err := auth.NewHasher(c.PBKDF2Iterations)
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	return hasher
}

func createTestKMS(t *testing.T) *kms.Adapter {
	if os.Getenv("KMS_LOCAL_KEY") == "" && os.Getenv("VAULT_ADDR") == "" && os.Getenv("AWS_REGION") == "" {
		t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	}
	kmsAdapter, err := kms.NewAdapter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return kmsAdapter
}

// createTestService wires the full service without Redis or a media bucket.
func createTestService(t *testing.T) (*svc.Capsule, *db.SQLite, func()) {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	lru := createTestLRU(t, c.LRUCacheSize)
	hasher := createTestHasher(t, c)
	kmsAdapter := createTestKMS(t)
	capsuleSvc := svc.NewCapsule(sqlDB, lru, nil, hasher, kmsAdapter, nil, c)
	cleanup := func() {
		capsuleSvc.Shutdown()
		hasher.Stop()
		sqlDB.Close()
	}
	return capsuleSvc, sqlDB, cleanup
}
