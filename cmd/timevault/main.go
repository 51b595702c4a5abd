package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timevault/cfg"
	"timevault/metrics"
	"timevault/pkg/kms"
	"timevault/svc/api"
	"timevault/svc/auth"
	"timevault/svc/cache"
	"timevault/svc/db"
	"timevault/svc/lim"
	"timevault/svc/media"
	"timevault/svc/notify"
	"timevault/svc/svc"
	"timevault/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "timevault.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting timevault API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}

	var tokenSecret []byte
	if c.DeletionKeyFromKMS {
		secret, err := kmsAdapter.GetSecret(ctx, "DELETION_TOKEN_KEY")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load deletion token key from KMS")
			os.Exit(1)
		}
		tokenSecret = []byte(secret)
	} else {
		tokenSecret = []byte(c.DeletionTokenKey.Value())
	}
	if err := util.InitDeletionTokenKey(tokenSecret); err != nil {
		util.Wipe(tokenSecret)
		util.Fatal().Err(err).Msg("failed to init deletion token key")
		os.Exit(1)
	}
	ipPepper := make([]byte, 32)
	copy(ipPepper, tokenSecret)
	util.Wipe(tokenSecret)

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	hasher, err := auth.NewHasher(c.PBKDF2Iterations)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
		os.Exit(1)
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	if err := util.InitIPHasher(ipPepper, c.IPHashRotationInterval); err != nil {
		util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		os.Exit(1)
	}
	defer util.StopIPHasher()
	util.Info().Dur("rotation_interval", c.IPHashRotationInterval).Msg("IP hasher initialized")

	var issuer *media.Issuer
	if c.MediaBucket != "" {
		issuer, err = media.NewIssuer(ctx, c.MediaBucket, c.MediaRegion, c.MediaURLValidity, c.MediaLocalEndpoint)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize media issuer")
			os.Exit(1)
		}
		util.Info().Str("bucket", c.MediaBucket).Msg("media issuer initialized")
	}

	capsuleSvc := svc.NewCapsule(sqlDB, lruCache, rdb, hasher, kmsAdapter, issuer, c)
	util.Info().Msg("capsule service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, capsuleSvc, limiter, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if c.NotifyFromAddr != "" {
		sendGridKey := c.SendGridKey.Value()
		if c.SendGridKeyFromKMS {
			sendGridKey, err = kmsAdapter.GetSecret(ctx, "SENDGRID_API_KEY")
			if err != nil {
				util.Fatal().Err(err).Msg("failed to load SendGrid key from KMS")
				os.Exit(1)
			}
		}
		mailer := notify.NewMailer(sendGridKey, c.NotifyFromAddr)
		if err := svc.StartNotifier(ctx, sqlDB, mailer, c.NotifyInterval, c.NotifyBatchSize, c.ShareBaseURL); err != nil {
			util.Error().Err(err).Msg("failed to start notifier")
		} else {
			util.Info().Msg("unlock notification worker started")
		}
	} else {
		util.Info().Msg("NOTIFY_FROM_ADDR unset, notification worker disabled")
	}

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	capsuleSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
