package svc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"timevault/cfg"
	"timevault/metrics"
	"timevault/pkg/domain"
	"timevault/pkg/kms"
	"timevault/svc/auth"
	"timevault/svc/cache"
	"timevault/svc/db"
	"timevault/svc/gate"
	"timevault/svc/media"
	"timevault/svc/notify"
	"timevault/svc/util"
)

// Capsule is the application service tying the gate, the hasher, the stores
// and the media issuer together. All handlers go through it.
type Capsule struct {
	db          *db.SQLite
	lru         *cache.LRU
	rdb         *db.Redis
	hasher      *auth.Hasher
	kmsAdapter  *kms.Adapter
	kekCache    *kms.KEKCache
	issuer      *media.Issuer
	cfg         *cfg.Cfg
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
}

func NewCapsule(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, kmsAdapter *kms.Adapter, issuer *media.Issuer, c *cfg.Cfg) *Capsule {
	if sqlDB == nil || lru == nil || h == nil || c == nil || kmsAdapter == nil {
		panic("capsule service: nil dependency (sqlDB, lru, hasher, cfg, or kmsAdapter)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	return &Capsule{
		db:          sqlDB,
		lru:         lru,
		rdb:         rdb,
		hasher:      h,
		kmsAdapter:  kmsAdapter,
		kekCache:    kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL),
		issuer:      issuer,
		cfg:         c,
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
}

func (s *Capsule) Shutdown() {
	s.shutdown.Store(true)
	s.shutdownFn()
	s.opWg.Wait()
	if s.kekCache != nil {
		s.kekCache.Stop()
	}
	util.Debug().Msg("capsule service shutdown complete")
}

type CreateResult struct {
	Capsule       *domain.Capsule
	DeletionToken string
}

func (s *Capsule) validateCreate(params domain.CreateParams, now time.Time) *domain.Err {
	if strings.TrimSpace(params.Title) == "" {
		return domain.ErrTitleRequired
	}
	if int64(len(params.Content)) > s.cfg.MaxCapsuleSize {
		return domain.ErrCapsuleTooLarge
	}
	if params.UnlockAt.IsZero() || !params.UnlockAt.After(now) {
		return domain.ErrInvalidUnlockAt
	}
	if params.UnlockAt.After(now.Add(s.cfg.MaxUnlockHorizon)) {
		return domain.ErrInvalidUnlockAt
	}
	if utf8.RuneCountInString(params.Password) > domain.MaxPasswordLen {
		return domain.ErrInvalidPassword
	}
	if params.MediaRef != "" {
		if _, ok := domain.ParseMediaKind(string(params.MediaKind)); !ok || params.MediaKind == domain.MediaNone {
			return domain.ErrInvalidRequest
		}
	}
	return nil
}

func (s *Capsule) Create(ctx context.Context, params domain.CreateParams) (*CreateResult, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()
	now := time.Now()
	if derr := s.validateCreate(params, now); derr != nil {
		return nil, derr
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return s.db.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	shareToken := util.NewShareToken()

	var pwHash string
	if params.Password != "" {
		pwHash, err = s.hasher.Hash(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}

	dek, err := kms.GenerateDEK()
	if err != nil {
		return nil, errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)
	sealed := domain.NewSealedContent(params.Content, now)
	sealedJSON, err := json.Marshal(sealed)
	if err != nil {
		return nil, errors.Wrap(err, "marshal sealed content")
	}
	sealedBlob, err := kms.AEADSeal(sealedJSON, dek)
	if err != nil {
		return nil, errors.Wrap(err, "seal content")
	}
	encryptedDEK, err := s.kmsAdapter.Encrypt(ctx, dek)
	if err != nil {
		return nil, errors.Wrap(err, "wrap dek")
	}

	deletionToken, err := util.GenerateDeletionToken(id, s.cfg.DeletionTokenExpiry)
	if err != nil {
		return nil, errors.Wrap(err, "gen deletion token")
	}

	capsule := &domain.Capsule{
		ID:             id,
		ShareToken:     shareToken,
		Title:          params.Title,
		SealedBlob:     sealedBlob,
		EncryptedDEK:   encryptedDEK,
		MediaRef:       params.MediaRef,
		MediaKind:      params.MediaKind,
		RecipientEmail: params.RecipientEmail,
		PasswordHash:   pwHash,
		UnlockAt:       params.UnlockAt.UTC(),
		OpenOnce:       params.OpenOnce,
		CreatorIPHash:  params.CreatorIPHash,
		CreatedAt:      now.UTC(),
	}
	if err := s.db.Create(ctx, capsule); err != nil {
		return nil, errors.Wrap(err, "create capsule")
	}
	s.cacheSet(ctx, capsule)
	metrics.CapsuleCreated.Inc()
	return &CreateResult{Capsule: capsule, DeletionToken: deletionToken}, nil
}

func (s *Capsule) cacheSet(ctx context.Context, c *domain.Capsule) {
	s.lru.Set(ctx, c, s.cfg.CacheTTL)
	if s.rdb != nil {
		if err := s.rdb.CacheCapsule(ctx, c, s.cfg.CacheTTL); err != nil {
			util.Warn().Err(err).Str("token", util.RedactToken(c.ShareToken)).Msg("failed to cache in Redis")
		}
	}
}

func (s *Capsule) cacheEvict(ctx context.Context, shareToken string) {
	s.lru.Delete(shareToken)
	if s.rdb != nil {
		if err := s.rdb.Delete(ctx, shareToken); err != nil {
			util.Warn().Err(err).Str("token", util.RedactToken(shareToken)).Msg("failed to evict from Redis")
		}
	}
}

// getCapsule walks LRU, then Redis, then SQLite. The share token must
// already be validated; storage is never touched for a malformed token.
// Callers get their own copy: the cached record stays immutable and never
// carries decrypted content.
func (s *Capsule) getCapsule(ctx context.Context, shareToken string) (*domain.Capsule, error) {
	if c := s.lru.Get(ctx, shareToken); c != nil {
		metrics.CacheHits.Inc()
		cp := *c
		return &cp, nil
	}
	metrics.CacheMisses.Inc()
	if s.rdb != nil {
		if c, err := s.rdb.GetCapsule(ctx, shareToken); err == nil && c != nil {
			metrics.CacheHits.Inc()
			s.lru.Set(ctx, c, s.cfg.CacheTTL)
			cp := *c
			return &cp, nil
		}
	}
	c, err := s.db.GetByShareToken(ctx, shareToken)
	if err != nil {
		if errors.Is(err, domain.ErrCapsuleNotFound) {
			return nil, domain.ErrCapsuleNotFound
		}
		return nil, errors.Wrap(err, "get capsule")
	}
	s.cacheSet(ctx, c)
	cp := *c
	return &cp, nil
}

// Verify runs the full access evaluation for a share token and, when the
// gate allows disclosure, returns the decrypted view. A nil attempt means no
// password was supplied at all.
func (s *Capsule) Verify(ctx context.Context, shareToken string, attempt *string) (*domain.PublicCapsuleView, error) {
	if !util.ValidShareToken(shareToken) {
		return nil, domain.ErrInvalidToken
	}
	c, err := s.getCapsule(ctx, shareToken)
	if err != nil {
		return nil, err
	}
	decision := gate.Evaluate(c, time.Now(), attempt, s.hasher)
	if decision.Deny != nil {
		metrics.AccessDenied.WithLabelValues(denyReason(decision.Deny)).Inc()
		if decision.Deny == domain.ErrWrongPassword {
			util.Info().Str("token", util.RedactToken(shareToken)).Msg("wrong password attempt")
		}
		return nil, decision.Deny
	}

	// The open is recorded only after the content decrypts; a failed unwrap
	// must not consume the single permitted view.
	content, err := s.unseal(ctx, c)
	if err != nil {
		return nil, err
	}
	if decision.FirstOpen {
		won, err := s.db.MarkOpened(ctx, shareToken)
		if err != nil {
			return nil, errors.Wrap(err, "mark opened")
		}
		if !won && c.OpenOnce {
			// Another request flipped the flag between our read and the
			// update. For open-once capsules that request was the one open.
			s.cacheEvict(ctx, shareToken)
			metrics.AccessDenied.WithLabelValues(domain.ErrAlreadyOpened.Code).Inc()
			return nil, domain.ErrAlreadyOpened
		}
		c.IsOpened = true
		s.cacheEvict(ctx, shareToken)
	}
	c.Content = content
	view := c.PublicView()
	metrics.CapsuleDisclosed.Inc()
	return &view, nil
}

// denyReason labels a denial for metrics. Credential denials share a wire
// code with not-found, so the metric label comes from the identity instead.
func denyReason(e *domain.Err) string {
	switch e {
	case domain.ErrPasswordRequired:
		return "PASSWORD_REQUIRED"
	case domain.ErrWrongPassword:
		return "WRONG_PASSWORD"
	}
	return e.Code
}

func (s *Capsule) unseal(ctx context.Context, c *domain.Capsule) (string, error) {
	if len(c.SealedBlob) == 0 {
		return "", nil
	}
	dek, err := s.kekCache.DecryptDEK(ctx, c.EncryptedDEK)
	if err != nil {
		return "", errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)
	sealedJSON, err := kms.AEADOpen(c.SealedBlob, dek)
	if err != nil {
		return "", errors.Wrap(err, "open sealed blob")
	}
	var sealed domain.SealedContent
	if err := json.Unmarshal(sealedJSON, &sealed); err != nil {
		return "", errors.Wrap(err, "unmarshal sealed content")
	}
	return sealed.Content, nil
}

// IssueMediaAccess returns a presigned URL for the capsule's attachment. The
// issuer re-derives the sealed check and path containment itself so a stale
// caller cannot shortcut the gate.
func (s *Capsule) IssueMediaAccess(ctx context.Context, shareToken, mediaPath string) (string, error) {
	if !util.ValidShareToken(shareToken) {
		return "", domain.ErrInvalidToken
	}
	if s.issuer == nil {
		return "", domain.ErrNoMedia
	}
	c, err := s.getCapsule(ctx, shareToken)
	if err != nil {
		return "", err
	}
	url, err := s.issuer.Issue(ctx, c, mediaPath, time.Now())
	if err != nil {
		var derr *domain.Err
		if errors.As(err, &derr) {
			metrics.AccessDenied.WithLabelValues(derr.Code).Inc()
		}
		return "", err
	}
	return url, nil
}

// MarkOpened records that a viewer has seen an unlocked capsule. Idempotent:
// repeat calls succeed without further effect.
func (s *Capsule) MarkOpened(ctx context.Context, shareToken string) error {
	if !util.ValidShareToken(shareToken) {
		return domain.ErrInvalidToken
	}
	c, err := s.getCapsule(ctx, shareToken)
	if err != nil {
		return err
	}
	if time.Now().Before(c.UnlockAt) {
		metrics.AccessDenied.WithLabelValues(domain.ErrStillSealed.Code).Inc()
		return domain.ErrStillSealed
	}
	won, err := s.db.MarkOpened(ctx, shareToken)
	if err != nil {
		return errors.Wrap(err, "mark opened")
	}
	if won {
		s.cacheEvict(ctx, shareToken)
	}
	return nil
}

// Delete removes a capsule given its deletion token. The token is bound to
// the internal id and single use; the attached media object goes with it.
func (s *Capsule) Delete(ctx context.Context, id, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := util.VerifyDeletionToken(token, id); err != nil {
		return domain.ErrUnauthorized
	}
	tokenHash := sha256.Sum256([]byte(token))
	tokenKey := hex.EncodeToString(tokenHash[:])
	if s.rdb != nil {
		used, err := s.rdb.IsUsed(ctx, tokenKey)
		if err != nil {
			util.Warn().Err(err).Msg("replay check unavailable")
		} else if used {
			return domain.ErrUnauthorized
		}
	}
	c, err := s.db.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.HasMedia() && s.issuer != nil {
		if err := s.issuer.Remove(ctx, c.MediaRef); err != nil {
			util.Warn().Err(err).Str("media", util.RedactMediaPath(c.MediaRef)).Msg("failed to remove media object")
		}
	}
	if err := s.db.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete from db")
	}
	s.cacheEvict(ctx, c.ShareToken)
	if s.rdb != nil {
		if err := s.rdb.MarkUsed(ctx, tokenKey, s.cfg.TokenReplayTTL); err != nil {
			util.Warn().Err(err).Msg("failed to record used deletion token")
		}
	}
	util.Info().Str("id", id).Msg("capsule deleted via token")
	return nil
}

var (
	notifierOnce    sync.Once
	notifierRunning atomic.Bool
)

// StartNotifier launches the background worker that emails recipients once
// their capsule unlocks. The notification flag flips with a conditional
// update only after the provider accepts a send, so a failed send stays due
// for the next sweep. A lost flip means another instance delivered the same
// notice concurrently; the duplicate is accepted over a silent loss.
func StartNotifier(ctx context.Context, sqlDB *db.SQLite, mailer *notify.Mailer, interval time.Duration, batchSize int, shareBaseURL string) error {
	if notifierRunning.Load() {
		return errors.New("notifier already running")
	}
	notifierOnce.Do(func() {
		notifierRunning.Store(true)
		go runNotifier(ctx, sqlDB, mailer, interval, batchSize, shareBaseURL)
	})
	return nil
}

func runNotifier(ctx context.Context, sqlDB *db.SQLite, mailer *notify.Mailer, interval time.Duration, batchSize int, shareBaseURL string) {
	defer notifierRunning.Store(false)
	workerRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, workerRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", workerRequestID).
		Dur("interval", interval).
		Msg("notification worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", workerRequestID).
				Msg("notification worker shutting down")
			return
		case <-ticker.C:
			NotifyDue(ctx, sqlDB, mailer, batchSize, shareBaseURL)
		}
	}
}

// NotifyDue runs one notification sweep. Sends come first; notification_sent
// flips only after a send is accepted, so a provider failure leaves the
// capsule due for the next sweep.
func NotifyDue(ctx context.Context, sqlDB *db.SQLite, mailer *notify.Mailer, batchSize int, shareBaseURL string) {
	due, err := sqlDB.DueNotifications(ctx, time.Now(), batchSize)
	if err != nil {
		util.Error().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("due notification scan failed")
		return
	}
	for _, c := range due {
		shareURL := strings.TrimRight(shareBaseURL, "/") + "/capsules/" + c.ShareToken
		if err := mailer.SendUnlockNotice(ctx, c.RecipientEmail, c.Title, shareURL); err != nil {
			util.Error().Err(err).Str("id", c.ID).Msg("unlock notification failed")
			continue
		}
		won, err := sqlDB.MarkNotified(ctx, c.ID)
		if err != nil {
			util.Error().Err(err).Str("id", c.ID).Msg("failed to record notification")
			continue
		}
		if !won {
			util.Warn().Str("id", c.ID).Msg("concurrent sweep already recorded this notification")
			continue
		}
		metrics.NotificationsSent.Inc()
		util.Info().Str("id", c.ID).Msg("unlock notification sent")
	}
}
