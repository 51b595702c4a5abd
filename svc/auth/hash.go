package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"timevault/pkg/domain"
)

const maxPasswordLength = 1024

// Hasher derives and verifies capsule password credentials. New credentials
// are always the pbkdf2 shape; Verify also accepts the two legacy shapes
// written by earlier releases. PBKDF2 at 100k iterations is deliberately
// slow, so derivation runs on a bounded worker pool.
type Hasher struct {
	iterations int
	jobQueue   chan hashJob
	quit       chan struct{}
	wg         sync.WaitGroup
	started    bool
	startMu    sync.Mutex
	stopOnce   sync.Once
}

type hashJob struct {
	password string
	resp     chan hashResult
}
type hashResult struct {
	hash string
	err  error
}

func NewHasher(iterations int) (*Hasher, error) {
	if iterations < domain.PBKDF2Iterations {
		return nil, errors.Errorf("iterations must be >= %d", domain.PBKDF2Iterations)
	}
	return &Hasher{
		iterations: iterations,
		jobQueue:   make(chan hashJob, 50000),
		quit:       make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		close(h.jobQueue)
		h.wg.Wait()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job, ok := <-h.jobQueue:
			if !ok {
				return
			}
			hash, err := h.doHash(job.password)
			select {
			case job.resp <- hashResult{hash: hash, err: err}:
			case <-h.quit:
				select {
				case job.resp <- hashResult{err: errors.New("shutting down")}:
				default:
				}
				return
			}
		case <-h.quit:
			return
		}
	}
}

// Hash derives a credential in the current shape: pbkdf2:<saltHex>:<hashHex>.
func (h *Hasher) Hash(password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started - call Start() first")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	respChan := make(chan hashResult, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case h.jobQueue <- hashJob{password: password, resp: respChan}:
		select {
		case res := <-respChan:
			return res.hash, res.err
		case <-ctx.Done():
			return "", errors.New("hash timeout")
		}
	case <-ctx.Done():
		return "", errors.New("hash queue full")
	case <-h.quit:
		return "", errors.New("hasher is shutting down")
	}
}

func (h *Hasher) doHash(password string) (string, error) {
	salt := make([]byte, domain.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(password), salt, h.iterations, domain.KeySize, sha256.New)
	return fmt.Sprintf("%s:%s:%s",
		domain.PBKDF2Prefix, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// Verify reports whether password matches the stored credential record.
// Failures of any kind (malformed record, crypto error) read as a mismatch;
// callers cannot distinguish them. A floor on elapsed time keeps the cheap
// legacy paths from answering faster than PBKDF2.
func (h *Hasher) Verify(password, stored string) bool {
	startTime := time.Now()
	var match bool
	if stored != "" && len(password) <= maxPasswordLength {
		match = h.verifyInternal(password, stored)
	} else {
		// burn the same work so empty records do not answer instantly
		dummy := make([]byte, domain.SaltSize)
		pbkdf2.Key([]byte("x"), dummy, h.iterations, domain.KeySize, sha256.New)
	}
	elapsed := time.Since(startTime)
	minDuration := 150 * time.Millisecond
	if elapsed < minDuration {
		time.Sleep(minDuration - elapsed)
	}
	return match
}

func (h *Hasher) verifyInternal(password, stored string) bool {
	cred := domain.ParseCredential(stored)
	switch cred.Scheme {
	case domain.SchemePBKDF2:
		computed := pbkdf2.Key([]byte(password), cred.Salt, cred.Iterations, len(cred.Hash), sha256.New)
		return subtle.ConstantTimeCompare(computed, cred.Hash) == 1
	case domain.SchemeLegacySalted:
		// the salt participates as its hex string, matching how these
		// records were produced
		sum := sha256.Sum256([]byte(cred.SaltHex + password))
		return subtle.ConstantTimeCompare(sum[:], cred.Hash) == 1
	default:
		encoded := base64.StdEncoding.EncodeToString([]byte(password))
		return subtle.ConstantTimeCompare([]byte(encoded), []byte(cred.Raw)) == 1
	}
}
