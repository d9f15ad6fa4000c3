// Package keystore implements the credential store and the combined
// validate/throttle/count admission decision.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/models"
	"github.com/voxgate/voxgate/internal/ratelimit"
)

// Admission denial reasons. Callers distinguish these to report a
// denial code; none of them carries secret material.
var (
	ErrUnknownKey  = errors.New("unknown API key")
	ErrKeyRevoked  = errors.New("API key revoked")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ErrEmptyName rejects credential issuance without a display name.
var ErrEmptyName = errors.New("credential name must not be empty")

// Persistence loads and saves the full credential record set as one
// atomic unit. The store does not assume a particular format.
type Persistence interface {
	Load(ctx context.Context) ([]models.Credential, error)
	Save(ctx context.Context, records []models.Credential) error
}

// Store owns the credential records. All admission decisions for one
// key are serialized under the store mutex; the durable write for a
// usage increment happens asynchronously, ordered after the decision,
// so a crash under-reports usage rather than double-reporting it.
type Store struct {
	persist Persistence
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	records map[string]*models.Credential

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Open loads the record set from persistence and starts the background
// usage flusher. Close must be called to stop it.
func Open(ctx context.Context, persist Persistence, limiter *ratelimit.Limiter, logger *zap.Logger) (*Store, error) {
	records, err := persist.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	s := &Store{
		persist: persist,
		limiter: limiter,
		logger:  logger,
		records: make(map[string]*models.Credential, len(records)),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for i := range records {
		rec := records[i]
		s.records[rec.Digest] = &rec
	}

	go s.flushLoop()
	return s, nil
}

// Issue generates a new API key, records it, and persists the updated
// record set before returning. The plaintext key is returned exactly
// once and never retained.
func (s *Store) Issue(ctx context.Context, name, description string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}

	displayKey, digest, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &models.Credential{
		Digest:      digest,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().Unix(),
		Active:      true,
	}
	s.records[digest] = rec

	if err := s.persist.Save(ctx, s.snapshotLocked()); err != nil {
		delete(s.records, digest)
		return "", fmt.Errorf("persist credentials: %w", err)
	}
	return displayKey, nil
}

// Validate decides admission for a presented key as a single logical
// step: lookup, active check, rate check, usage increment. A key denied
// for being unknown or revoked consumes no rate budget, and an admitted
// key always consumes exactly one unit.
func (s *Store) Validate(ctx context.Context, presented string) (models.CredentialInfo, error) {
	if err := auth.ParseKey(presented); err != nil {
		return models.CredentialInfo{}, ErrUnknownKey
	}
	digest := auth.Digest(presented)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[digest]
	if !ok {
		return models.CredentialInfo{}, ErrUnknownKey
	}
	if !rec.Active {
		return models.CredentialInfo{}, ErrKeyRevoked
	}
	if !s.limiter.Admit(digest) {
		return models.CredentialInfo{}, ErrRateLimited
	}

	rec.UsageCount++
	s.markDirtyLocked()
	return rec.Info(), nil
}

// Revoke deactivates the record matching the presented key and
// persists the change. Revocation is one-way; re-activation requires
// issuing a new key. Revoking an already-revoked key is not an error.
func (s *Store) Revoke(ctx context.Context, presented string) (bool, error) {
	digest := auth.Digest(presented)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[digest]
	if !ok {
		return false, nil
	}
	if !rec.Active {
		return true, nil
	}

	rec.Active = false
	if err := s.persist.Save(ctx, s.snapshotLocked()); err != nil {
		rec.Active = true
		return false, fmt.Errorf("persist credentials: %w", err)
	}
	return true, nil
}

// List returns metadata for every record, newest first. Digests and
// plaintext keys are never exposed.
func (s *Store) List(ctx context.Context) []models.CredentialInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]models.CredentialInfo, 0, len(s.records))
	for _, rec := range s.records {
		infos = append(infos, rec.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt != infos[j].CreatedAt {
			return infos[i].CreatedAt > infos[j].CreatedAt
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count reports the number of records, active or not.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops the flusher and performs a final best-effort flush of
// pending usage counts.
func (s *Store) Close(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() []models.Credential {
	records := make([]models.Credential, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, *rec)
	}
	return records
}

func (s *Store) markDirtyLocked() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop persists usage updates in the background. The snapshot is
// taken under the store mutex, after the admission decision that made
// it dirty.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.flushCh:
			s.mu.Lock()
			snapshot := s.snapshotLocked()
			s.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.persist.Save(ctx, snapshot); err != nil {
				s.logger.Warn("usage flush failed", zap.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}
