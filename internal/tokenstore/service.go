package tokenstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/pb"
)

const (
	// DefaultTokenTTL bounds how long a token stays usable.
	DefaultTokenTTL = 24 * time.Hour

	// idempotencyTTL bounds how long a create replay is honored.
	idempotencyTTL = 24 * time.Hour

	// expiredRetention keeps expired token rows around so reads answer
	// 410 rather than 404.
	expiredRetention = 24 * time.Hour

	cleanupInterval = time.Hour
)

// ServiceConfig carries the tunables for the token service.
type ServiceConfig struct {
	TTL               time.Duration
	CurrentKeyVersion string
	AllowedServices   []string
}

// Service implements token create/get/decrypt and key rotation on top of
// the repository and keyring.
type Service struct {
	repo    *Repository
	keyring *Keyring
	ttl     time.Duration
	allowed map[string]struct{}

	mu             sync.RWMutex
	currentVersion string

	metrics *monitoring.Metrics
	tracker *monitoring.Tracker
	logger  *log.Logger
}

func NewService(repo *Repository, keyring *Keyring, cfg ServiceConfig, metrics *monitoring.Metrics, tracker *monitoring.Tracker) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.CurrentKeyVersion == "" {
		cfg.CurrentKeyVersion = "v1"
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedServices))
	for _, svc := range cfg.AllowedServices {
		allowed[svc] = struct{}{}
	}

	return &Service{
		repo:           repo,
		keyring:        keyring,
		ttl:            cfg.TTL,
		allowed:        allowed,
		currentVersion: cfg.CurrentKeyVersion,
		metrics:        metrics,
		tracker:        tracker,
		logger:         log.New(log.Writer(), "[TOKENS] ", log.LstdFlags),
	}
}

// Init reconciles the in-memory current key version with the database. A
// version installed by a past rotation wins over the configured one.
func (s *Service) Init(ctx context.Context) error {
	s.mu.RLock()
	configured := s.currentVersion
	s.mu.RUnlock()

	effective, err := s.repo.EnsureCurrentKeyVersion(ctx, configured)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.currentVersion = effective
	s.mu.Unlock()

	if effective != configured {
		s.logger.Printf("🔑 Key version %s adopted from database (configured %s)", effective, configured)
	} else {
		s.logger.Printf("🔑 Key version %s active", effective)
	}
	return nil
}

// CurrentKeyVersion returns the version new tokens encrypt under.
func (s *Service) CurrentKeyVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentVersion
}

// AllowedService reports whether a verified service identity may decrypt.
func (s *Service) AllowedService(name string) bool {
	_, ok := s.allowed[name]
	return ok
}

// CreateInput is a validated-enough create request. Exactly one of
// DeviceToken or EncryptionMetadata must be set.
type CreateInput struct {
	RestaurantID         uuid.UUID
	EncryptedPaymentData []byte
	DeviceToken          string
	EncryptionMetadata   *pb.EncryptionMetadata
	IdempotencyKey       string
	ClientMetadata       map[string]string
}

// CreateOutput is the stored token's public shape. Replayed marks an
// idempotent hit on an earlier create.
type CreateOutput struct {
	PaymentToken string
	RestaurantID uuid.UUID
	ExpiresAt    time.Time
	Metadata     map[string]string
	Replayed     bool
}

// Create decrypts the client payload, validates the card data, and stores
// it re-encrypted under the current service key.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*CreateOutput, error) {
	if err := in.validate(); err != nil {
		s.metrics.RecordTokenOperation("create", "rejected")
		return nil, err
	}

	fingerprint := in.fingerprint()
	if in.IdempotencyKey != "" {
		out, err := s.replayIdempotent(ctx, in, fingerprint)
		if err != nil {
			return nil, err
		}
		if out != nil {
			s.metrics.RecordTokenOperation("create", "replayed")
			return out, nil
		}
	}

	plaintext, originKeyID, err := s.openClientPayload(in)
	if err != nil {
		s.metrics.RecordTokenOperation("create", "rejected")
		return nil, err
	}
	defer wipe(plaintext)

	card, err := parseCardData(plaintext)
	if err != nil {
		s.metrics.RecordTokenOperation("create", "rejected")
		return nil, errf(ErrCodeValidation, "invalid payment data: %v", err)
	}
	meta, err := buildTokenMetadata(card, in.ClientMetadata)
	if err != nil {
		s.metrics.RecordTokenOperation("create", "rejected")
		return nil, errf(ErrCodeValidation, "%v", err)
	}

	version := s.CurrentKeyVersion()
	serviceKey, err := s.keyring.ServiceKey(version)
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to resolve service key: %v", err)
	}
	sealed, err := Seal(serviceKey, plaintext)
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to encrypt payment data: %v", err)
	}

	now := time.Now().UTC()
	rec := &TokenRecord{
		PaymentToken: "pt_" + uuid.NewString(),
		RestaurantID: in.RestaurantID,
		Ciphertext:   sealed,
		KeyVersion:   version,
		OriginKeyID:  originKeyID,
		DeviceToken:  in.DeviceToken,
		Metadata:     meta,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}

	var idem *IdempotencyRecord
	if in.IdempotencyKey != "" {
		idem = &IdempotencyRecord{
			IdempotencyKey: in.IdempotencyKey,
			RestaurantID:   in.RestaurantID,
			PaymentToken:   rec.PaymentToken,
			Fingerprint:    fingerprint,
			CreatedAt:      now,
			ExpiresAt:      now.Add(idempotencyTTL),
		}
	}

	if err := s.repo.CreateToken(ctx, rec, idem); err != nil {
		if errors.Is(err, errIdempotencyRace) || database.IsUniqueViolation(err) {
			out, rerr := s.replayIdempotent(ctx, in, fingerprint)
			if rerr != nil {
				return nil, rerr
			}
			if out != nil {
				s.metrics.RecordTokenOperation("create", "replayed")
				return out, nil
			}
		}
		return nil, errf(ErrCodeInternal, "failed to store token: %v", err)
	}

	s.metrics.RecordTokenOperation("create", "created")
	if s.tracker != nil {
		s.tracker.RecordTokenCreated()
	}
	s.logger.Printf("📝 Token %s created for restaurant %s (brand=%s, key=%s)",
		shortToken(rec.PaymentToken), rec.RestaurantID, meta["card_brand"], version)

	return &CreateOutput{
		PaymentToken: rec.PaymentToken,
		RestaurantID: rec.RestaurantID,
		ExpiresAt:    rec.ExpiresAt,
		Metadata:     rec.Metadata,
	}, nil
}

func (in *CreateInput) validate() error {
	if in.RestaurantID == uuid.Nil {
		return errf(ErrCodeValidation, "restaurant_id is required")
	}
	if len(in.EncryptedPaymentData) == 0 {
		return errf(ErrCodeValidation, "encrypted_payment_data is required")
	}
	hasDevice := in.DeviceToken != ""
	hasNamed := in.EncryptionMetadata != nil
	if hasDevice == hasNamed {
		return errf(ErrCodeValidation, "exactly one of device_token or encryption_metadata is required")
	}
	if hasNamed {
		em := in.EncryptionMetadata
		if em.KeyID == "" {
			return errf(ErrCodeValidation, "encryption_metadata.key_id is required")
		}
		if em.Algorithm != AlgorithmAESGCM {
			return errf(ErrCodeValidation, "algorithm %q is not supported; use %s", em.Algorithm, AlgorithmAESGCM)
		}
		if em.IV == "" {
			return errf(ErrCodeValidation, "encryption_metadata.iv is required")
		}
	}
	return nil
}

// fingerprint hashes the semantic request fields so an idempotency replay
// with different content is detected.
func (in *CreateInput) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(in.RestaurantID.String()))
	h.Write([]byte{0})
	h.Write(in.EncryptedPaymentData)
	h.Write([]byte{0})
	h.Write([]byte(in.DeviceToken))
	if em := in.EncryptionMetadata; em != nil {
		h.Write([]byte{0})
		h.Write([]byte(em.KeyID))
		h.Write([]byte{0})
		h.Write([]byte(em.IV))
	}
	keys := make([]string, 0, len(in.ClientMetadata))
	for k := range in.ClientMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(in.ClientMetadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) replayIdempotent(ctx context.Context, in *CreateInput, fingerprint string) (*CreateOutput, error) {
	idem, err := s.repo.GetIdempotency(ctx, in.RestaurantID, in.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to check idempotency key: %v", err)
	}
	if time.Now().After(idem.ExpiresAt) {
		return nil, nil
	}
	if idem.Fingerprint != fingerprint {
		return nil, errf(ErrCodeIdempotencyConflict,
			"idempotency key %q was used with a different request", in.IdempotencyKey)
	}

	rec, err := s.repo.GetToken(ctx, idem.PaymentToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to load existing token: %v", err)
	}

	return &CreateOutput{
		PaymentToken: rec.PaymentToken,
		RestaurantID: rec.RestaurantID,
		ExpiresAt:    rec.ExpiresAt,
		Metadata:     rec.Metadata,
		Replayed:     true,
	}, nil
}

// openClientPayload resolves the client's key and decrypts the payload.
// Device flow: the payload is nonce||ciphertext under the device-derived
// key. Named flow: the IV rides in metadata and the payload is ciphertext
// only.
func (s *Service) openClientPayload(in *CreateInput) (plaintext []byte, originKeyID string, err error) {
	if in.DeviceToken != "" {
		key, err := s.keyring.DeviceKey(in.DeviceToken)
		if err != nil {
			return nil, "", errf(ErrCodeInternal, "failed to derive device key: %v", err)
		}
		plaintext, err := Open(key, in.EncryptedPaymentData)
		if err != nil {
			return nil, "", errf(ErrCodeDecryptionFailed, "failed to decrypt payment data")
		}
		return plaintext, "", nil
	}

	em := in.EncryptionMetadata
	key, ok := s.keyring.NamedKey(em.KeyID)
	if !ok {
		return nil, "", errf(ErrCodeUnknownKey, "unknown encryption key id %q", em.KeyID)
	}
	iv, err := base64.StdEncoding.DecodeString(em.IV)
	if err != nil {
		return nil, "", errf(ErrCodeValidation, "encryption_metadata.iv is not valid base64")
	}
	plaintext, err = OpenWithNonce(key, iv, in.EncryptedPaymentData)
	if err != nil {
		return nil, "", errf(ErrCodeDecryptionFailed, "failed to decrypt payment data")
	}
	return plaintext, em.KeyID, nil
}

// Get loads a token for metadata reads. Unknown and foreign tokens are
// indistinguishable to the caller. Expired tokens are returned so the
// handler can answer 410 with the metadata body.
func (s *Service) Get(ctx context.Context, paymentToken string, restaurantID uuid.UUID) (*TokenRecord, error) {
	rec, err := s.repo.GetToken(ctx, paymentToken)
	if errors.Is(err, sql.ErrNoRows) {
		s.metrics.RecordTokenOperation("get", "not_found")
		return nil, errf(ErrCodeNotFound, "payment token not found")
	}
	if err != nil {
		return nil, errf(ErrCodeInternal, "failed to load token: %v", err)
	}
	if rec.RestaurantID != restaurantID {
		s.metrics.RecordTokenOperation("get", "not_found")
		return nil, errf(ErrCodeNotFound, "payment token not found")
	}
	s.metrics.RecordTokenOperation("get", "ok")
	return rec, nil
}

// DecryptInput identifies the token and the verified caller.
type DecryptInput struct {
	PaymentToken      string
	RestaurantID      uuid.UUID
	RequestingService string
	RequestID         string
}

// Decrypt releases card data to an allow-listed service. Every attempt
// writes an audit row; on the success path a failed audit write fails the
// call so no release goes unrecorded.
func (s *Service) Decrypt(ctx context.Context, in *DecryptInput) (*pb.PaymentData, map[string]string, error) {
	started := time.Now()

	rec, err := s.repo.GetToken(ctx, in.PaymentToken)
	if errors.Is(err, sql.ErrNoRows) {
		s.auditDecrypt(ctx, in, AuditTokenNotFound)
		return nil, nil, errf(ErrCodeNotFound, "payment token not found")
	}
	if err != nil {
		s.auditDecrypt(ctx, in, AuditInternalError)
		return nil, nil, errf(ErrCodeInternal, "failed to load token: %v", err)
	}

	if rec.RestaurantID != in.RestaurantID {
		s.auditDecrypt(ctx, in, AuditRestaurantMismatch)
		s.recordDecryptOutcome(in.RequestingService, "forbidden", started, false)
		return nil, nil, errf(ErrCodeForbidden, "restaurant does not own this token")
	}
	if rec.Expired(time.Now()) {
		s.auditDecrypt(ctx, in, AuditTokenExpired)
		s.recordDecryptOutcome(in.RequestingService, "expired", started, false)
		return nil, nil, errf(ErrCodeExpired, "payment token has expired")
	}

	key, err := s.keyring.ServiceKey(rec.KeyVersion)
	if err != nil {
		s.auditDecrypt(ctx, in, AuditInternalError)
		return nil, nil, errf(ErrCodeInternal, "failed to resolve key version %s: %v", rec.KeyVersion, err)
	}
	plaintext, err := Open(key, rec.Ciphertext)
	if err != nil {
		s.auditDecrypt(ctx, in, AuditInternalError)
		return nil, nil, errf(ErrCodeInternal, "stored ciphertext failed to decrypt")
	}
	defer wipe(plaintext)

	card, err := parseCardData(plaintext)
	if err != nil {
		s.auditDecrypt(ctx, in, AuditInternalError)
		return nil, nil, errf(ErrCodeInternal, "stored payment data is malformed")
	}

	if err := s.repo.InsertDecryptAudit(ctx, &DecryptAudit{
		PaymentToken:      in.PaymentToken,
		RestaurantID:      in.RestaurantID,
		RequestingService: in.RequestingService,
		Result:            AuditSuccess,
		RequestID:         in.RequestID,
	}); err != nil {
		return nil, nil, errf(ErrCodeInternal, "failed to record decrypt audit: %v", err)
	}

	s.recordDecryptOutcome(in.RequestingService, "success", started, true)

	if current := s.CurrentKeyVersion(); rec.KeyVersion != current {
		s.reencrypt(ctx, rec, plaintext, current)
	}

	return card, rec.Metadata, nil
}

// RecordDecryptDenial writes the audit row for attempts rejected before the
// service layer runs (unauthenticated callers, services off the allow-list).
func (s *Service) RecordDecryptDenial(ctx context.Context, paymentToken string, restaurantID uuid.UUID, service, requestID, result string) {
	s.recordDecryptOutcome(service, result, time.Time{}, false)
	if err := s.repo.InsertDecryptAudit(ctx, &DecryptAudit{
		PaymentToken:      paymentToken,
		RestaurantID:      restaurantID,
		RequestingService: service,
		Result:            result,
		RequestID:         requestID,
	}); err != nil {
		s.logger.Printf("❌ Failed to write decrypt audit row: %v", err)
	}
}

func (s *Service) auditDecrypt(ctx context.Context, in *DecryptInput, result string) {
	if err := s.repo.InsertDecryptAudit(ctx, &DecryptAudit{
		PaymentToken:      in.PaymentToken,
		RestaurantID:      in.RestaurantID,
		RequestingService: in.RequestingService,
		Result:            result,
		RequestID:         in.RequestID,
	}); err != nil {
		s.logger.Printf("❌ Failed to write decrypt audit row: %v", err)
	}
}

func (s *Service) recordDecryptOutcome(service, result string, started time.Time, allowed bool) {
	s.metrics.RecordDecrypt(service, result)
	if s.tracker != nil {
		elapsed := time.Duration(0)
		if !started.IsZero() {
			elapsed = time.Since(started)
		}
		s.tracker.RecordDecrypt(allowed, elapsed)
	}
}

// reencrypt moves a token forward to the current key version after a
// successful decrypt. Best effort: the token keeps decrypting under its
// stored version if the update fails.
func (s *Service) reencrypt(ctx context.Context, rec *TokenRecord, plaintext []byte, version string) {
	key, err := s.keyring.ServiceKey(version)
	if err != nil {
		s.logger.Printf("⚠️ Skipping re-encrypt of %s: %v", shortToken(rec.PaymentToken), err)
		return
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		s.logger.Printf("⚠️ Skipping re-encrypt of %s: %v", shortToken(rec.PaymentToken), err)
		return
	}
	if err := s.repo.UpdateCiphertext(ctx, rec.PaymentToken, sealed, version); err != nil {
		s.logger.Printf("⚠️ Failed to re-encrypt %s under %s: %v", shortToken(rec.PaymentToken), version, err)
		return
	}
	s.logger.Printf("♻️ Token %s re-encrypted %s -> %s", shortToken(rec.PaymentToken), rec.KeyVersion, version)
}

// shortToken truncates a payment token for log lines. Full tokens appear
// only in API payloads and the database.
func shortToken(token string) string {
	if len(token) <= 11 {
		return token
	}
	return token[:11] + "..."
}

// RotateKey installs a new current key version. Existing tokens keep
// decrypting under their stored versions and migrate lazily on decrypt.
func (s *Service) RotateKey(ctx context.Context, newVersion string) (previous, current string, err error) {
	cur := s.CurrentKeyVersion()
	if newVersion == "" {
		newVersion, err = nextVersion(cur)
		if err != nil {
			return "", "", errf(ErrCodeValidation, "cannot auto-increment key version %q; pass new_key_version", cur)
		}
	}
	if newVersion == cur {
		return "", "", errf(ErrCodeValidation, "key version %q is already current", newVersion)
	}

	prev, err := s.repo.RotateKeyVersion(ctx, newVersion)
	if err != nil {
		return "", "", errf(ErrCodeInternal, "failed to rotate key version: %v", err)
	}

	s.mu.Lock()
	s.currentVersion = newVersion
	s.mu.Unlock()

	s.metrics.RecordTokenOperation("rotate_key", "ok")
	s.logger.Printf("🔑 Key rotated %s -> %s", prev, newVersion)
	return prev, newVersion, nil
}

// nextVersion increments "v<N>" style versions.
func nextVersion(version string) (string, error) {
	if len(version) < 2 || version[0] != 'v' {
		return "", errors.New("version is not v<N>")
	}
	n, err := strconv.Atoi(version[1:])
	if err != nil || n < 0 {
		return "", errors.New("version is not v<N>")
	}
	return "v" + strconv.Itoa(n+1), nil
}

// RunCleanup deletes long-expired tokens and stale idempotency rows until
// ctx is done.
func (s *Service) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.repo.DeleteExpired(ctx, expiredRetention)
			if err != nil {
				s.logger.Printf("❌ Token cleanup failed: %v", err)
				continue
			}
			if deleted > 0 {
				s.logger.Printf("🧹 Deleted %d expired tokens", deleted)
			}
		}
	}
}
