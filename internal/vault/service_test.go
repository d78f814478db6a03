package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupVaultTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:vault_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ProviderToken{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	cipher, err := NewCipher("vault-test-master-key")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return NewService(setupVaultTestDB(t), cipher)
}

func TestStoreNeverReturnsCipherMaterial(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Store(ctx, &StoreInput{
		Plaintext: "sk-upstream-1",
		OwnerID:   "owner-1",
		Quota:     100,
		RateLimit: 10,
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if token.Ciphertext != nil || token.Nonce != nil || token.AuthTag != nil {
		t.Fatal("Store returned cipher material")
	}
	if token.Status != TokenStatusStandby {
		t.Fatalf("expected standby status, got %s", token.Status)
	}

	got, err := svc.Get(ctx, token.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Ciphertext != nil || got.Nonce != nil || got.AuthTag != nil {
		t.Fatal("Get returned cipher material")
	}
}

func TestStoreActivateKeepsSingleActive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-1", OwnerID: "owner-1", Activate: true})
	if err != nil {
		t.Fatalf("Store first failed: %v", err)
	}
	second, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-2", OwnerID: "owner-1", Activate: true})
	if err != nil {
		t.Fatalf("Store second failed: %v", err)
	}

	var activeCount int64
	if err := svc.db.Model(&ProviderToken{}).Where("status = ?", TokenStatusActive).Count(&activeCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active token, got %d", activeCount)
	}

	active, err := svc.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("expected %s active, got %s", second.ID, active.ID)
	}
	if active.Key != "sk-2" {
		t.Fatalf("expected decrypted key sk-2, got %q", active.Key)
	}

	demoted, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get first failed: %v", err)
	}
	if demoted.Status != TokenStatusStandby {
		t.Fatalf("expected first token demoted to standby, got %s", demoted.Status)
	}
}

func TestRotateReplacesCiphertextKeepsUsage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-old", OwnerID: "owner-1", Activate: true})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := svc.db.Model(&ProviderToken{}).Where("id = ?", token.ID).
		Update("usage_count", 42).Error; err != nil {
		t.Fatalf("seed usage failed: %v", err)
	}

	genBefore := svc.Generation()
	rotated, err := svc.Rotate(ctx, token.ID, "sk-new")
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rotated.LastRotatedAt == nil {
		t.Fatal("LastRotatedAt not set after rotation")
	}
	if svc.Generation() != genBefore+1 {
		t.Fatalf("generation not bumped: before=%d after=%d", genBefore, svc.Generation())
	}

	active, err := svc.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Key != "sk-new" {
		t.Fatalf("expected rotated key sk-new, got %q", active.Key)
	}

	after, err := svc.Get(ctx, token.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.UsageCount != 42 {
		t.Fatalf("usage count changed by rotation: got %d", after.UsageCount)
	}
}

func TestRotateMissingTokenNeverCreates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Rotate(ctx, "no-such-id", "sk-new"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	var count int64
	if err := svc.db.Model(&ProviderToken{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("rotation of missing token created %d rows", count)
	}
}

func TestRotateRevokedTokenFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-1", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := svc.Revoke(ctx, token.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := svc.Rotate(ctx, token.ID, "sk-2"); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-1", OwnerID: "owner-1", Activate: true})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := svc.Revoke(ctx, token.ID); err != nil {
		t.Fatalf("first Revoke failed: %v", err)
	}
	if err := svc.Revoke(ctx, token.ID); err != nil {
		t.Fatalf("second Revoke not idempotent: %v", err)
	}

	if _, err := svc.GetActive(ctx); !errors.Is(err, ErrNoActiveToken) {
		t.Fatalf("expected ErrNoActiveToken after revoking active, got %v", err)
	}
}

func TestGetActiveWithoutTokenFailsLoud(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.GetActive(context.Background()); !errors.Is(err, ErrNoActiveToken) {
		t.Fatalf("expected ErrNoActiveToken, got %v", err)
	}
}

func TestActiveIDResolvesWithoutDecrypting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ActiveID(ctx); !errors.Is(err, ErrNoActiveToken) {
		t.Fatalf("expected ErrNoActiveToken, got %v", err)
	}

	token, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-1", OwnerID: "owner-1", Activate: true})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	id, err := svc.ActiveID(ctx)
	if err != nil {
		t.Fatalf("ActiveID failed: %v", err)
	}
	if id != token.ID {
		t.Fatalf("expected %s, got %s", token.ID, id)
	}

	past := time.Now().UTC().Add(-time.Hour)
	if err := svc.db.Model(&ProviderToken{}).Where("id = ?", token.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("seed expiry failed: %v", err)
	}
	if _, err := svc.ActiveID(ctx); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestGetActiveExpiredFailsLoud(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := svc.Store(ctx, &StoreInput{
		Plaintext: "sk-1",
		OwnerID:   "owner-1",
		ExpiresAt: &past,
		Activate:  true,
	}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, err := svc.GetActive(ctx); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRestoreThenActivate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-1", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := svc.Revoke(ctx, token.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := svc.Activate(ctx, token.ID); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked on activating revoked token, got %v", err)
	}

	if err := svc.Restore(ctx, token.ID); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := svc.Activate(ctx, token.ID); err != nil {
		t.Fatalf("Activate after restore failed: %v", err)
	}

	active, err := svc.GetActive(ctx)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.ID != token.ID {
		t.Fatalf("expected %s active, got %s", token.ID, active.ID)
	}
}

func TestResetUsage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.Store(ctx, &StoreInput{Plaintext: "sk-1", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := svc.db.Model(&ProviderToken{}).Where("id = ?", token.ID).
		Update("usage_count", 7).Error; err != nil {
		t.Fatalf("seed usage failed: %v", err)
	}

	if err := svc.ResetUsage(ctx, token.ID); err != nil {
		t.Fatalf("ResetUsage failed: %v", err)
	}
	after, err := svc.Get(ctx, token.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.UsageCount != 0 {
		t.Fatalf("usage not reset: got %d", after.UsageCount)
	}
}
