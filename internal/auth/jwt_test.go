package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService("test-secret", "gateway-test", nil)

	tokenString, err := svc.GenerateToken("owner-1", "caller", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if tokenString == "" {
		t.Fatal("expected non-empty token")
	}

	claims, err := svc.ValidateToken(context.Background(), tokenString)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.OwnerID != "owner-1" {
		t.Fatalf("expected owner owner-1, got %s", claims.OwnerID)
	}
	if claims.Role != "caller" {
		t.Fatalf("expected role caller, got %s", claims.Role)
	}
	if claims.Issuer != "gateway-test" {
		t.Fatalf("expected issuer gateway-test, got %s", claims.Issuer)
	}
	if claims.Subject != "owner-1" {
		t.Fatalf("expected subject owner-1, got %s", claims.Subject)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issued := NewJWTService("secret-a", "gateway-test", nil)
	verifier := NewJWTService("secret-b", "gateway-test", nil)

	tokenString, err := issued.GenerateToken("owner-1", "caller", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := verifier.ValidateToken(context.Background(), tokenString); err == nil {
		t.Fatal("expected validation to fail with wrong secret")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewJWTService("test-secret", "gateway-test", nil)

	tokenString, err := svc.GenerateToken("owner-1", "caller", -time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := svc.ValidateToken(context.Background(), tokenString); err == nil {
		t.Fatal("expected validation to fail for expired token")
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	issued := NewJWTService("test-secret", "someone-else", nil)
	verifier := NewJWTService("test-secret", "gateway-test", nil)

	tokenString, err := issued.GenerateToken("owner-1", "caller", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := verifier.ValidateToken(context.Background(), tokenString); err == nil {
		t.Fatal("expected validation to fail with wrong issuer")
	}
}

func TestValidateTokenRejectsNoneAlgorithm(t *testing.T) {
	svc := NewJWTService("test-secret", "gateway-test", nil)

	claims := &Claims{
		OwnerID: "owner-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gateway-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing unsecured token failed: %v", err)
	}

	if _, err := svc.ValidateToken(context.Background(), tokenString); err == nil {
		t.Fatal("expected validation to reject none algorithm")
	}
}

func TestInvalidateTokenBlacklists(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc := NewJWTService("test-secret", "gateway-test", client)
	ctx := context.Background()

	tokenString, err := svc.GenerateToken("owner-1", "caller", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, tokenString); err != nil {
		t.Fatalf("token should validate before invalidation: %v", err)
	}

	if err := svc.InvalidateToken(ctx, tokenString); err != nil {
		t.Fatalf("InvalidateToken failed: %v", err)
	}

	if !svc.IsTokenBlacklisted(ctx, tokenString) {
		t.Fatal("expected token to be blacklisted")
	}
	if _, err := svc.ValidateToken(ctx, tokenString); err == nil {
		t.Fatal("expected validation to fail for blacklisted token")
	}
}

func TestBlacklistNoopWithoutRedis(t *testing.T) {
	svc := NewJWTService("test-secret", "gateway-test", nil)
	ctx := context.Background()

	tokenString, err := svc.GenerateToken("owner-1", "caller", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if err := svc.InvalidateToken(ctx, tokenString); err != nil {
		t.Fatalf("InvalidateToken without redis should be a no-op: %v", err)
	}
	if svc.IsTokenBlacklisted(ctx, tokenString) {
		t.Fatal("blacklist without redis should report false")
	}
	if _, err := svc.ValidateToken(ctx, tokenString); err != nil {
		t.Fatalf("token should still validate without redis: %v", err)
	}
}

func TestExtractTokenFromBearer(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"abc.def.ghi", "abc.def.ghi"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExtractTokenFromBearer(tc.in); got != tc.want {
			t.Fatalf("ExtractTokenFromBearer(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
