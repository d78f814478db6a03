package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	auditSvc "gateway/internal/audit"
	"gateway/internal/auth"
	"gateway/internal/cache"
	ledgerSvc "gateway/internal/ledger"
	"gateway/internal/logger"
	"gateway/internal/quota"
	"gateway/internal/vault"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console", "stderr"); err != nil {
		panic(err)
	}
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const adminActor = "admin-1"

type adminEnv struct {
	db           *gorm.DB
	sqlDB        *sql.DB
	vault        *vault.Service
	ledger       *ledgerSvc.Service
	enforcer     *quota.Enforcer
	audit        *auditSvc.Logger
	balanceCache *cache.TTLCache
	queue        *fakeQueueClient
	router       *gin.Engine
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:admin_handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&vault.ProviderToken{}, &ledgerSvc.CreditAccount{}, &ledgerSvc.CreditTransaction{},
	))

	cipher, err := vault.NewCipher("admin-handler-test-key")
	require.NoError(t, err)
	vaultSvc := vault.NewService(db, cipher)
	ledgerService := ledgerSvc.NewService(db, 0, 0)
	enforcer := quota.NewEnforcer(db, time.Minute)

	auditLogger := auditSvc.NewLogger(sqlDB)
	require.NoError(t, auditLogger.EnsureSchema(context.Background()))

	balanceCache := cache.NewTTLCache("test_admin_balance", 16, time.Minute)
	t.Cleanup(balanceCache.Stop)

	env := &adminEnv{
		db:           db,
		sqlDB:        sqlDB,
		vault:        vaultSvc,
		ledger:       ledgerService,
		enforcer:     enforcer,
		audit:        auditLogger,
		balanceCache: balanceCache,
		queue:        &fakeQueueClient{},
	}

	tokenHandler := NewTokenHandler(vaultSvc, enforcer, auditLogger)
	accountHandler := NewAccountHandler(ledgerService, auditLogger, balanceCache)
	maintenanceHandler := NewMaintenanceHandler(env.queue)
	auditHandler := NewAuditHandler(auditLogger)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(auth.PrincipalContextKey), &auth.Principal{OwnerID: adminActor, Role: "admin"})
	})

	tokens := router.Group("/api/admin/tokens")
	{
		tokens.POST("", tokenHandler.Provision)
		tokens.GET("", tokenHandler.List)
		tokens.GET("/:id", tokenHandler.Get)
		tokens.POST("/:id/rotate", tokenHandler.Rotate)
		tokens.POST("/:id/revoke", tokenHandler.Revoke)
		tokens.POST("/:id/restore", tokenHandler.Restore)
		tokens.POST("/:id/activate", tokenHandler.Activate)
		tokens.POST("/:id/reset-usage", tokenHandler.ResetUsage)
		tokens.GET("/:id/quota", tokenHandler.QuotaStatus)
	}
	accounts := router.Group("/api/admin/accounts")
	{
		accounts.GET("/:ownerId/balance", accountHandler.GetBalance)
		accounts.POST("/:ownerId/allocate", accountHandler.Allocate)
		accounts.POST("/:ownerId/refund", accountHandler.Refund)
		accounts.PUT("/:ownerId/daily-limit", accountHandler.SetDailyLimit)
		accounts.GET("/:ownerId/chain", accountHandler.VerifyChain)
		accounts.GET("/:ownerId/transactions", accountHandler.ListTransactions)
	}
	maintenance := router.Group("/api/admin/maintenance")
	{
		maintenance.POST("/ledger-verify", maintenanceHandler.TriggerLedgerVerify)
		maintenance.POST("/stale-sweep", maintenanceHandler.TriggerStaleSweep)
		maintenance.POST("/token-expiry-scan", maintenanceHandler.TriggerTokenExpiryScan)
	}
	router.GET("/api/admin/audit-logs", auditHandler.Query)

	env.router = router
	return env
}

func (e *adminEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type tokenBody struct {
	Success bool `json:"success"`
	Data    struct {
		ID              string `json:"id"`
		OwnerID         string `json:"ownerId"`
		Status          string `json:"status"`
		EffectiveStatus string `json:"effectiveStatus"`
		UsageCount      int64  `json:"usageCount"`
		Quota           int64  `json:"quota"`
	} `json:"data"`
}

func (e *adminEnv) provision(t *testing.T, body gin.H) tokenBody {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/admin/tokens", body)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var parsed tokenBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	return parsed
}

func TestProvisionNeverEchoesPlaintext(t *testing.T) {
	env := newAdminEnv(t)
	const secret = "sk-super-secret-upstream-key"

	w := env.do(t, http.MethodPost, "/api/admin/tokens", gin.H{
		"value": secret, "ownerId": "admin-1", "activate": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), secret, "plaintext must never appear in responses")

	w = env.do(t, http.MethodGet, "/api/admin/tokens", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), secret)
}

func TestProvisionAndActivateFlow(t *testing.T) {
	env := newAdminEnv(t)

	first := env.provision(t, gin.H{"value": "sk-aaa", "ownerId": "admin-1", "activate": true})
	assert.Equal(t, "active", first.Data.EffectiveStatus)

	second := env.provision(t, gin.H{"value": "sk-bbb", "ownerId": "admin-1"})
	assert.Equal(t, "standby", second.Data.EffectiveStatus)

	w := env.do(t, http.MethodPost, "/api/admin/tokens/"+second.Data.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// 切换后旧活动凭据降级，活动凭据至多一枚
	w = env.do(t, http.MethodGet, "/api/admin/tokens/"+first.Data.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var firstNow tokenBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &firstNow))
	assert.Equal(t, "standby", firstNow.Data.EffectiveStatus)

	w = env.do(t, http.MethodGet, "/api/admin/tokens/"+second.Data.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var secondNow tokenBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &secondNow))
	assert.Equal(t, "active", secondNow.Data.EffectiveStatus)
}

func TestProvisionValidation(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/tokens", gin.H{"ownerId": "admin-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing value")

	w = env.do(t, http.MethodPost, "/api/admin/tokens", gin.H{"value": "sk-x"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing ownerId")
}

func TestRotateErrors(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/tokens/unknown/rotate", gin.H{"value": "sk-new"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	tok := env.provision(t, gin.H{"value": "sk-old", "ownerId": "admin-1"})
	w = env.do(t, http.MethodPost, "/api/admin/tokens/"+tok.Data.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/tokens/"+tok.Data.ID+"/rotate", gin.H{"value": "sk-new"})
	assert.Equal(t, http.StatusConflict, w.Code, "revoked token must not rotate")
}

func TestRotateKeepsUsage(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()

	tok := env.provision(t, gin.H{"value": "sk-old", "ownerId": "admin-1", "quota": 10, "activate": true})
	for i := 0; i < 3; i++ {
		decision, err := env.enforcer.CheckAndConsume(ctx, tok.Data.ID)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	w := env.do(t, http.MethodPost, "/api/admin/tokens/"+tok.Data.ID+"/rotate", gin.H{"value": "sk-new"})
	require.Equal(t, http.StatusOK, w.Code)

	var rotated tokenBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.Equal(t, int64(3), rotated.Data.UsageCount, "rotation must not reset cumulative usage")
}

func TestRevokeIdempotentAndRestore(t *testing.T) {
	env := newAdminEnv(t)
	tok := env.provision(t, gin.H{"value": "sk-x", "ownerId": "admin-1"})
	path := "/api/admin/tokens/" + tok.Data.ID

	w := env.do(t, http.MethodPost, path+"/revoke", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, path+"/revoke", nil)
	assert.Equal(t, http.StatusOK, w.Code, "revoke must be idempotent")

	w = env.do(t, http.MethodPost, path+"/restore", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, path+"/restore", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "restore only applies to revoked tokens")

	w = env.do(t, http.MethodPost, path+"/activate", nil)
	assert.Equal(t, http.StatusOK, w.Code, "restored token can be activated")
}

func TestActivateRejectsExpired(t *testing.T) {
	env := newAdminEnv(t)
	expired := time.Now().UTC().Add(-time.Hour)
	tok := env.provision(t, gin.H{"value": "sk-x", "ownerId": "admin-1", "expiresAt": expired.Format(time.RFC3339)})
	assert.Equal(t, "expired", tok.Data.EffectiveStatus)

	w := env.do(t, http.MethodPost, "/api/admin/tokens/"+tok.Data.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQuotaStatusAndResetUsage(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()

	tok := env.provision(t, gin.H{"value": "sk-x", "ownerId": "admin-1", "quota": 5, "activate": true})
	for i := 0; i < 2; i++ {
		decision, err := env.enforcer.CheckAndConsume(ctx, tok.Data.ID)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	w := env.do(t, http.MethodGet, "/api/admin/tokens/"+tok.Data.ID+"/quota", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Data quota.TokenQuotaStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, int64(2), status.Data.UsageCount)
	assert.Equal(t, int64(3), status.Data.Remaining)

	w = env.do(t, http.MethodPost, "/api/admin/tokens/"+tok.Data.ID+"/reset-usage", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/tokens/"+tok.Data.ID+"/quota", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, int64(0), status.Data.UsageCount)
	assert.Equal(t, int64(5), status.Data.Remaining)

	w = env.do(t, http.MethodGet, "/api/admin/tokens/unknown/quota", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenMutationsAreAudited(t *testing.T) {
	env := newAdminEnv(t)
	tok := env.provision(t, gin.H{"value": "sk-x", "ownerId": "admin-1"})

	w := env.do(t, http.MethodPost, "/api/admin/tokens/"+tok.Data.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/audit-logs?action=token.revoke", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Items []auditSvc.Entry `json:"items"`
			Count int              `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Data.Count)
	assert.Equal(t, adminActor, body.Data.Items[0].ActorID)
	assert.Equal(t, "token:"+tok.Data.ID, body.Data.Items[0].Resource)

	// provision 也应各有一条审计行
	w = env.do(t, http.MethodGet, "/api/admin/audit-logs?action=token.provision", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.Count)
}
