package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	response "gateway/api/handlers/common"
	ledgerSvc "gateway/internal/ledger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txBody struct {
	Success bool                        `json:"success"`
	Data    ledgerSvc.CreditTransaction `json:"data"`
}

type balanceBody struct {
	Success bool                      `json:"success"`
	Data    ledgerSvc.BalanceSnapshot `json:"data"`
}

func (e *adminEnv) allocate(t *testing.T, ownerID string, amount int64) ledgerSvc.CreditTransaction {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/admin/accounts/"+ownerID+"/allocate", gin.H{"amount": amount})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var parsed txBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	return parsed.Data
}

func TestAllocateAndGetBalance(t *testing.T) {
	env := newAdminEnv(t)

	tx := env.allocate(t, "owner-a", 100)
	assert.Equal(t, ledgerSvc.TransactionTypeAllocation, tx.Type)
	assert.Equal(t, int64(100), tx.Amount)
	assert.Equal(t, int64(100), tx.BalanceAfter)

	w := env.do(t, http.MethodGet, "/api/admin/accounts/owner-a/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance balanceBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(100), balance.Data.Balance)
}

func TestAllocateValidation(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/accounts/owner-a/allocate", gin.H{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/accounts/owner-a/allocate", gin.H{"description": "缺金额"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAllocateInvalidatesBalanceProjection(t *testing.T) {
	env := newAdminEnv(t)

	key := response.BalanceCacheKey("owner-a")
	env.balanceCache.Set(key, &ledgerSvc.BalanceSnapshot{OwnerID: "owner-a", Balance: 1})

	env.allocate(t, "owner-a", 100)

	if _, ok := env.balanceCache.Get(key); ok {
		t.Fatal("balance projection should be invalidated after allocation")
	}
}

func TestRefundIdempotentPerCorrelation(t *testing.T) {
	env := newAdminEnv(t)
	env.allocate(t, "owner-b", 100)

	body := gin.H{"amount": 30, "correlationId": "corr-refund-1", "description": "上游失败补偿"}
	w := env.do(t, http.MethodPost, "/api/admin/accounts/owner-b/refund", body)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var first txBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, ledgerSvc.TransactionTypeRefund, first.Data.Type)

	w = env.do(t, http.MethodPost, "/api/admin/accounts/owner-b/refund", body)
	require.Equal(t, http.StatusOK, w.Code)
	var second txBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.Data.ID, second.Data.ID, "same correlation must return the original transaction")

	snapshot, err := env.ledger.GetBalance(context.Background(), "owner-b")
	require.NoError(t, err)
	assert.Equal(t, int64(130), snapshot.Balance, "double refund must not pay twice")
}

func TestSetDailyLimit(t *testing.T) {
	env := newAdminEnv(t)
	env.allocate(t, "owner-c", 10)

	w := env.do(t, http.MethodPut, "/api/admin/accounts/owner-c/daily-limit", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "limit is required")

	w = env.do(t, http.MethodPut, "/api/admin/accounts/owner-c/daily-limit", gin.H{"limit": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/admin/accounts/owner-c/daily-limit", gin.H{"limit": 50})
	require.Equal(t, http.StatusOK, w.Code)

	var balance balanceBody
	w = env.do(t, http.MethodGet, "/api/admin/accounts/owner-c/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(50), balance.Data.DailyLimit)

	// 显式 0 表示解除上限，指针绑定要能区分缺省与零值
	w = env.do(t, http.MethodPut, "/api/admin/accounts/owner-c/daily-limit", gin.H{"limit": 0})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	env := newAdminEnv(t)

	env.allocate(t, "owner-d", 10)
	tampered := env.allocate(t, "owner-d", 20)
	env.allocate(t, "owner-d", 30)

	w := env.do(t, http.MethodGet, "/api/admin/accounts/owner-d/chain", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Data ledgerSvc.ChainReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Data.OK)
	assert.Equal(t, 3, report.Data.Checked)

	require.NoError(t, env.db.Exec(
		"UPDATE credit_transactions SET amount = amount + 1 WHERE id = ?", tampered.ID,
	).Error)

	w = env.do(t, http.MethodGet, "/api/admin/accounts/owner-d/chain", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.Data.OK)
	assert.Equal(t, tampered.ID, report.Data.BrokenTxID)

	w = env.do(t, http.MethodGet, "/api/admin/accounts/ghost/chain", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminListTransactions(t *testing.T) {
	env := newAdminEnv(t)
	env.allocate(t, "owner-e", 100)
	w := env.do(t, http.MethodPost, "/api/admin/accounts/owner-e/refund", gin.H{
		"amount": 10, "correlationId": "corr-list-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/accounts/owner-e/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items      []ledgerSvc.CreditTransaction `json:"items"`
		Pagination response.PaginationMeta       `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(2), list.Pagination.Total)

	w = env.do(t, http.MethodGet, "/api/admin/accounts/owner-e/transactions?type=refund", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "corr-list-1", list.Items[0].CorrelationID)
}
