package admin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gateway/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueueClient struct {
	ledgerVerify []tasks.LedgerVerifyPayload
	staleSweep   []tasks.StaleSweepPayload
	expiryScan   []tasks.TokenExpiryScanPayload
	enqueueErr   error
	closed       bool
}

func (f *fakeQueueClient) EnqueueLedgerVerify(p tasks.LedgerVerifyPayload) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.ledgerVerify = append(f.ledgerVerify, p)
	return nil
}

func (f *fakeQueueClient) EnqueueStaleSweep(p tasks.StaleSweepPayload) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.staleSweep = append(f.staleSweep, p)
	return nil
}

func (f *fakeQueueClient) EnqueueTokenExpiryScan(p tasks.TokenExpiryScanPayload) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.expiryScan = append(f.expiryScan, p)
	return nil
}

func (f *fakeQueueClient) Close() error {
	f.closed = true
	return nil
}

func TestTriggerLedgerVerify(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/maintenance/ledger-verify", gin.H{"ownerId": "owner-x"})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())
	require.Len(t, env.queue.ledgerVerify, 1)
	assert.Equal(t, "owner-x", env.queue.ledgerVerify[0].OwnerID)

	// 空请求体等同全量巡检
	w = env.do(t, http.MethodPost, "/api/admin/maintenance/ledger-verify", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.queue.ledgerVerify, 2)
	assert.Equal(t, "", env.queue.ledgerVerify[1].OwnerID)
}

func TestTriggerStaleSweep(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/maintenance/stale-sweep", gin.H{"staleAfterMinutes": 15})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.queue.staleSweep, 1)
	assert.Equal(t, 15, env.queue.staleSweep[0].StaleAfterMinutes)
}

func TestTriggerTokenExpiryScan(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/maintenance/token-expiry-scan", gin.H{"warnWithinHours": 6})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.queue.expiryScan, 1)
	assert.Equal(t, 6, env.queue.expiryScan[0].WarnWithinHours)
}

func TestTriggerEnqueueFailure(t *testing.T) {
	env := newAdminEnv(t)
	env.queue.enqueueErr = errors.New("redis down")

	w := env.do(t, http.MethodPost, "/api/admin/maintenance/ledger-verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTriggerWithoutQueue(t *testing.T) {
	handler := NewMaintenanceHandler(nil)
	router := gin.New()
	router.POST("/trigger", handler.TriggerStaleSweep)

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
