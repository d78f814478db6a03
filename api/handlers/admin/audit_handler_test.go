package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	auditSvc "gateway/internal/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditQueryFilters(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()

	env.audit.Record(ctx, "admin-9", auditSvc.EventTokenRevoke, "token:tok-1", nil)
	env.audit.Record(ctx, "admin-9", auditSvc.EventCreditAllocate, "account:owner-1", nil)
	env.audit.Record(ctx, "other-admin", auditSvc.EventTokenRevoke, "token:tok-2", nil)

	var body struct {
		Data struct {
			Items []auditSvc.Entry `json:"items"`
			Count int              `json:"count"`
		} `json:"data"`
	}

	w := env.do(t, http.MethodGet, "/api/admin/audit-logs?actorId=admin-9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Data.Count)
	for _, entry := range body.Data.Items {
		assert.Equal(t, "admin-9", entry.ActorID)
	}

	w = env.do(t, http.MethodGet, "/api/admin/audit-logs?actorId=admin-9&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.Count)

	future := url.QueryEscape(time.Now().UTC().Add(time.Hour).Format(time.RFC3339))
	w = env.do(t, http.MethodGet, "/api/admin/audit-logs?from="+future, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Data.Count, "future window must match nothing")
}
