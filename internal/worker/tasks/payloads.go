package tasks

// Task Types
const (
	TypeLedgerVerify    = "maintenance:ledger_verify"
	TypeStaleSweep      = "maintenance:stale_sweep"
	TypeTokenExpiryScan = "maintenance:token_expiry_scan"
)

// 任务载荷只携带标识与参数，绝不携带凭据明文。

// LedgerVerifyPayload 账本链校验任务载荷
// OwnerID 为空时巡检全部主体。
type LedgerVerifyPayload struct {
	OwnerID string `json:"owner_id,omitempty"`
}

// StaleSweepPayload 滞留请求清理任务载荷
type StaleSweepPayload struct {
	StaleAfterMinutes int `json:"stale_after_minutes"`
}

// TokenExpiryScanPayload 凭据到期巡检任务载荷
type TokenExpiryScanPayload struct {
	WarnWithinHours int `json:"warn_within_hours"`
}
