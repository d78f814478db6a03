package ledger

import (
	"time"
)

// CreditAccount 积分账户
// 余额只能经由流水变动，日用量在 UTC 日界重置。
type CreditAccount struct {
	ID             string    `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID        string    `json:"ownerId" gorm:"type:uuid;not null;uniqueIndex:idx_ledger_account_owner"`
	Balance        int64     `json:"balance" gorm:"not null;default:0"`        // 当前余额
	DailyLimit     int64     `json:"dailyLimit" gorm:"not null;default:0"`     // 单日消费上限，0 表示不限
	DailyUsed      int64     `json:"dailyUsed" gorm:"not null;default:0"`      // 当日已消费
	DailyResetAt   time.Time `json:"dailyResetAt" gorm:"not null"`             // 下一次日界重置时间（UTC）
	TotalUsed      int64     `json:"totalUsed" gorm:"not null;default:0"`      // 累计消耗
	TotalAllocated int64     `json:"totalAllocated" gorm:"not null;default:0"` // 累计发放
	CreatedAt      time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TransactionType 交易类型
type TransactionType string

const (
	TransactionTypeDeduction  TransactionType = "deduction"  // 推理扣费
	TransactionTypeRefund     TransactionType = "refund"     // 失败补偿退款
	TransactionTypeAllocation TransactionType = "allocation" // 管理员发放
)

// CreditTransaction 积分流水（只追加，不修改不删除）
type CreditTransaction struct {
	ID            string          `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID       string          `json:"ownerId" gorm:"type:uuid;not null;index:idx_ledger_tx_owner"`
	AccountID     string          `json:"accountId" gorm:"type:uuid;not null;index"`
	Type          TransactionType `json:"type" gorm:"size:20;not null;index:idx_ledger_tx_type"`
	Amount        int64           `json:"amount" gorm:"not null"`        // 变动金额（扣费为负）
	BalanceBefore int64           `json:"balanceBefore" gorm:"not null"` // 变动前余额
	BalanceAfter  int64           `json:"balanceAfter" gorm:"not null"`  // 变动后余额

	// 关联信息
	CorrelationID string `json:"correlationId" gorm:"type:uuid;index:idx_ledger_tx_corr"` // 关联的推理请求

	// 描述信息
	Description string `json:"description" gorm:"size:500"`

	// 操作信息（发放/人工退款时）
	OperatorID string `json:"operatorId" gorm:"type:uuid"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index:idx_ledger_tx_time"`
}

// BalanceSnapshot 余额看板投影
type BalanceSnapshot struct {
	OwnerID     string    `json:"ownerId"`
	Balance     int64     `json:"balance"`
	DailyLimit  int64     `json:"dailyLimit"`
	DailyUsed   int64     `json:"dailyUsed"`
	RateLimited bool      `json:"rateLimited"`       // 当日额度已耗尽
	ResetAt     time.Time `json:"resetAt,omitempty"` // 日额度重置时间
}

// DenyReason 余额预检拒绝原因
type DenyReason string

const (
	DenyReasonInsufficientBalance DenyReason = "insufficient_balance"
	DenyReasonDailyLimit          DenyReason = "daily_limit"
)

// BalanceDecision 余额预检结果
type BalanceDecision struct {
	Sufficient bool       `json:"sufficient"`
	Reason     DenyReason `json:"reason,omitempty"`
	Balance    int64      `json:"balance"`
	ResetAt    time.Time  `json:"resetAt,omitempty"` // 日额度拒绝时为下一个 UTC 日界
}

// DebitInput 扣费参数
type DebitInput struct {
	OwnerID       string `json:"ownerId"`
	Amount        int64  `json:"amount"`
	CorrelationID string `json:"correlationId"`
	Description   string `json:"description"`
}

// RefundInput 退款参数
type RefundInput struct {
	OwnerID       string `json:"ownerId"`
	Amount        int64  `json:"amount"`
	CorrelationID string `json:"correlationId"`
	Description   string `json:"description"`
}

// AllocationInput 发放参数
type AllocationInput struct {
	OwnerID     string `json:"ownerId"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
	OperatorID  string `json:"operatorId"`
}

// TransactionQuery 流水查询条件
type TransactionQuery struct {
	OwnerID   string          `json:"ownerId"`
	Type      TransactionType `json:"type"`
	StartTime *time.Time      `json:"startTime"`
	EndTime   *time.Time      `json:"endTime"`
	Limit     int             `json:"limit"`
	Offset    int             `json:"offset"`
}

// ChainReport 账本链校验报告
type ChainReport struct {
	OwnerID      string `json:"ownerId"`
	Checked      int    `json:"checked"`
	OK           bool   `json:"ok"`
	BrokenTxID   string `json:"brokenTxId,omitempty"`
	Detail       string `json:"detail,omitempty"`
	FinalBalance int64  `json:"finalBalance"`
}
