package orchestrator

import (
	"time"
)

// RequestStatus 推理请求状态
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"    // 已受理，尚未派发
	StatusProcessing RequestStatus = "processing" // 已派发，等待上游
	StatusCompleted  RequestStatus = "completed"  // 成功完成
	StatusFailed     RequestStatus = "failed"     // 终态失败
)

// InferenceRequest 推理请求审计记录
// 非权威状态：账务事实只在积分流水。ID 同时用作流水的关联标识，
// 一次逻辑请求对应一条记录，派发前创建、结束后更新一次。
type InferenceRequest struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID  string `json:"ownerId" gorm:"type:uuid;not null;index:idx_inference_owner"`
	Category string `json:"category" gorm:"size:20;not null"`
	Model    string `json:"model" gorm:"size:100"`
	Prompt   string `json:"prompt" gorm:"type:text"`

	Cost     int64         `json:"cost" gorm:"not null;default:0"` // 本次定价（积分）
	Status   RequestStatus `json:"status" gorm:"size:20;not null;index:idx_inference_status"`
	TokenID  string        `json:"tokenId" gorm:"type:uuid"` // 承接本次调用的凭据
	Attempts int           `json:"attempts" gorm:"not null;default:0"`

	PromptTokens     int `json:"promptTokens" gorm:"not null;default:0"`
	CompletionTokens int `json:"completionTokens" gorm:"not null;default:0"`

	ErrorKind    string `json:"errorKind,omitempty" gorm:"size:50"`
	ErrorMessage string `json:"errorMessage,omitempty" gorm:"size:500"`

	CreatedAt   time.Time  `json:"createdAt" gorm:"not null;autoCreateTime;index:idx_inference_time"`
	UpdatedAt   time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TableName 指定表名
func (InferenceRequest) TableName() string {
	return "inference_requests"
}

// RequestQuery 审计记录查询条件
type RequestQuery struct {
	OwnerID string        `json:"ownerId"`
	Status  RequestStatus `json:"status"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}
