package common

import "time"

// APIResponse 通用响应结构，用于封装成功或失败结果。
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PaginationMeta 分页元信息。
type PaginationMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ListResponse 列表响应结构，包含数据与分页信息。
type ListResponse struct {
	Items      interface{}    `json:"items"`
	Pagination PaginationMeta `json:"pagination"`
}

// ErrorResponse 管理端点统一错误返回结构。
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ErrorBody 推理链路对外错误体，kind 为封闭集合。
type ErrorBody struct {
	Kind    string     `json:"kind"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

// FailureResponse 推理链路失败响应。
// 失败路径一律零计费，cost 恒为 0 且不省略。
type FailureResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
	Cost    int64     `json:"cost"`
}

// BalanceCacheKey 余额投影在进程内缓存中的键
// 推理扣费与管理端记账共用此键做失效。
func BalanceCacheKey(ownerID string) string {
	return "balance:" + ownerID
}
