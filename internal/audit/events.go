package audit

// EventType 审计事件类型
type EventType string

// 凭据管理事件
const (
	EventTokenProvision  EventType = "token.provision"   // 导入凭据
	EventTokenRotate     EventType = "token.rotate"      // 轮换凭据
	EventTokenRevoke     EventType = "token.revoke"      // 吊销凭据
	EventTokenRestore    EventType = "token.restore"     // 恢复凭据
	EventTokenActivate   EventType = "token.activate"    // 切换活动凭据
	EventTokenResetUsage EventType = "token.reset_usage" // 重置累计用量
)

// 记账管理事件
const (
	EventCreditAllocate   EventType = "credit.allocate"           // 发放点数
	EventCreditRefund     EventType = "credit.refund"             // 退款
	EventDailyLimitUpdate EventType = "credit.daily_limit.update" // 调整单日额度
)
