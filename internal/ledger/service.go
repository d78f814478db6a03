package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gateway/internal/infra"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("积分余额不足")
	ErrDailyLimitExceeded  = errors.New("当日消费额度已用尽")
	ErrAccountNotFound     = errors.New("积分账户不存在")
	ErrInvalidAmount       = errors.New("无效的积分金额")
)

// Service 积分账本服务
// 余额一律经由流水行变动，扣费在账户行锁内串行执行。
type Service struct {
	db                *gorm.DB
	initialBalance    int64
	defaultDailyLimit int64
}

// NewService 创建账本服务
// initialBalance 为新账户的初始发放额，defaultDailyLimit 为默认单日上限。
func NewService(db *gorm.DB, initialBalance, defaultDailyLimit int64) *Service {
	return &Service{
		db:                db,
		initialBalance:    initialBalance,
		defaultDailyLimit: defaultDailyLimit,
	}
}

// ============ 余额查询与预检 ============

// GetBalance 获取余额看板投影
// 读取路径同样执行日界重置，投影必须与扣费判定一致。
func (s *Service) GetBalance(ctx context.Context, ownerID string) (*BalanceSnapshot, error) {
	var snap *BalanceSnapshot
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		account, err := s.getOrCreateAccountTx(db, ownerID)
		if err != nil {
			return err
		}
		if err := resetDailyTx(db, account, time.Now().UTC()); err != nil {
			return err
		}

		snap = &BalanceSnapshot{
			OwnerID:     ownerID,
			Balance:     account.Balance,
			DailyLimit:  account.DailyLimit,
			DailyUsed:   account.DailyUsed,
			RateLimited: account.DailyLimit > 0 && account.DailyUsed >= account.DailyLimit,
			ResetAt:     account.DailyResetAt,
		}
		return nil
	})
	return snap, err
}

// CheckBalance 余额预检
// 仅用于在派发前挡下注定失败的请求，权威判定在 Debit 事务内再次执行。
func (s *Service) CheckBalance(ctx context.Context, ownerID string, cost int64) (*BalanceDecision, error) {
	if cost <= 0 {
		return nil, ErrInvalidAmount
	}

	var decision *BalanceDecision
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		account, err := s.getOrCreateAccountTx(db, ownerID)
		if err != nil {
			return err
		}
		if err := resetDailyTx(db, account, time.Now().UTC()); err != nil {
			return err
		}

		decision = &BalanceDecision{Balance: account.Balance}
		switch {
		case account.Balance < cost:
			decision.Reason = DenyReasonInsufficientBalance
		case account.DailyLimit > 0 && account.DailyUsed+cost > account.DailyLimit:
			decision.Reason = DenyReasonDailyLimit
			decision.ResetAt = account.DailyResetAt
		default:
			decision.Sufficient = true
		}
		return nil
	})
	return decision, err
}

// ============ 扣费 ============

// Debit 扣除积分（推理完成后结算）
// 账户行锁内读-改-写：余额与日额度在此处做最终判定，杜绝丢失更新。
func (s *Service) Debit(ctx context.Context, input *DebitInput) (*CreditTransaction, error) {
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var tx *CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		account, err := s.lockOrCreateAccountTx(db, input.OwnerID)
		if err != nil {
			return err
		}
		if err := resetDailyTx(db, account, time.Now().UTC()); err != nil {
			return err
		}

		if account.Balance < input.Amount {
			return ErrInsufficientBalance
		}
		if account.DailyLimit > 0 && account.DailyUsed+input.Amount > account.DailyLimit {
			return ErrDailyLimitExceeded
		}

		tx = &CreditTransaction{
			ID:            uuid.New().String(),
			OwnerID:       input.OwnerID,
			AccountID:     account.ID,
			Type:          TransactionTypeDeduction,
			Amount:        -input.Amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - input.Amount,
			CorrelationID: input.CorrelationID,
			Description:   input.Description,
		}
		if tx.Description == "" {
			tx.Description = fmt.Sprintf("推理扣费 %d 积分", input.Amount)
		}
		if err := db.Create(tx).Error; err != nil {
			return err
		}

		return db.Model(account).Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", input.Amount),
			"daily_used": gorm.Expr("daily_used + ?", input.Amount),
			"total_used": gorm.Expr("total_used + ?", input.Amount),
		}).Error
	})

	return tx, err
}

// ============ 退款 ============

// Refund 退还积分（派发失败的补偿动作）
// 同一关联号的退款只生效一次，重复调用返回已有流水。
func (s *Service) Refund(ctx context.Context, input *RefundInput) (*CreditTransaction, error) {
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var tx *CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if input.CorrelationID != "" {
			var existing CreditTransaction
			err := db.Where("owner_id = ? AND correlation_id = ? AND type = ?",
				input.OwnerID, input.CorrelationID, TransactionTypeRefund).
				First(&existing).Error
			if err == nil {
				tx = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		account, err := s.lockOrCreateAccountTx(db, input.OwnerID)
		if err != nil {
			return err
		}

		// 退款同时归还日额度，已重置的日额度不倒扣
		newDailyUsed := account.DailyUsed - input.Amount
		if newDailyUsed < 0 {
			newDailyUsed = 0
		}
		newTotalUsed := account.TotalUsed - input.Amount
		if newTotalUsed < 0 {
			newTotalUsed = 0
		}

		tx = &CreditTransaction{
			ID:            uuid.New().String(),
			OwnerID:       input.OwnerID,
			AccountID:     account.ID,
			Type:          TransactionTypeRefund,
			Amount:        input.Amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance + input.Amount,
			CorrelationID: input.CorrelationID,
			Description:   input.Description,
		}
		if tx.Description == "" {
			tx.Description = fmt.Sprintf("派发失败退款 %d 积分", input.Amount)
		}
		if err := db.Create(tx).Error; err != nil {
			return err
		}

		return db.Model(account).Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", input.Amount),
			"daily_used": newDailyUsed,
			"total_used": newTotalUsed,
		}).Error
	})

	return tx, err
}

// ============ 发放 ============

// Allocate 管理员发放积分
func (s *Service) Allocate(ctx context.Context, input *AllocationInput) (*CreditTransaction, error) {
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var tx *CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		account, err := s.lockOrCreateAccountTx(db, input.OwnerID)
		if err != nil {
			return err
		}

		tx = &CreditTransaction{
			ID:            uuid.New().String(),
			OwnerID:       input.OwnerID,
			AccountID:     account.ID,
			Type:          TransactionTypeAllocation,
			Amount:        input.Amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance + input.Amount,
			Description:   input.Description,
			OperatorID:    input.OperatorID,
		}
		if tx.Description == "" {
			tx.Description = fmt.Sprintf("管理员发放 %d 积分", input.Amount)
		}
		if err := db.Create(tx).Error; err != nil {
			return err
		}

		return db.Model(account).Updates(map[string]interface{}{
			"balance":         gorm.Expr("balance + ?", input.Amount),
			"total_allocated": gorm.Expr("total_allocated + ?", input.Amount),
		}).Error
	})

	return tx, err
}

// SetDailyLimit 调整单日消费上限（0 表示不限）
func (s *Service) SetDailyLimit(ctx context.Context, ownerID string, limit int64) error {
	if limit < 0 {
		return ErrInvalidAmount
	}
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		account, err := s.getOrCreateAccountTx(db, ownerID)
		if err != nil {
			return err
		}
		return db.Model(account).Update("daily_limit", limit).Error
	})
}

// ============ 流水查询 ============

// ListTransactions 查询流水
func (s *Service) ListTransactions(ctx context.Context, query *TransactionQuery) ([]CreditTransaction, int64, error) {
	db := s.db.WithContext(ctx).Model(&CreditTransaction{}).
		Where("owner_id = ?", query.OwnerID)

	if query.Type != "" {
		db = db.Where("type = ?", query.Type)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", query.EndTime)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if query.Limit <= 0 || query.Limit > 100 {
		query.Limit = 20
	}

	var transactions []CreditTransaction
	err := db.Order("created_at DESC").
		Limit(query.Limit).
		Offset(query.Offset).
		Find(&transactions).Error

	return transactions, total, err
}

// ExportTransactionsCSV 导出流水为 CSV
func (s *Service) ExportTransactionsCSV(ctx context.Context, query *TransactionQuery) ([]byte, error) {
	query.Limit = 100
	if query.Offset < 0 {
		query.Offset = 0
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "type", "amount", "balance_before", "balance_after", "correlation_id", "description", "created_at"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for {
		batch, _, err := s.ListTransactions(ctx, query)
		if err != nil {
			return nil, err
		}
		for i := range batch {
			tx := &batch[i]
			record := []string{
				tx.ID,
				string(tx.Type),
				strconv.FormatInt(tx.Amount, 10),
				strconv.FormatInt(tx.BalanceBefore, 10),
				strconv.FormatInt(tx.BalanceAfter, 10),
				tx.CorrelationID,
				tx.Description,
				tx.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
		if len(batch) < query.Limit {
			break
		}
		query.Offset += query.Limit
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ============ 账本链校验 ============

// VerifyChain 校验单个主体的流水链
// 逐笔检查 余额前+变动=余额后 与相邻流水的首尾衔接，末笔须与账户余额一致。
func (s *Service) VerifyChain(ctx context.Context, ownerID string) (*ChainReport, error) {
	var account CreditAccount
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	var txs []CreditTransaction
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC, id ASC").
		Find(&txs).Error; err != nil {
		return nil, err
	}

	report := &ChainReport{OwnerID: ownerID, OK: true, Checked: len(txs), FinalBalance: account.Balance}

	var prev *CreditTransaction
	for i := range txs {
		tx := &txs[i]
		if tx.BalanceAfter != tx.BalanceBefore+tx.Amount {
			report.OK = false
			report.BrokenTxID = tx.ID
			report.Detail = "流水自身余额变动不闭合"
			return report, nil
		}
		if prev != nil && prev.BalanceAfter != tx.BalanceBefore {
			report.OK = false
			report.BrokenTxID = tx.ID
			report.Detail = "相邻流水余额不衔接"
			return report, nil
		}
		prev = tx
	}

	if prev != nil && prev.BalanceAfter != account.Balance {
		report.OK = false
		report.BrokenTxID = prev.ID
		report.Detail = "流水终值与账户余额不一致"
	}
	return report, nil
}

// ListOwnerIDs 列出全部账本主体（巡检任务用）
func (s *Service) ListOwnerIDs(ctx context.Context) ([]string, error) {
	var owners []string
	err := s.db.WithContext(ctx).Model(&CreditAccount{}).
		Order("created_at ASC").
		Pluck("owner_id", &owners).Error
	return owners, err
}

// ============ 内部方法 ============

// getOrCreateAccountTx 查询账户，不存在则创建
// 初始余额以 allocation 流水发放，保证余额可从零沿流水链推导。
func (s *Service) getOrCreateAccountTx(db *gorm.DB, ownerID string) (*CreditAccount, error) {
	if ownerID == "" {
		return nil, errors.New("账户主体不能为空")
	}

	var account CreditAccount
	err := db.Where("owner_id = ?", ownerID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account = CreditAccount{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Balance:      0,
		DailyLimit:   s.defaultDailyLimit,
		DailyResetAt: nextMidnightUTC(time.Now().UTC()),
	}
	if err := db.Create(&account).Error; err != nil {
		return nil, err
	}

	if s.initialBalance > 0 {
		grant := &CreditTransaction{
			ID:            uuid.New().String(),
			OwnerID:       ownerID,
			AccountID:     account.ID,
			Type:          TransactionTypeAllocation,
			Amount:        s.initialBalance,
			BalanceBefore: 0,
			BalanceAfter:  s.initialBalance,
			Description:   fmt.Sprintf("新账户初始发放 %d 积分", s.initialBalance),
		}
		if err := db.Create(grant).Error; err != nil {
			return nil, err
		}
		if err := db.Model(&account).Updates(map[string]interface{}{
			"balance":         s.initialBalance,
			"total_allocated": s.initialBalance,
		}).Error; err != nil {
			return nil, err
		}
		account.Balance = s.initialBalance
		account.TotalAllocated = s.initialBalance
	}

	return &account, nil
}

// lockOrCreateAccountTx 行锁读取账户，不存在则在当前事务内创建
func (s *Service) lockOrCreateAccountTx(db *gorm.DB, ownerID string) (*CreditAccount, error) {
	var account CreditAccount
	err := infra.LockForUpdate(db).Where("owner_id = ?", ownerID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.getOrCreateAccountTx(db, ownerID)
}

// resetDailyTx 跨过日界时重置当日用量
func resetDailyTx(db *gorm.DB, account *CreditAccount, now time.Time) error {
	if now.Before(account.DailyResetAt) {
		return nil
	}
	account.DailyUsed = 0
	account.DailyResetAt = nextMidnightUTC(now)
	return db.Model(account).Updates(map[string]interface{}{
		"daily_used":     0,
		"daily_reset_at": account.DailyResetAt,
	}).Error
}

// nextMidnightUTC 下一个 UTC 日界
func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
