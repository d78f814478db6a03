package infra

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockForUpdate 在支持的方言上施加行级写锁
// sqlite 单写者天然串行，不支持也不需要 FOR UPDATE。
func LockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
