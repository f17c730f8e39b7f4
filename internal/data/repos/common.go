package repos

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// withRowLock applies FOR UPDATE semantics where the dialect supports them.
// The sqlite test harness runs the same queries without the clause; sqlite's
// single-writer model gives equivalent isolation there.
func withRowLock(tx *gorm.DB, options string) *gorm.DB {
	if tx.Dialector.Name() != "postgres" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}
