package option

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockingUpdate applies SELECT ... FOR UPDATE to every query in the scope.
// Operations that mutate campaign state run their reads under this scope so
// concurrent contributions, votes and releases serialize on the campaign row.
// sqlite has a single writer and no FOR UPDATE syntax, so the scope is a
// no-op there.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() != "postgres" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
