package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound         = errors.New("USER_NOT_FOUND")
	ErrCardNotFound         = errors.New("CARD_NOT_FOUND")
	ErrTransactionNotFound  = errors.New("TRANSACTION_NOT_FOUND")
	ErrDuplicateTransaction = errors.New("DUPLICATE_TRANSACTION")
)

// isDuplicateKey 识别唯一索引冲突，MySQL 1062 / PostgreSQL 23505
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
