package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrTransactionAlreadyOpen 连接器上已有进行中的交易
	ErrTransactionAlreadyOpen = errors.New("transaction already open on connector")
	// ErrTransactionNotOpen 交易不存在或已结束
	ErrTransactionNotOpen = errors.New("transaction not open")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
