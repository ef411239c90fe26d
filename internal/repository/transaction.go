package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/langchou/csms/internal/models"
)

// TransactionRepository 交易数据仓库
type TransactionRepository struct {
	db *DB
}

// NewTransactionRepository 创建交易仓库
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// OpenTransaction 开始交易，连接器已有进行中的交易时返回 ErrTransactionAlreadyOpen
func (r *TransactionRepository) OpenTransaction(ctx context.Context, tx *models.Transaction) (int64, error) {
	query := `
		INSERT INTO transactions (cp_id, connector_id, id_tag, meter_start, start_ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		tx.ChargePointID,
		tx.ConnectorID,
		tx.IDTag,
		tx.MeterStart,
		tx.StartTime,
	).Scan(&tx.ID)
	if isUniqueViolation(err) {
		return 0, ErrTransactionAlreadyOpen
	}
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return tx.ID, nil
}

// CloseTransaction 结束交易，只会成功一次
func (r *TransactionRepository) CloseTransaction(ctx context.Context, stop *models.TransactionStop) (*models.Transaction, error) {
	query := `
		UPDATE transactions SET
			meter_stop = $3,
			stop_ts = $4,
			stop_reason = NULLIF($5, '')
		WHERE id = $1 AND cp_id = $2 AND meter_stop IS NULL
		RETURNING id, cp_id, connector_id, id_tag, meter_start, start_ts, meter_stop, stop_ts, stop_reason
	`
	tx := &models.Transaction{}
	err := r.db.Pool.QueryRow(ctx, query,
		stop.TransactionID,
		stop.ChargePointID,
		stop.MeterStop,
		stop.StopTime,
		stop.Reason,
	).Scan(&tx.ID, &tx.ChargePointID, &tx.ConnectorID, &tx.IDTag, &tx.MeterStart, &tx.StartTime, &tx.MeterStop, &tx.StopTime, &tx.StopReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotOpen
	}
	if err != nil {
		return nil, fmt.Errorf("close transaction: %w", err)
	}
	return tx, nil
}

// GetOpenTransaction 获取连接器上进行中的交易
func (r *TransactionRepository) GetOpenTransaction(ctx context.Context, chargePointID string, connectorID int) (*models.Transaction, error) {
	query := `
		SELECT id, cp_id, connector_id, id_tag, meter_start, start_ts, meter_stop, stop_ts, stop_reason
		FROM transactions
		WHERE cp_id = $1 AND connector_id = $2 AND meter_stop IS NULL
	`
	tx := &models.Transaction{}
	err := r.db.Pool.QueryRow(ctx, query, chargePointID, connectorID).Scan(
		&tx.ID, &tx.ChargePointID, &tx.ConnectorID, &tx.IDTag, &tx.MeterStart, &tx.StartTime, &tx.MeterStop, &tx.StopTime, &tx.StopReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions 分页获取交易，按 id 倒序
func (r *TransactionRepository) ListTransactions(ctx context.Context, limit, offset int) ([]*models.Transaction, error) {
	query := `
		SELECT id, cp_id, connector_id, id_tag, meter_start, start_ts, meter_stop, stop_ts, stop_reason
		FROM transactions
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx := &models.Transaction{}
		if err := rows.Scan(&tx.ID, &tx.ChargePointID, &tx.ConnectorID, &tx.IDTag, &tx.MeterStart, &tx.StartTime, &tx.MeterStop, &tx.StopTime, &tx.StopReason); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CountTransactions 交易总数
func (r *TransactionRepository) CountTransactions(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}
