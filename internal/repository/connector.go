package repository

import (
	"context"
	"fmt"

	"github.com/langchou/csms/internal/models"
)

// ConnectorRepository 连接器状态仓库
type ConnectorRepository struct {
	db *DB
}

// NewConnectorRepository 创建连接器仓库
func NewConnectorRepository(db *DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

// UpsertConnectorStatus 覆盖连接器最新状态，不保留历史
func (r *ConnectorRepository) UpsertConnectorStatus(ctx context.Context, c *models.Connector) error {
	query := `
		INSERT INTO connectors (cp_id, connector_id, status, error_code, info, vendor_error_code, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cp_id, connector_id) DO UPDATE SET
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			info = EXCLUDED.info,
			vendor_error_code = EXCLUDED.vendor_error_code,
			last_update = EXCLUDED.last_update
	`
	_, err := r.db.Pool.Exec(ctx, query,
		c.ChargePointID,
		c.ConnectorID,
		c.Status,
		c.ErrorCode,
		c.Info,
		c.VendorErrorCode,
		c.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("upsert connector status: %w", err)
	}
	return nil
}

// ListConnectors 获取充电桩的连接器
func (r *ConnectorRepository) ListConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error) {
	query := `
		SELECT cp_id, connector_id, status, error_code, info, vendor_error_code, last_update
		FROM connectors WHERE cp_id = $1
		ORDER BY connector_id
	`
	rows, err := r.db.Pool.Query(ctx, query, chargePointID)
	if err != nil {
		return nil, fmt.Errorf("query connectors: %w", err)
	}
	defer rows.Close()

	var out []*models.Connector
	for rows.Next() {
		c := &models.Connector{}
		if err := rows.Scan(&c.ChargePointID, &c.ConnectorID, &c.Status, &c.ErrorCode, &c.Info, &c.VendorErrorCode, &c.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
