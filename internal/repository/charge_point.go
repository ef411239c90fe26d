package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/langchou/csms/internal/models"
)

// ChargePointRepository 充电桩数据仓库
type ChargePointRepository struct {
	db *DB
}

// NewChargePointRepository 创建充电桩仓库
func NewChargePointRepository(db *DB) *ChargePointRepository {
	return &ChargePointRepository{db: db}
}

// UpsertChargePoint BootNotification 时写入桩信息，同时标记在线
func (r *ChargePointRepository) UpsertChargePoint(ctx context.Context, cp *models.ChargePoint) error {
	query := `
		INSERT INTO charge_points (id, vendor, model, serial_number, firmware_version, connected)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (id) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			model = EXCLUDED.model,
			serial_number = EXCLUDED.serial_number,
			firmware_version = EXCLUDED.firmware_version,
			connected = true,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		cp.ID,
		cp.Vendor,
		cp.Model,
		cp.SerialNumber,
		cp.FirmwareVersion,
	).Scan(&cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert charge point: %w", err)
	}
	cp.Connected = true
	return nil
}

// TouchHeartbeat 记录心跳时间，桩不存在时创建
func (r *ChargePointRepository) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	query := `
		INSERT INTO charge_points (id, connected, last_heartbeat)
		VALUES ($1, true, $2)
		ON CONFLICT (id) DO UPDATE SET
			connected = true,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// SetConnected 更新在线状态，桩不存在时创建
func (r *ChargePointRepository) SetConnected(ctx context.Context, id string, connected bool) error {
	query := `
		INSERT INTO charge_points (id, connected)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			connected = EXCLUDED.connected,
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, id, connected); err != nil {
		return fmt.Errorf("set connected: %w", err)
	}
	return nil
}

// GetChargePoint 获取单个充电桩
func (r *ChargePointRepository) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	query := `
		SELECT id, vendor, model, serial_number, firmware_version, connected, last_heartbeat, created_at, updated_at
		FROM charge_points WHERE id = $1
	`
	cp := &models.ChargePoint{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&cp.ID, &cp.Vendor, &cp.Model, &cp.SerialNumber, &cp.FirmwareVersion,
		&cp.Connected, &cp.LastHeartbeat, &cp.CreatedAt, &cp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get charge point: %w", err)
	}
	return cp, nil
}

// ListChargePoints 获取所有充电桩及累计电量
func (r *ChargePointRepository) ListChargePoints(ctx context.Context) ([]*models.ChargePointSummary, error) {
	query := `
		SELECT cp.id, cp.vendor, cp.model, cp.serial_number, cp.firmware_version, cp.connected,
			cp.last_heartbeat, cp.created_at, cp.updated_at,
			COALESCE((
				SELECT SUM(t.meter_stop - t.meter_start) FROM transactions t
				WHERE t.cp_id = cp.id AND t.meter_stop IS NOT NULL
			), 0)::float8 / 1000.0 AS total_kwh
		FROM charge_points cp
		ORDER BY cp.id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query charge points: %w", err)
	}
	defer rows.Close()

	var out []*models.ChargePointSummary
	for rows.Next() {
		s := &models.ChargePointSummary{}
		if err := rows.Scan(
			&s.ID, &s.Vendor, &s.Model, &s.SerialNumber, &s.FirmwareVersion, &s.Connected,
			&s.LastHeartbeat, &s.CreatedAt, &s.UpdatedAt, &s.TotalKWh,
		); err != nil {
			return nil, fmt.Errorf("scan charge point: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
