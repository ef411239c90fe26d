package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// PoolConfig 连接池配置
type PoolConfig struct {
	URL             string
	MinConns        int32
	MaxConns        int32
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接，启动时数据库可能尚未就绪，按配置重试
func New(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 1
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= config.MaxConns {
		config.MinConns = cfg.MinConns
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.ConnectDelay
	if delay <= 0 {
		delay = time.Second
	}

	var pool *pgxpool.Pool
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			p, err := pgxpool.NewWithConfig(ctx, config)
			if err != nil {
				return fmt.Errorf("create pool: %w", err)
			}
			// 测试连接
			if err := p.Ping(ctx); err != nil {
				p.Close()
				return fmt.Errorf("ping database: %w", err)
			}
			pool = p
			return nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			logger.Warn("Database not ready, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(lastErr))
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", retry.LastError(err))
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping 检查数据库连接
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateChargePoints,
		migrationCreateConnectors,
		migrationCreateTransactions,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateChargePoints = `
CREATE TABLE IF NOT EXISTS charge_points (
    id VARCHAR(64) PRIMARY KEY,
    vendor VARCHAR(20) NOT NULL DEFAULT '',
    model VARCHAR(20) NOT NULL DEFAULT '',
    serial_number VARCHAR(25) NOT NULL DEFAULT '',
    firmware_version VARCHAR(50) NOT NULL DEFAULT '',
    connected BOOLEAN NOT NULL DEFAULT false,
    last_heartbeat TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`

const migrationCreateConnectors = `
CREATE TABLE IF NOT EXISTS connectors (
    cp_id VARCHAR(64) NOT NULL REFERENCES charge_points(id),
    connector_id INT NOT NULL,
    status VARCHAR(20) NOT NULL,
    error_code VARCHAR(30) NOT NULL DEFAULT 'NoError',
    info VARCHAR(50) NOT NULL DEFAULT '',
    vendor_error_code VARCHAR(50) NOT NULL DEFAULT '',
    last_update TIMESTAMP WITH TIME ZONE NOT NULL,
    PRIMARY KEY (cp_id, connector_id)
);
`

// 同一连接器最多一笔进行中的交易
const migrationCreateTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id BIGSERIAL PRIMARY KEY,
    cp_id VARCHAR(64) NOT NULL REFERENCES charge_points(id),
    connector_id INT NOT NULL,
    id_tag VARCHAR(20) NOT NULL,
    meter_start INT NOT NULL,
    start_ts TIMESTAMP WITH TIME ZONE NOT NULL,
    meter_stop INT,
    stop_ts TIMESTAMP WITH TIME ZONE,
    stop_reason VARCHAR(20)
);
CREATE INDEX IF NOT EXISTS idx_transactions_cp_id ON transactions(cp_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_open_connector
    ON transactions(cp_id, connector_id) WHERE meter_stop IS NULL;
`
