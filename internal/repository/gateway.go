package repository

import (
	"context"
	"time"

	"github.com/langchou/csms/internal/models"
)

// Store 持久化网关，所有持久状态只经由这里写入
// 每个写操作都是单条原子语句，重复执行结果不变
type Store interface {
	UpsertChargePoint(ctx context.Context, cp *models.ChargePoint) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	SetConnected(ctx context.Context, id string, connected bool) error
	UpsertConnectorStatus(ctx context.Context, c *models.Connector) error
	OpenTransaction(ctx context.Context, tx *models.Transaction) (int64, error)
	CloseTransaction(ctx context.Context, stop *models.TransactionStop) (*models.Transaction, error)
	GetOpenTransaction(ctx context.Context, chargePointID string, connectorID int) (*models.Transaction, error)

	GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error)
	ListChargePoints(ctx context.Context) ([]*models.ChargePointSummary, error)
	ListConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]*models.Transaction, error)
	CountTransactions(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// Gateway 基于 Postgres 的持久化网关
type Gateway struct {
	*ChargePointRepository
	*ConnectorRepository
	*TransactionRepository
	db *DB
}

// NewGateway 创建网关
func NewGateway(db *DB) *Gateway {
	return &Gateway{
		ChargePointRepository: NewChargePointRepository(db),
		ConnectorRepository:   NewConnectorRepository(db),
		TransactionRepository: NewTransactionRepository(db),
		db:                    db,
	}
}

// Ping 检查数据库连接
func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.Ping(ctx)
}

var (
	_ Store = (*Gateway)(nil)
	_ Store = (*MemoryStore)(nil)
)
