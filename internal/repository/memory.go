package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/langchou/csms/internal/models"
)

type connectorKey struct {
	chargePointID string
	connectorID   int
}

// MemoryStore 内存实现，用于 STORE_DRIVER=memory 和测试
type MemoryStore struct {
	mu           sync.RWMutex
	chargePoints map[string]*models.ChargePoint
	connectors   map[connectorKey]*models.Connector
	transactions map[int64]*models.Transaction
	open         map[connectorKey]int64
	nextID       int64
	now          func() time.Time
}

// NewMemoryStore 创建内存网关
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chargePoints: make(map[string]*models.ChargePoint),
		connectors:   make(map[connectorKey]*models.Connector),
		transactions: make(map[int64]*models.Transaction),
		open:         make(map[connectorKey]int64),
		now:          time.Now,
	}
}

// 调用方需持有写锁
func (s *MemoryStore) ensureChargePoint(id string) *models.ChargePoint {
	cp, ok := s.chargePoints[id]
	if !ok {
		now := s.now()
		cp = &models.ChargePoint{ID: id, CreatedAt: now, UpdatedAt: now}
		s.chargePoints[id] = cp
	}
	return cp
}

func (s *MemoryStore) UpsertChargePoint(ctx context.Context, in *models.ChargePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.ensureChargePoint(in.ID)
	cp.Vendor = in.Vendor
	cp.Model = in.Model
	cp.SerialNumber = in.SerialNumber
	cp.FirmwareVersion = in.FirmwareVersion
	cp.Connected = true
	cp.UpdatedAt = s.now()

	in.Connected = true
	in.CreatedAt = cp.CreatedAt
	in.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.ensureChargePoint(id)
	cp.Connected = true
	cp.LastHeartbeat = &at
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetConnected(ctx context.Context, id string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.ensureChargePoint(id)
	cp.Connected = connected
	cp.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpsertConnectorStatus(ctx context.Context, c *models.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureChargePoint(c.ChargePointID)
	cp := *c
	s.connectors[connectorKey{c.ChargePointID, c.ConnectorID}] = &cp
	return nil
}

func (s *MemoryStore) OpenTransaction(ctx context.Context, tx *models.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connectorKey{tx.ChargePointID, tx.ConnectorID}
	if _, ok := s.open[key]; ok {
		return 0, ErrTransactionAlreadyOpen
	}
	s.ensureChargePoint(tx.ChargePointID)
	s.nextID++
	tx.ID = s.nextID
	stored := *tx
	stored.MeterStop, stored.StopTime, stored.StopReason = nil, nil, nil
	s.transactions[tx.ID] = &stored
	s.open[key] = tx.ID
	return tx.ID, nil
}

func (s *MemoryStore) CloseTransaction(ctx context.Context, stop *models.TransactionStop) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[stop.TransactionID]
	if !ok || tx.ChargePointID != stop.ChargePointID || !tx.IsOpen() {
		return nil, ErrTransactionNotOpen
	}
	meterStop := stop.MeterStop
	stopTime := stop.StopTime
	tx.MeterStop = &meterStop
	tx.StopTime = &stopTime
	if stop.Reason != "" {
		reason := stop.Reason
		tx.StopReason = &reason
	}
	delete(s.open, connectorKey{tx.ChargePointID, tx.ConnectorID})
	out := *tx
	return &out, nil
}

func (s *MemoryStore) GetOpenTransaction(ctx context.Context, chargePointID string, connectorID int) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.open[connectorKey{chargePointID, connectorID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s.transactions[id]
	return &out, nil
}

func (s *MemoryStore) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.chargePoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cp
	return &out, nil
}

func (s *MemoryStore) ListChargePoints(ctx context.Context) ([]*models.ChargePointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]int)
	for _, tx := range s.transactions {
		if !tx.IsOpen() {
			totals[tx.ChargePointID] += *tx.MeterStop - tx.MeterStart
		}
	}

	out := make([]*models.ChargePointSummary, 0, len(s.chargePoints))
	for _, cp := range s.chargePoints {
		out = append(out, &models.ChargePointSummary{
			ChargePoint: *cp,
			TotalKWh:    float64(totals[cp.ID]) / 1000,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Connector
	for key, c := range s.connectors {
		if key.chargePointID == chargePointID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, limit, offset int) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		cp := *tx
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) CountTransactions(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.transactions)), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
