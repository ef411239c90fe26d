package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/langchou/csms/internal/metrics"
	"github.com/langchou/csms/internal/models"
	"github.com/langchou/csms/internal/ocpp"
	"github.com/langchou/csms/internal/repository"
	"github.com/langchou/csms/internal/state"
)

func (s *Session) registerHandlers() {
	ocpp.Register(s.router, ocpp.ActionBootNotification, s.handleBootNotification)
	ocpp.Register(s.router, ocpp.ActionHeartbeat, s.handleHeartbeat)
	ocpp.Register(s.router, ocpp.ActionStatusNotification, s.handleStatusNotification)
	ocpp.Register(s.router, ocpp.ActionAuthorize, s.handleAuthorize)
	ocpp.Register(s.router, ocpp.ActionStartTransaction, s.handleStartTransaction)
	ocpp.Register(s.router, ocpp.ActionStopTransaction, s.handleStopTransaction)
}

func (s *Session) handleBootNotification(ctx context.Context, req *ocpp.BootNotificationRequest) (*ocpp.BootNotificationConfirmation, error) {
	now := s.cfg.Clock.Now()
	conf := &ocpp.BootNotificationConfirmation{
		CurrentTime: ocpp.NewDateTime(now),
		Interval:    int(s.cfg.HeartbeatInterval.Seconds()),
		Status:      ocpp.RegistrationAccepted,
	}

	serial := req.ChargePointSerialNumber
	if serial == "" {
		serial = req.ChargeBoxSerialNumber
	}
	cp := &models.ChargePoint{
		ID:              s.id,
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    serial,
		FirmwareVersion: req.FirmwareVersion,
	}

	storeCtx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.UpsertChargePoint(storeCtx, cp); err != nil {
		metrics.IncPersistenceError("upsert_charge_point")
		s.logger.Error("Failed to save charge point", zap.Error(err))
		conf.Status = ocpp.RegistrationRejected
		return conf, nil
	}

	if _, err := s.machine.Fire(state.EventBoot); err != nil {
		s.logger.Warn("Failed to transition session", zap.Error(err))
	}
	s.logger.Info("Charge point booted",
		zap.String("vendor", cp.Vendor),
		zap.String("model", cp.Model),
		zap.String("firmware", cp.FirmwareVersion))
	s.notify(EventBoot, cp)
	return conf, nil
}

func (s *Session) handleHeartbeat(ctx context.Context, req *ocpp.HeartbeatRequest) (*ocpp.HeartbeatConfirmation, error) {
	now := s.cfg.Clock.Now()

	storeCtx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.TouchHeartbeat(storeCtx, s.id, now); err != nil {
		metrics.IncPersistenceError("touch_heartbeat")
		s.logger.Error("Failed to record heartbeat", zap.Error(err))
	}
	return &ocpp.HeartbeatConfirmation{CurrentTime: ocpp.NewDateTime(now)}, nil
}

func (s *Session) handleStatusNotification(ctx context.Context, req *ocpp.StatusNotificationRequest) (*ocpp.StatusNotificationConfirmation, error) {
	c := &models.Connector{
		ChargePointID:   s.id,
		ConnectorID:     *req.ConnectorId,
		Status:          req.Status,
		ErrorCode:       req.ErrorCode,
		Info:            req.Info,
		VendorErrorCode: req.VendorErrorCode,
		LastUpdate:      req.Timestamp.TimeOr(s.cfg.Clock.Now()),
	}

	storeCtx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.UpsertConnectorStatus(storeCtx, c); err != nil {
		metrics.IncPersistenceError("upsert_connector_status")
		s.logger.Error("Failed to save connector status",
			zap.Int("connector_id", c.ConnectorID),
			zap.Error(err))
		return &ocpp.StatusNotificationConfirmation{}, nil
	}

	s.logger.Debug("Connector status",
		zap.Int("connector_id", c.ConnectorID),
		zap.String("status", c.Status),
		zap.String("error_code", c.ErrorCode))
	s.notify(EventConnectorStatus, c)
	return &ocpp.StatusNotificationConfirmation{}, nil
}

func (s *Session) handleAuthorize(ctx context.Context, req *ocpp.AuthorizeRequest) (*ocpp.AuthorizeConfirmation, error) {
	return &ocpp.AuthorizeConfirmation{IdTagInfo: s.authorize(ctx, req.IdTag)}, nil
}

func (s *Session) authorize(ctx context.Context, idTag string) ocpp.IdTagInfo {
	info, err := s.cfg.Authorizer.Authorize(ctx, s.id, idTag)
	if err != nil {
		s.logger.Error("Failed to authorize id tag", zap.String("id_tag", idTag), zap.Error(err))
		return ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid}
	}
	return info
}

func (s *Session) handleStartTransaction(ctx context.Context, req *ocpp.StartTransactionRequest) (*ocpp.StartTransactionConfirmation, error) {
	info := s.authorize(ctx, req.IdTag)

	tx := &models.Transaction{
		ChargePointID: s.id,
		ConnectorID:   *req.ConnectorId,
		IDTag:         req.IdTag,
		MeterStart:    *req.MeterStart,
		StartTime:     req.Timestamp.TimeOr(s.cfg.Clock.Now()),
	}

	storeCtx, cancel := s.storeContext()
	defer cancel()
	// 未授权的交易也要记录，充电桩会自行停止
	id, err := s.store.OpenTransaction(storeCtx, tx)
	switch {
	case errors.Is(err, repository.ErrTransactionAlreadyOpen):
		s.logger.Warn("Connector already has an open transaction",
			zap.Int("connector_id", tx.ConnectorID),
			zap.String("id_tag", tx.IDTag))
		return &ocpp.StartTransactionConfirmation{
			IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthorizationConcurrentTx},
		}, nil
	case err != nil:
		metrics.IncPersistenceError("open_transaction")
		s.logger.Error("Failed to open transaction",
			zap.Int("connector_id", tx.ConnectorID),
			zap.Error(err))
		return &ocpp.StartTransactionConfirmation{
			IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid},
		}, nil
	}

	if info.Status == ocpp.AuthorizationAccepted {
		s.setCurrent(&openTransaction{id: id, connectorID: tx.ConnectorID})
		if _, err := s.machine.Fire(state.EventStartTransaction); err != nil {
			s.logger.Warn("Failed to transition session", zap.Error(err))
		}
	}

	s.logger.Info("Transaction started",
		zap.Int64("transaction_id", id),
		zap.Int("connector_id", tx.ConnectorID),
		zap.String("id_tag", tx.IDTag),
		zap.String("auth_status", string(info.Status)),
		zap.Int("meter_start", tx.MeterStart))
	s.notify(EventTransactionStarted, tx)
	return &ocpp.StartTransactionConfirmation{IdTagInfo: info, TransactionId: id}, nil
}

func (s *Session) handleStopTransaction(ctx context.Context, req *ocpp.StopTransactionRequest) (*ocpp.StopTransactionConfirmation, error) {
	conf := &ocpp.StopTransactionConfirmation{}
	if req.IdTag != "" {
		info := s.authorize(ctx, req.IdTag)
		conf.IdTagInfo = &info
	}

	stop := &models.TransactionStop{
		TransactionID: *req.TransactionId,
		ChargePointID: s.id,
		MeterStop:     *req.MeterStop,
		StopTime:      req.Timestamp.TimeOr(s.cfg.Clock.Now()),
		Reason:        req.Reason,
	}

	storeCtx, cancel := s.storeContext()
	defer cancel()
	tx, err := s.store.CloseTransaction(storeCtx, stop)
	switch {
	case errors.Is(err, repository.ErrTransactionNotOpen):
		metrics.IncStopAnomaly()
		s.logger.Warn("Stop for unknown or closed transaction",
			zap.Int64("transaction_id", stop.TransactionID),
			zap.Int("meter_stop", stop.MeterStop))
		return conf, nil
	case err != nil:
		metrics.IncPersistenceError("close_transaction")
		s.logger.Error("Failed to close transaction",
			zap.Int64("transaction_id", stop.TransactionID),
			zap.Error(err))
		return &ocpp.StopTransactionConfirmation{
			IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthorizationInvalid},
		}, nil
	}

	if tx.MeterStop != nil && *tx.MeterStop < tx.MeterStart {
		s.logger.Warn("Meter stop is lower than meter start",
			zap.Int64("transaction_id", tx.ID),
			zap.Int("meter_start", tx.MeterStart),
			zap.Int("meter_stop", *tx.MeterStop))
	}

	if s.clearCurrent(tx.ID) {
		if _, err := s.machine.Fire(state.EventStopTransaction); err != nil {
			s.logger.Warn("Failed to transition session", zap.Error(err))
		}
	}

	s.logger.Info("Transaction stopped",
		zap.Int64("transaction_id", tx.ID),
		zap.Int("connector_id", tx.ConnectorID),
		zap.Float64("energy_kwh", tx.EnergyKWh()),
		zap.String("reason", stop.Reason))
	s.notify(EventTransactionStopped, tx)
	return conf, nil
}
