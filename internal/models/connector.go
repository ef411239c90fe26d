package models

import "time"

// 连接器状态 (OCPP 1.6 ChargePointStatus)
const (
	ConnectorAvailable     = "Available"
	ConnectorPreparing     = "Preparing"
	ConnectorCharging      = "Charging"
	ConnectorSuspendedEVSE = "SuspendedEVSE"
	ConnectorSuspendedEV   = "SuspendedEV"
	ConnectorFinishing     = "Finishing"
	ConnectorReserved      = "Reserved"
	ConnectorUnavailable   = "Unavailable"
	ConnectorFaulted       = "Faulted"
)

// Connector 连接器状态，每个物理枪一行，只保留最新状态
type Connector struct {
	ChargePointID   string    `json:"charge_point_id" db:"cp_id"`
	ConnectorID     int       `json:"connector_id" db:"connector_id"`
	Status          string    `json:"status" db:"status"`
	ErrorCode       string    `json:"error_code" db:"error_code"`
	Info            string    `json:"info,omitempty" db:"info"`
	VendorErrorCode string    `json:"vendor_error_code,omitempty" db:"vendor_error_code"`
	LastUpdate      time.Time `json:"last_update" db:"last_update"`
}
