package models

import "time"

// ChargePoint 充电桩信息
type ChargePoint struct {
	ID              string     `json:"id" db:"id"` // 连接路径中的充电桩标识
	Vendor          string     `json:"vendor" db:"vendor"`
	Model           string     `json:"model" db:"model"`
	SerialNumber    string     `json:"serial_number,omitempty" db:"serial_number"`
	FirmwareVersion string     `json:"firmware_version,omitempty" db:"firmware_version"`
	Connected       bool       `json:"connected" db:"connected"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// ChargePointSummary 充电桩汇总（供查询接口使用）
type ChargePointSummary struct {
	ChargePoint
	TotalKWh   float64      `json:"total_kwh"` // 已结束交易的累计电量
	Connectors []*Connector `json:"connectors"`
}
