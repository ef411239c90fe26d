package models

import "time"

// Transaction 充电交易
type Transaction struct {
	ID            int64      `json:"id" db:"id"`
	ChargePointID string     `json:"charge_point_id" db:"cp_id"`
	ConnectorID   int        `json:"connector_id" db:"connector_id"`
	IDTag         string     `json:"id_tag" db:"id_tag"`
	MeterStart    int        `json:"meter_start" db:"meter_start"` // Wh
	StartTime     time.Time  `json:"start_time" db:"start_ts"`
	MeterStop     *int       `json:"meter_stop,omitempty" db:"meter_stop"` // Wh, nil 表示进行中
	StopTime      *time.Time `json:"stop_time,omitempty" db:"stop_ts"`
	StopReason    *string    `json:"stop_reason,omitempty" db:"stop_reason"`
}

// TransactionStop 结束交易所需的数据
type TransactionStop struct {
	TransactionID int64
	ChargePointID string
	MeterStop     int
	StopTime      time.Time
	Reason        string
}

// IsOpen 交易是否进行中
func (t *Transaction) IsOpen() bool {
	return t.MeterStop == nil
}

// EnergyKWh 交易电量 (kWh)，进行中的交易返回 0
func (t *Transaction) EnergyKWh() float64 {
	if t.MeterStop == nil {
		return 0
	}
	return float64(*t.MeterStop-t.MeterStart) / 1000
}
