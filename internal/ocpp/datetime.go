package ocpp

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateTime OCPP 时间戳，输出为 UTC RFC3339
type DateTime struct {
	time.Time
}

// NewDateTime 创建时间戳
func NewDateTime(t time.Time) *DateTime {
	return &DateTime{Time: t}
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.UTC().Format(time.RFC3339))
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// TimeOr 时间戳为空时返回 fallback
func (d *DateTime) TimeOr(fallback time.Time) time.Time {
	if d == nil || d.IsZero() {
		return fallback
	}
	return d.Time
}
