package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringSlice is a custom type for handling string slices in GORM
type StringSlice []string

// Value implements the driver.Valuer interface for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for StringSlice
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = []string{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}

	if len(data) == 0 {
		*s = []string{}
		return nil
	}

	return json.Unmarshal(data, s)
}

const (
	OutcomeSuccess       = "success"
	OutcomeExchangeError = "exchange_error"
)

// ExchangeRecord is the audit entry written for every token exchange the
// relay performs. It never carries codes, tokens or secrets.
type ExchangeRecord struct {
	ID               string      `gorm:"primaryKey"`
	ClientID         string      `gorm:"not null;index"`
	TokenURI         string      `gorm:"not null"`
	RedirectBackHost string      `gorm:"not null"`
	Scope            StringSlice `gorm:"type:text"`
	Outcome          string      `gorm:"not null;index"`
	Error            string
	DurationMillis   int64
	ClientIP         string
	CreatedAt        time.Time `gorm:"not null;index"`
}
