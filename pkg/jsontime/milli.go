// Package jsontime provides JSON-serializable time types used by the
// wire protocol and configuration.
package jsontime

import (
	"encoding/json"
	"time"
)

// Milli is a time.Time that serializes to/from Unix milliseconds in JSON.
// Control messages and session events carry millisecond timestamps.
type Milli time.Time

// Now returns the current time as Milli.
func Now() Milli {
	return Milli(time.Now())
}

// Time returns the underlying time.Time value.
func (m Milli) Time() time.Time {
	return time.Time(m)
}

// Before reports whether m is before t.
func (m Milli) Before(t Milli) bool {
	return time.Time(m).Before(time.Time(t))
}

// IsZero reports whether m represents the zero time instant.
func (m Milli) IsZero() bool {
	return time.Time(m).IsZero()
}

// Sub returns the duration m-t.
func (m Milli) Sub(t Milli) time.Duration {
	return time.Time(m).Sub(time.Time(t))
}

// String returns the time formatted as a string.
func (m Milli) String() string {
	return time.Time(m).String()
}

// MarshalJSON implements json.Marshaler.
func (m Milli) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(m).UnixMilli())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Milli) UnmarshalJSON(b []byte) error {
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*m = Milli(time.UnixMilli(t))
	return nil
}
