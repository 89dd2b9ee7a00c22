package invoices

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a nullable monetary or quantity value. The extraction backend
// sends numbers, numeric strings or nothing at all, so decoding never fails.
type Amount struct {
	value decimal.Decimal
	valid bool
}

// NewAmount wraps a decimal.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{value: d, valid: true}
}

// AmountFromFloat wraps a float.
func AmountFromFloat(f float64) Amount {
	return NewAmount(decimal.NewFromFloat(f))
}

// ParseAmount parses operator input. Empty or unparsable input is null.
func ParseAmount(s string) Amount {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return Amount{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}
	}
	return NewAmount(d)
}

// Valid reports whether a value is present.
func (a Amount) Valid() bool { return a.valid }

// Decimal returns the value, or zero when null.
func (a Amount) Decimal() decimal.Decimal {
	if !a.valid {
		return decimal.Zero
	}
	return a.value
}

// Float returns the value as float64, zero when null.
func (a Amount) Float() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// Ptr returns nil for null, otherwise a pointer to the float value.
func (a Amount) Ptr() *float64 {
	if !a.valid {
		return nil
	}
	f := a.Float()
	return &f
}

// String renders the value as entered, empty when null.
func (a Amount) String() string {
	if !a.valid {
		return ""
	}
	return a.value.String()
}

// MarshalJSON renders a number or null.
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.valid {
		return []byte("null"), nil
	}
	return []byte(a.value.String()), nil
}

// UnmarshalJSON accepts numbers, numeric strings, empty strings and null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*a = Amount{}
			return nil
		}
		*a = ParseAmount(s)
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		*a = Amount{}
		return nil
	}
	*a = NewAmount(d)
	return nil
}
