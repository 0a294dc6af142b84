package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value is a single field value. Exactly one of Number or Text is meaningful:
// numeric fields carry Number, categorical and free-text fields carry Text.
type Value struct {
	Number *float64 `json:"number,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// NumberValue returns a numeric Value.
func NumberValue(f float64) Value {
	return Value{Number: &f}
}

// TextValue returns a text Value.
func TextValue(s string) Value {
	return Value{Text: s}
}

// IsNumeric reports whether v carries a number.
func (v Value) IsNumeric() bool { return v.Number != nil }

// IsZero reports whether v carries nothing.
func (v Value) IsZero() bool { return v.Number == nil && v.Text == "" }

// Float returns the numeric value, or 0 for text values.
func (v Value) Float() float64 {
	if v.Number == nil {
		return 0
	}
	return *v.Number
}

// Key returns a stable identity string for v. Text keys are case-folded so
// that "Out" and "OUT" compare equal.
func (v Value) Key() string {
	if v.Number != nil {
		return "n:" + strconv.FormatFloat(*v.Number, 'f', -1, 64)
	}
	if v.Text == "" {
		return ""
	}
	return "t:" + strings.ToLower(strings.TrimSpace(v.Text))
}

// Equal reports whether v and o have the same key.
func (v Value) Equal(o Value) bool { return v.Key() == o.Key() }

func (v Value) String() string {
	if v.Number != nil {
		return strconv.FormatFloat(*v.Number, 'f', -1, 64)
	}
	return v.Text
}

// Encode returns the JSON encoding used for persisted value columns.
func (v Value) Encode() string {
	b, _ := json.Marshal(v)
	return string(b)
}

// DecodeValue parses a persisted value column. An empty string decodes to the
// zero Value.
func DecodeValue(s string) (Value, error) {
	var v Value
	if s == "" {
		return v, nil
	}
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
