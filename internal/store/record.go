package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Record is the generic key-value document every savable entity serializes to.
type Record map[string]any

// Common record keys.
const (
	KeyID          = "_id"
	KeyName        = "NAME"
	KeyLabel       = "LABEL"
	KeyDescription = "DESCRIPTION"
	KeyType        = "TYPE"
)

// String returns the string stored under key or fallback.
func (r Record) String(key, fallback string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns the number stored under key or fallback.
func (r Record) Float(key string, fallback float64) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Int64 returns the integer stored under key or fallback.
func (r Record) Int64(key string, fallback int64) int64 {
	if _, ok := r[key]; !ok {
		return fallback
	}
	return int64(r.Float(key, float64(fallback)))
}

// Bool returns the boolean stored under key or fallback.
func (r Record) Bool(key string, fallback bool) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Duration returns a millisecond count stored under key as a duration.
func (r Record) Duration(key string, fallback time.Duration) time.Duration {
	if _, ok := r[key]; !ok {
		return fallback
	}
	return time.Duration(r.Int64(key, 0)) * time.Millisecond
}

// Time returns an epoch-millisecond timestamp or RFC3339 string stored under key.
func (r Record) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	if ms := r.Int64(key, 0); ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// Record returns a nested record stored under key.
func (r Record) Record(key string) (Record, bool) {
	switch v := r[key].(type) {
	case Record:
		return v, true
	case map[string]any:
		return Record(v), true
	}
	return nil, false
}

// Records returns a list of nested records stored under key.
func (r Record) Records(key string) []Record {
	var out []Record
	switch v := r[key].(type) {
	case []Record:
		out = append(out, v...)
	case []map[string]any:
		for _, item := range v {
			out = append(out, Record(item))
		}
	case []any:
		for _, item := range v {
			switch m := item.(type) {
			case Record:
				out = append(out, m)
			case map[string]any:
				out = append(out, Record(m))
			}
		}
	}
	return out
}

// Strings returns a list of strings stored under key.
func (r Record) Strings(key string) []string {
	var out []string
	switch v := r[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
	}
	return out
}

// Map returns a nested string-keyed map stored under key.
func (r Record) Map(key string) map[string]any {
	if rec, ok := r.Record(key); ok {
		return map[string]any(rec)
	}
	return nil
}

// Millis renders a duration the way records store it.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}
