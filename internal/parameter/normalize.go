package parameter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Color is the normalized value of a COLOR parameter.
type Color struct {
	R, G, B uint8
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseColor parses #rrggbb or rrggbb.
func ParseColor(value string) (Color, error) {
	s := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(s) != 6 {
		return Color{}, fmt.Errorf("color %q: expected 6 hex digits", value)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("color %q: %w", value, err)
	}
	return Color{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n)}, nil
}

// Set is the normalized value of a SET parameter: sorted and deduplicated.
type Set []string

func (s Set) String() string {
	return strings.Join(s, ",")
}

// Contains reports whether v is a member.
func (s Set) Contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

const (
	layoutDate = "2006-01-02"
	layoutTime = "15:04:05"
)

// Normalize converts a raw value into the parameter's canonical typed value.
// Illegal input returns a *ValidationError and no value.
func (p *Parameter) Normalize(raw any) (any, error) {
	if p == nil {
		return nil, ErrEmptyName
	}
	if raw == nil {
		return nil, nil
	}
	switch p.typ {
	case TypeBoolean:
		return p.normalizeBool(raw)
	case TypeInteger:
		f, err := p.number(raw)
		if err != nil {
			return nil, err
		}
		return int64(math.Round(p.clamp(f))), nil
	case TypeReal:
		f, err := p.number(raw)
		if err != nil {
			return nil, err
		}
		return p.clamp(f), nil
	case TypeEnum:
		s, ok := raw.(string)
		if !ok {
			s = fmt.Sprint(raw)
		}
		v, found := p.allowed(strings.TrimSpace(s))
		if !found {
			return nil, invalid(p, raw, "not one of %v", p.values)
		}
		return v, nil
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprint(raw), nil
	case TypeSet:
		return p.normalizeSet(raw)
	case TypeColor:
		switch v := raw.(type) {
		case Color:
			return v, nil
		case string:
			c, err := ParseColor(v)
			if err != nil {
				return nil, invalid(p, raw, "%v", err)
			}
			return c, nil
		}
		return nil, invalid(p, raw, "unsupported color value %T", raw)
	case TypeDateTime, TypeDate, TypeTime:
		return p.normalizeTime(raw)
	}
	return nil, invalid(p, raw, "unsupported type %s", p.typ)
}

// Unnormalize renders a normalized value as its external string form.
func (p *Parameter) Unnormalize(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	v, err := p.Normalize(value)
	if err != nil {
		return "", err
	}
	switch p.typ {
	case TypeBoolean:
		return strconv.FormatBool(v.(bool)), nil
	case TypeInteger:
		return strconv.FormatInt(v.(int64), 10), nil
	case TypeReal:
		return strconv.FormatFloat(v.(float64), 'f', -1, 64), nil
	case TypeDateTime:
		return v.(time.Time).Format(time.RFC3339Nano), nil
	case TypeDate:
		return v.(time.Time).Format(layoutDate), nil
	case TypeTime:
		return v.(time.Time).Format(layoutTime), nil
	}
	return fmt.Sprint(v), nil
}

func (p *Parameter) normalizeBool(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return false, nil
		}
		switch s[0] {
		case 't', 'T', '1', 'y', 'Y':
			return true, nil
		case 'f', 'F', '0', 'n', 'N':
			return false, nil
		}
		if s == "on" || s == "ON" || s == "On" {
			return true, nil
		}
		if s == "off" || s == "OFF" || s == "Off" {
			return false, nil
		}
		return nil, invalid(p, raw, "not a boolean")
	}
	if f, ok := toFloat(raw); ok {
		return f != 0, nil
	}
	return nil, invalid(p, raw, "not a boolean")
}

func (p *Parameter) number(raw any) (float64, error) {
	if s, ok := raw.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, invalid(p, raw, "not a number")
		}
		raw = f
	}
	if b, ok := raw.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	f, ok := toFloat(raw)
	if !ok || math.IsNaN(f) {
		return 0, invalid(p, raw, "not a number")
	}
	return f, nil
}

func (p *Parameter) clamp(f float64) float64 {
	if f < p.min {
		return p.min
	}
	if f > p.max {
		return p.max
	}
	return f
}

func (p *Parameter) normalizeSet(raw any) (any, error) {
	var items []string
	switch v := raw.(type) {
	case Set:
		items = append(items, v...)
	case []string:
		items = append(items, v...)
	case []any:
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
	case string:
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
	default:
		return nil, invalid(p, raw, "unsupported set value %T", raw)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		canonical, ok := p.allowed(strings.TrimSpace(item))
		if !ok {
			return nil, invalid(p, raw, "element %q not one of %v", item, p.values)
		}
		out = append(out, canonical)
	}
	return Set(sortedUnique(out)), nil
}

func (p *Parameter) normalizeTime(raw any) (any, error) {
	var t time.Time
	switch v := raw.(type) {
	case time.Time:
		t = v
	case string:
		parsed, err := parseTime(strings.TrimSpace(v))
		if err != nil {
			return nil, invalid(p, raw, "not a time")
		}
		t = parsed
	default:
		ms, ok := toFloat(raw)
		if !ok {
			return nil, invalid(p, raw, "not a time")
		}
		t = time.UnixMilli(int64(ms))
	}
	t = t.UTC()
	switch p.typ {
	case TypeDate:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case TypeTime:
		return time.Date(0, 1, 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
	}
	return t, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, layoutDate, layoutTime, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
