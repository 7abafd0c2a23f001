package parameter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Type identifies the value domain of a parameter.
type Type string

const (
	TypeBoolean  Type = "BOOLEAN"
	TypeInteger  Type = "INTEGER"
	TypeReal     Type = "REAL"
	TypeEnum     Type = "ENUM"
	TypeString   Type = "STRING"
	TypeDateTime Type = "DATETIME"
	TypeDate     Type = "DATE"
	TypeTime     Type = "TIME"
	TypeColor    Type = "COLOR"
	TypeSet      Type = "SET"
)

// ErrUnknownType is returned when a record names an unsupported type.
var ErrUnknownType = errors.New("parameter: unknown type")

// ErrEmptyName is returned when a parameter has no name.
var ErrEmptyName = errors.New("parameter: empty name")

// Parameter is an immutable typed value descriptor.
type Parameter struct {
	name         string
	label        string
	description  string
	typ          Type
	min          float64
	max          float64
	values       []string
	sensor       bool
	units        string
	trackChanges bool
}

// Option customizes a parameter at construction.
type Option func(*Parameter)

// WithLabel sets a display label.
func WithLabel(label string) Option {
	return func(p *Parameter) {
		p.label = label
	}
}

// WithDescription sets a description.
func WithDescription(description string) Option {
	return func(p *Parameter) {
		p.description = description
	}
}

// WithRange bounds INTEGER and REAL parameters.
func WithRange(min, max float64) Option {
	return func(p *Parameter) {
		p.min = min
		p.max = max
	}
}

// WithValues sets the allowed values of ENUM and SET parameters.
func WithValues(values ...string) Option {
	return func(p *Parameter) {
		p.values = append([]string(nil), values...)
	}
}

// AsSensor marks the parameter as externally driven.
func AsSensor() Option {
	return func(p *Parameter) {
		p.sensor = true
	}
}

// WithUnits sets the display units.
func WithUnits(units string) Option {
	return func(p *Parameter) {
		p.units = units
	}
}

// TrackChanges asks the owning device to maintain a last-changed-time parameter.
func TrackChanges() Option {
	return func(p *Parameter) {
		p.trackChanges = true
	}
}

// New constructs a parameter descriptor.
func New(name string, typ Type, opts ...Option) (*Parameter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if !typ.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	p := &Parameter{
		name: name,
		typ:  typ,
		min:  math.Inf(-1),
		max:  math.Inf(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.min > p.max {
		p.min, p.max = p.max, p.min
	}
	if (typ == TypeEnum || typ == TypeSet) && len(p.values) == 0 {
		return nil, fmt.Errorf("parameter: %s requires allowed values", name)
	}
	return p, nil
}

// MustNew is New for descriptors that are known to be valid.
func MustNew(name string, typ Type, opts ...Option) *Parameter {
	p, err := New(name, typ, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// NewBoolean constructs a BOOLEAN parameter.
func NewBoolean(name string, opts ...Option) *Parameter {
	return MustNew(name, TypeBoolean, opts...)
}

// NewInteger constructs a ranged INTEGER parameter.
func NewInteger(name string, min, max float64, opts ...Option) *Parameter {
	return MustNew(name, TypeInteger, append([]Option{WithRange(min, max)}, opts...)...)
}

// NewReal constructs a ranged REAL parameter.
func NewReal(name string, min, max float64, opts ...Option) *Parameter {
	return MustNew(name, TypeReal, append([]Option{WithRange(min, max)}, opts...)...)
}

// NewEnum constructs an ENUM parameter.
func NewEnum(name string, values []string, opts ...Option) *Parameter {
	return MustNew(name, TypeEnum, append([]Option{WithValues(values...)}, opts...)...)
}

// NewString constructs a STRING parameter.
func NewString(name string, opts ...Option) *Parameter {
	return MustNew(name, TypeString, opts...)
}

func (t Type) valid() bool {
	switch t {
	case TypeBoolean, TypeInteger, TypeReal, TypeEnum, TypeString,
		TypeDateTime, TypeDate, TypeTime, TypeColor, TypeSet:
		return true
	}
	return false
}

func (p *Parameter) Name() string        { return p.name }
func (p *Parameter) Type() Type          { return p.typ }
func (p *Parameter) IsSensor() bool      { return p.sensor }
func (p *Parameter) Units() string       { return p.units }
func (p *Parameter) Description() string { return p.description }
func (p *Parameter) TracksChanges() bool { return p.trackChanges }

// Label returns the display label, falling back to the name.
func (p *Parameter) Label() string {
	if p.label == "" {
		return p.name
	}
	return p.label
}

// Range returns the bounds of a ranged parameter. Unbounded ends are infinite.
func (p *Parameter) Range() (float64, float64) {
	return p.min, p.max
}

// Values returns a copy of the allowed values.
func (p *Parameter) Values() []string {
	return append([]string(nil), p.values...)
}

// Rename returns a copy of the descriptor under a new name, used by derived
// devices that mirror another device's parameter.
func (p *Parameter) Rename(name string) *Parameter {
	cp := *p
	cp.name = name
	cp.label = ""
	cp.values = append([]string(nil), p.values...)
	return &cp
}

// LastChangedName is the name of the parallel last-changed-time parameter.
func (p *Parameter) LastChangedName() string {
	return p.name + "_last_changed"
}

func (p *Parameter) String() string {
	return p.name
}

func (p *Parameter) allowed(value string) (string, bool) {
	for _, v := range p.values {
		if strings.EqualFold(v, value) {
			return v, true
		}
	}
	return "", false
}

func sortedUnique(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for i, v := range values {
		if i > 0 && v == values[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
