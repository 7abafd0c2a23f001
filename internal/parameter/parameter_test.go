package parameter

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeBoolean(t *testing.T) {
	p := NewBoolean("on")
	cases := []struct {
		raw  any
		want bool
	}{
		{true, true},
		{"True", true},
		{"yes", true},
		{"1", true},
		{"on", true},
		{"false", false},
		{"off", false},
		{"", false},
		{0, false},
		{2.5, true},
	}
	for _, tc := range cases {
		got, err := p.Normalize(tc.raw)
		if err != nil {
			t.Fatalf("normalize %v: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("normalize %v: expected %v, got %v", tc.raw, tc.want, got)
		}
	}
	if _, err := p.Normalize("maybe"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNormalizeRangedNumbers(t *testing.T) {
	level := NewInteger("level", 0, 100)
	got, err := level.Normalize("150")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != int64(100) {
		t.Fatalf("expected clamp to 100, got %v", got)
	}
	got, _ = level.Normalize(-3)
	if got != int64(0) {
		t.Fatalf("expected clamp to 0, got %v", got)
	}
	if _, err := level.Normalize("abc"); err == nil {
		t.Fatalf("expected error for unparseable integer")
	}

	temp := NewReal("temperature", -40, 60)
	got, _ = temp.Normalize(21.5)
	if got != 21.5 {
		t.Fatalf("expected 21.5, got %v", got)
	}
}

func TestNormalizeEnumAndSet(t *testing.T) {
	mode := NewEnum("mode", []string{"Heat", "Cool", "Off"})
	got, err := mode.Normalize("cool")
	if err != nil || got != "Cool" {
		t.Fatalf("expected canonical Cool, got %v err=%v", got, err)
	}
	var verr *ValidationError
	if _, err := mode.Normalize("fan"); !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Parameter != "mode" {
		t.Fatalf("expected parameter name in error, got %q", verr.Parameter)
	}

	days := MustNew("days", TypeSet, WithValues("mon", "tue", "wed"))
	got, err = days.Normalize("wed, mon,mon")
	if err != nil {
		t.Fatalf("normalize set: %v", err)
	}
	if !Equal(got, Set{"mon", "wed"}) {
		t.Fatalf("expected sorted unique set, got %v", got)
	}
	if _, err := days.Normalize([]string{"sun"}); err == nil {
		t.Fatalf("expected error for unknown set member")
	}
}

func TestNormalizeTimeAndColor(t *testing.T) {
	at := MustNew("at", TypeTime)
	got, err := at.Normalize("07:30")
	if err != nil {
		t.Fatalf("normalize time: %v", err)
	}
	tm := got.(time.Time)
	if tm.Hour() != 7 || tm.Minute() != 30 {
		t.Fatalf("expected 07:30, got %v", tm)
	}
	s, err := at.Unnormalize(tm)
	if err != nil || s != "07:30:00" {
		t.Fatalf("expected 07:30:00, got %q err=%v", s, err)
	}

	color := MustNew("color", TypeColor)
	got, err = color.Normalize("#FF8000")
	if err != nil {
		t.Fatalf("normalize color: %v", err)
	}
	if got != (Color{R: 255, G: 128, B: 0}) {
		t.Fatalf("unexpected color %v", got)
	}
	if _, err := color.Normalize("orange"); err == nil {
		t.Fatalf("expected error for bad color")
	}
}

func TestNewRejectsBadDescriptors(t *testing.T) {
	if _, err := New("", TypeBoolean); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if _, err := New("x", Type("BLOB")); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := New("x", TypeEnum); err == nil {
		t.Fatalf("expected error for enum without values")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	p := NewInteger("level", 0, 100, WithUnits("%"), AsSensor(), TrackChanges())
	back, err := FromRecord(p.ToRecord())
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	min, max := back.Range()
	if back.Name() != "level" || back.Type() != TypeInteger || min != 0 || max != 100 {
		t.Fatalf("unexpected descriptor %+v", back)
	}
	if !back.IsSensor() || !back.TracksChanges() || back.Units() != "%" {
		t.Fatalf("flags not restored: %+v", back)
	}
}

func TestCompare(t *testing.T) {
	if Compare(int64(3), 4.5) != -1 {
		t.Fatalf("expected 3 < 4.5")
	}
	if Compare("b", "a") != 1 {
		t.Fatalf("expected b > a")
	}
	if !Equal(int64(2), 2.0) {
		t.Fatalf("expected numeric equality across kinds")
	}
	if Equal(nil, false) {
		t.Fatalf("nil must not equal false")
	}
}
