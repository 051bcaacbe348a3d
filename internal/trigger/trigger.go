package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExhausted signals that a trigger has no future occurrence left.
	// For an absolute trigger this includes creation with a past timestamp:
	// the schedule completes immediately without firing.
	ErrExhausted = errors.New("trigger exhausted")

	// ErrInvalidSpec reports a malformed or out-of-range trigger spec.
	ErrInvalidSpec = errors.New("invalid trigger spec")

	// ErrUnknownTimezone reports an IANA zone name that does not resolve.
	ErrUnknownTimezone = errors.New("unknown timezone")
)

// MinInterval is the shortest interval a schedule may use.
const MinInterval = time.Minute

type Kind string

const (
	KindInterval Kind = "interval"
	KindAbsolute Kind = "absolute"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindInterval:
		return KindInterval, nil
	case KindAbsolute:
		return KindAbsolute, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, raw)
	}
}

// Spec is a validated trigger definition. Raw is the canonical persisted
// form; Every is populated for interval specs only.
type Spec struct {
	Kind  Kind
	Raw   string
	Every time.Duration
}

// Accepted layouts for absolute timestamps, most specific first.
var absoluteLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Parse validates a raw trigger spec for the given kind.
//
// Absolute timestamps are validated structurally here; interpretation in the
// tenant location happens at resolve time, so the same spec stays correct if
// the tenant timezone changes later.
func Parse(kind Kind, raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("%w: empty spec", ErrInvalidSpec)
	}

	switch kind {
	case KindInterval:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q is not a duration", ErrInvalidSpec, raw)
		}
		if d < MinInterval {
			return Spec{}, fmt.Errorf("%w: interval %s below minimum %s", ErrInvalidSpec, d, MinInterval)
		}
		return Spec{Kind: KindInterval, Raw: raw, Every: d}, nil

	case KindAbsolute:
		if _, err := parseCivil(raw, time.UTC); err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindAbsolute, Raw: raw}, nil

	default:
		return Spec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}
}

// LoadLocation resolves an IANA zone name, failing closed.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty zone name", ErrUnknownTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, name)
	}
	return loc, nil
}

// Resolve computes the next fire instant (UTC) after ref.
//
// Interval triggers never exhaust. The duration is added in civil time under
// loc: whole days step via the calendar (keeping the wall clock across DST),
// the sub-day remainder is added as absolute time.
//
// Absolute triggers return their instant exactly once; at or before ref they
// return ErrExhausted.
func Resolve(spec Spec, loc *time.Location, ref time.Time) (time.Time, error) {
	if loc == nil {
		return time.Time{}, fmt.Errorf("%w: nil location", ErrUnknownTimezone)
	}

	switch spec.Kind {
	case KindInterval:
		every := spec.Every
		if every <= 0 {
			// Tolerate specs loaded from storage without re-parsing.
			d, err := time.ParseDuration(spec.Raw)
			if err != nil || d < MinInterval {
				return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSpec, spec.Raw)
			}
			every = d
		}
		days := int(every / (24 * time.Hour))
		rem := every % (24 * time.Hour)
		next := ref.In(loc).AddDate(0, 0, days).Add(rem)
		return next.UTC(), nil

	case KindAbsolute:
		at, err := parseCivil(spec.Raw, loc)
		if err != nil {
			return time.Time{}, err
		}
		if !at.After(ref) {
			return time.Time{}, ErrExhausted
		}
		return at.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, spec.Kind)
	}
}

func parseCivil(raw string, loc *time.Location) (time.Time, error) {
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a timestamp (want 2006-01-02T15:04)", ErrInvalidSpec, raw)
}
