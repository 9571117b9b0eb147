package chatsync

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Epoch is the instant every missing or unparseable timestamp normalizes to.
// It compares older than any real write made by a store.
var Epoch = time.Unix(0, 0).UTC()

// Timestamper is implemented by store-specific timestamp wrappers that know
// how to convert themselves into an instant.
type Timestamper interface {
	ToTime() time.Time
}

// StoreTimestamp is the seconds/nanos pair realtime document stores hand back
// for server-side timestamps.
type StoreTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanoseconds"`
}

// ToTime implements Timestamper.
func (ts StoreTimestamp) ToTime() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize converts any timestamp representation found in a record into a
// comparable UTC instant. It accepts time.Time, *time.Time, ISO-8601 strings,
// Timestamper values, {seconds,nanoseconds} wire maps and epoch milliseconds.
// Everything else, including nil, yields Epoch. It never panics.
func Normalize(v any) (t time.Time) {
	defer func() {
		if recover() != nil {
			t = Epoch
		}
	}()

	switch x := v.(type) {
	case nil:
		return Epoch
	case time.Time:
		if x.IsZero() {
			return Epoch
		}
		return x.UTC()
	case *time.Time:
		if x == nil || x.IsZero() {
			return Epoch
		}
		return x.UTC()
	case Timestamper:
		return Normalize(x.ToTime())
	case string:
		return parseISO(x)
	case map[string]any:
		return fromWireMap(x)
	case json.Number:
		if ms, err := x.Float64(); err == nil {
			return fromMillis(ms)
		}
		return Epoch
	case int:
		return fromMillis(float64(x))
	case int64:
		return fromMillis(float64(x))
	case float64:
		return fromMillis(x)
	}
	return Epoch
}

func parseISO(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return Epoch
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return Epoch
}

func fromWireMap(m map[string]any) time.Time {
	secs, ok := numberField(m, "seconds", "_seconds")
	if !ok {
		return Epoch
	}
	nanos, _ := numberField(m, "nanoseconds", "_nanoseconds")
	return time.Unix(int64(secs), int64(nanos)).UTC()
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func fromMillis(ms float64) time.Time {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
		return Epoch
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func latest(ts ...time.Time) time.Time {
	out := Epoch
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
