package chatsync

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// ============================================================================
// Collaborators
// ============================================================================

// Store is the realtime document store the engine consumes. Connection
// management, retries and offline caching all live behind it.
//
// Subscribe delivers a full snapshot of the matching documents on every
// change. Deliveries may repeat unchanged documents and carry no ordering.
// The channel is closed when ctx is cancelled; a terminal failure arrives as
// a Snapshot with Err set, followed by close. A nil cond matches everything.
//
// Update patch keys may be dotted paths into nested objects.
type Store interface {
	Subscribe(ctx context.Context, collection string, cond *Condition) (<-chan Snapshot, error)
	Write(ctx context.Context, collection string, data map[string]any) (string, error)
	Update(ctx context.Context, collection, docID string, patch map[string]any) error
	QueryOnce(ctx context.Context, collection string, cond *Condition) ([]Document, error)
}

// Connector is optionally implemented by stores that can report whether
// their connection is live. Stores without it are treated as connected.
type Connector interface {
	Connected() bool
}

// Role says which side of a conversation the participant is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleShop     Role = "shop"
)

// ParseRole maps a config string to a Role, defaulting to customer.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleShop)) {
		return RoleShop
	}
	return RoleCustomer
}

// User is the authenticated participant.
type User struct {
	ID          string
	DisplayName string
}

// Auth supplies the current participant.
type Auth interface {
	CurrentUser() *User
	IsAuthenticated() bool
}

// StaticAuth is an Auth whose user can be swapped at runtime.
type StaticAuth struct {
	mu   sync.RWMutex
	user *User
}

// NewStaticAuth returns an Auth for user; nil means signed out.
func NewStaticAuth(user *User) *StaticAuth {
	return &StaticAuth{user: user}
}

func (a *StaticAuth) CurrentUser() *User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.user == nil {
		return nil
	}
	u := *a.user
	return &u
}

func (a *StaticAuth) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user != nil && a.user.ID != ""
}

// SetUser replaces the current user.
func (a *StaticAuth) SetUser(user *User) {
	a.mu.Lock()
	a.user = user
	a.mu.Unlock()
}

// ============================================================================
// Field helpers shared by store implementations
// ============================================================================

// Match reports whether data satisfies the condition. A nil condition
// matches everything.
func (c *Condition) Match(data map[string]any) bool {
	if c == nil {
		return true
	}
	v, ok := LookupField(data, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case OpArrayContains:
		items, ok := v.([]any)
		if !ok {
			if strs, isStrs := v.([]string); isStrs {
				for _, s := range strs {
					if valuesEqual(s, c.Value) {
						return true
					}
				}
			}
			return false
		}
		for _, item := range items {
			if valuesEqual(item, c.Value) {
				return true
			}
		}
		return false
	default:
		return valuesEqual(v, c.Value)
	}
}

// Equal compares two conditions by value. Two nil conditions are equal.
func (c *Condition) Equal(other *Condition) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Field == other.Field && c.Op == other.Op && valuesEqual(c.Value, other.Value)
}

// LookupField resolves a dotted path inside nested maps.
func LookupField(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ApplyPatch returns a copy of data with patch applied. Dotted keys create or
// replace nested fields; the input maps are left untouched.
func ApplyPatch(data, patch map[string]any) map[string]any {
	out := CloneFields(data)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		parts := strings.Split(key, ".")
		target := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := target[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				target[part] = next
			}
			target = next
		}
		target[parts[len(parts)-1]] = cloneValue(value)
	}
	return out
}

// CloneFields deep-copies a record's field map.
func CloneFields(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneFields(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
