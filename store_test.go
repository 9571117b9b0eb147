package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionMatch(t *testing.T) {
	room := map[string]any{
		"customerId":   "cust-1",
		"participants": []any{"cust-1", "shop-1"},
		"tags":         []string{"vip"},
		"lastMessage":  map[string]any{"shopId": "shop-1", "unreadCount": 2},
	}

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"nil matches all", nil, true},
		{"equal", Where("customerId", "cust-1"), true},
		{"not equal", Where("customerId", "cust-2"), false},
		{"missing field", Where("deletedAt", nil), false},
		{"dotted path", Where("lastMessage.shopId", "shop-1"), true},
		{"dotted path through scalar", Where("customerId.x", "cust-1"), false},
		{"numeric across types", Where("lastMessage.unreadCount", float64(2)), true},
		{"contains", Contains("participants", "shop-1"), true},
		{"contains miss", Contains("participants", "shop-2"), false},
		{"contains string slice", Contains("tags", "vip"), true},
		{"contains on scalar", Contains("customerId", "cust-1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Match(room))
		})
	}
}

func TestConditionEqual(t *testing.T) {
	var none *Condition
	assert.True(t, none.Equal(nil))
	assert.False(t, none.Equal(Where("a", 1)))
	assert.True(t, Where("a", 1).Equal(Where("a", float64(1))))
	assert.False(t, Where("a", 1).Equal(Contains("a", 1)))
	assert.False(t, Where("a", "x").Equal(Where("b", "x")))
}

func TestApplyPatch(t *testing.T) {
	orig := map[string]any{
		"id":          "room-1",
		"lastMessage": map[string]any{"content": "old", "shopId": "shop-1"},
	}
	out := ApplyPatch(orig, map[string]any{
		"lastMessage.content": "new",
		"meta.source":         "cli",
		"shopUnreadCount":     3,
	})

	assert.Equal(t, map[string]any{
		"id":              "room-1",
		"lastMessage":     map[string]any{"content": "new", "shopId": "shop-1"},
		"meta":            map[string]any{"source": "cli"},
		"shopUnreadCount": 3,
	}, out)
	assert.Equal(t, "old", orig["lastMessage"].(map[string]any)["content"], "input is not mutated")

	assert.Equal(t, map[string]any{"a": 1}, ApplyPatch(nil, map[string]any{"a": 1}))
}

func TestCloneFieldsIsDeep(t *testing.T) {
	orig := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{map[string]any{"x": 1}},
	}
	c := CloneFields(orig)
	c["nested"].(map[string]any)["k"] = "changed"
	c["list"].([]any)[0].(map[string]any)["x"] = 2

	assert.Equal(t, "v", orig["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, orig["list"].([]any)[0].(map[string]any)["x"])
	assert.Nil(t, CloneFields(nil))
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleShop, ParseRole(" Shop "))
	assert.Equal(t, RoleCustomer, ParseRole("customer"))
	assert.Equal(t, RoleCustomer, ParseRole(""))
}

func TestStaticAuth(t *testing.T) {
	auth := NewStaticAuth(&User{ID: "cust-1"})
	assert.True(t, auth.IsAuthenticated())

	u := auth.CurrentUser()
	u.ID = "mutated"
	assert.Equal(t, "cust-1", auth.CurrentUser().ID)

	auth.SetUser(nil)
	assert.False(t, auth.IsAuthenticated())
	assert.Nil(t, auth.CurrentUser())

	auth.SetUser(&User{})
	assert.False(t, auth.IsAuthenticated())
}
