package principal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessRules(t *testing.T) {
	admin := Principal{ID: "u-1", Role: RoleAdmin}
	parent := Principal{ID: "u-2", Role: RoleParent, Children: []string{"c-1"}}
	child := Principal{ID: "c-1", Role: RoleChild, ChildID: "c-1"}

	assert.True(t, admin.CanManage("c-9"))
	assert.True(t, parent.CanManage("c-1"))
	assert.False(t, parent.CanManage("c-2"))
	assert.False(t, child.CanManage("c-1"))
	assert.True(t, child.CanView("c-1"))
	assert.False(t, child.CanView("c-2"))
	assert.True(t, parent.IsAdministrator())
	assert.False(t, child.IsAdministrator())
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{ID: "c-1", Role: RoleChild, ChildID: "c-1"})
	p, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "c-1", p.ChildID)
}
