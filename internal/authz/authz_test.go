package authz

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorize_Matrix(t *testing.T) {
	admin := Identity{Subject: "a1", Role: RoleAdmin}
	client := Identity{Subject: "c1", Role: RoleClient, ScopePrefix: "augusta/"}
	unscoped := Identity{Subject: "c2", Role: RoleClient}

	inScope := "augusta/tiles/0/0/0.png"
	outScope := "pinevalley/tiles/0/0/0.png"

	cases := []struct {
		id     Identity
		action Action
		key    string
		want   bool
	}{
		{admin, ActionRead, inScope, true},
		{admin, ActionRead, outScope, true},
		{admin, ActionWrite, inScope, true},
		{admin, ActionWrite, outScope, true},
		{admin, ActionDelete, inScope, true},
		{admin, ActionDelete, outScope, true},
		{admin, ActionList, outScope, true},

		{client, ActionRead, inScope, true},
		{client, ActionRead, outScope, false},
		{client, ActionWrite, inScope, false},
		{client, ActionWrite, outScope, false},
		{client, ActionDelete, inScope, false},
		{client, ActionDelete, outScope, false},
		{client, ActionList, inScope, true},
		{client, ActionList, outScope, true},

		{unscoped, ActionRead, inScope, true},
		{unscoped, ActionRead, outScope, true},
		{unscoped, ActionWrite, inScope, false},
		{unscoped, ActionDelete, inScope, false},
		{unscoped, ActionList, inScope, true},

		{admin, Action("rename"), inScope, false},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("%s:%s/%s/%s", tc.id.Role, tc.id.ScopePrefix, tc.action, tc.key)
		t.Run(name, func(t *testing.T) {
			d := Authorize(tc.id, tc.action, tc.key)
			assert.Equal(t, tc.want, d.Allowed)
			if !tc.want {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestCheck_DenialIsForbidden(t *testing.T) {
	err := Check(Identity{Role: RoleClient, ScopePrefix: "pinevalley/"}, ActionRead, "augusta/tiles/0/0/0.png")
	assert.True(t, errors.Is(err, ErrForbidden))

	var denied *DeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, ActionRead, denied.Action)
	assert.NotContains(t, err.Error(), "augusta")

	assert.NoError(t, Check(Identity{Role: RoleAdmin}, ActionDelete, "x"))
}

func TestAuthorize_UnscopedClientReadsButNeverWrites(t *testing.T) {
	id := Identity{Subject: "c2", Role: RoleClient}
	assert.NoError(t, Check(id, ActionRead, "augusta/tiles/0/0/0.png"))
	assert.ErrorIs(t, Check(id, ActionWrite, "augusta/tiles/0/0/0.png"), ErrForbidden)
	assert.ErrorIs(t, Check(id, ActionDelete, "augusta/tiles/0/0/0.png"), ErrForbidden)
	// Listings stay pinned to the per-user prefix.
	assert.Equal(t, "user/c2/", EffectiveListPrefix(id, "augusta/"))
}

func TestEffectiveListPrefix(t *testing.T) {
	assert.Equal(t, "anything/", EffectiveListPrefix(Identity{Role: RoleAdmin}, "anything/"))
	assert.Equal(t, "", EffectiveListPrefix(Identity{Role: RoleAdmin}, ""))
	assert.Equal(t, "club/7/", EffectiveListPrefix(Identity{Role: RoleClient, ScopePrefix: "club/7/"}, "other/"))
	assert.Equal(t, "user/u9/", EffectiveListPrefix(Identity{Role: RoleClient, Subject: "u9"}, ""))
}

func TestScopeForClub(t *testing.T) {
	assert.Equal(t, "club/42/", ScopeForClub("42"))
	assert.Equal(t, "", ScopeForClub(""))
}
