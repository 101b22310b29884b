package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolesAndPermissions(t *testing.T) {
	svc := Service{Admins: []string{"root"}}

	ann := Principal{UserID: "ann"}
	assert.Equal(t, []string{RoleAnnotator}, svc.Roles(ann.UserID, nil))
	assert.NoError(t, svc.Require(ann, PermSubmit))
	assert.False(t, svc.IsAdmin(ann))

	err := svc.Require(ann, PermLedgerRead)
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, PermLedgerRead, fe.Permission)

	assert.True(t, svc.IsAdmin(Principal{UserID: "root"}))
	assert.True(t, svc.IsAdmin(Principal{UserID: "bob", Roles: []string{RoleAdmin}}))
	assert.Contains(t, svc.Permissions(Principal{UserID: "root"}), PermReclaimRun)
}

func TestActingUser(t *testing.T) {
	svc := Service{Admins: []string{"root"}}

	u, err := svc.ActingUser(Principal{UserID: "ann"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ann", u)

	_, err = svc.ActingUser(Principal{UserID: "ann"}, "bob")
	assert.ErrorAs(t, err, &ForbiddenError{})

	u, err = svc.ActingUser(Principal{UserID: "root"}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", u)
}
