package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleFor(t *testing.T) {
	assert.Equal(t, RoleOwner, RoleFor("alice", "alice"))
	assert.Equal(t, RolePublic, RoleFor("bob", "alice"))
	assert.Equal(t, RolePublic, RoleFor("", ""))
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name       string
		caller     string
		permission string
		want       bool
	}{
		{"owner pauses", "alice", PermissionPauseProject, true},
		{"owner releases", "alice", PermissionReleaseMilestone, true},
		{"owner donates", "alice", PermissionDonate, true},
		{"stranger donates", "bob", PermissionDonate, true},
		{"stranger reads", "bob", PermissionReadProject, true},
		{"stranger pauses", "bob", PermissionPauseProject, false},
		{"stranger releases", "bob", PermissionReleaseMilestone, false},
		{"unknown permission", "alice", "project:delete", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.caller, "alice", tt.permission))
		})
	}
}

func TestCheckPermission(t *testing.T) {
	assert.NoError(t, CheckPermission("alice", "alice", PermissionPauseProject))

	err := CheckPermission("mallory", "alice", PermissionReleaseMilestone)
	var denied *PermissionDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, "mallory", denied.Caller)
	assert.Equal(t, PermissionReleaseMilestone, denied.Permission)
}

func TestValidateCallerInPayload(t *testing.T) {
	assert.NoError(t, ValidateCallerInPayload("alice", ""))
	assert.NoError(t, ValidateCallerInPayload("alice", "alice"))
	assert.Error(t, ValidateCallerInPayload("alice", "bob"))
}
