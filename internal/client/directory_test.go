package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const directoryYAML = `
users:
  - id: alice
    roles: [EMPLOYEE]
    department: eng
    manager: bob
  - id: bob
    roles: [MANAGER, FINANCE]
    department: eng
  - id: carol
    roles: [FINANCE]
    active: false
departments:
  - code: eng
    head: bob
`

func TestStaticDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(directoryYAML), 0o600))

	d, err := LoadDirectory(path)
	require.NoError(t, err)
	ctx := context.Background()

	users, _ := d.UsersWithRole(ctx, "FINANCE")
	assert.Equal(t, []string{"bob", "carol"}, users)
	roles, _ := d.RolesOf(ctx, "bob")
	assert.Equal(t, []string{"MANAGER", "FINANCE"}, roles)
	dept, _ := d.DepartmentOf(ctx, "alice")
	assert.Equal(t, "eng", dept)
	head, _ := d.DepartmentHeadOf(ctx, "eng")
	assert.Equal(t, "bob", head)
	manager, _ := d.ManagerOf(ctx, "alice")
	assert.Equal(t, "bob", manager)

	active, _ := d.IsActive(ctx, "carol")
	assert.False(t, active)
	active, _ = d.IsActive(ctx, "unlisted")
	assert.True(t, active)

	strict, err := NewStaticDirectory(DirectoryFile{Strict: true})
	require.NoError(t, err)
	d.Replace(strict)
	active, _ = d.IsActive(ctx, "unlisted")
	assert.False(t, active)
	users, _ = d.UsersWithRole(ctx, "FINANCE")
	assert.Empty(t, users)
}

func TestStaticDirectory_Invalid(t *testing.T) {
	_, err := NewStaticDirectory(DirectoryFile{Users: []DirectoryUser{{ID: "a"}, {ID: "a"}}})
	assert.Error(t, err)
	_, err = NewStaticDirectory(DirectoryFile{Users: []DirectoryUser{{}}})
	assert.Error(t, err)
	_, err = LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
