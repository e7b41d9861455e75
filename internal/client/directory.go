package client

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// DirectoryFile is the YAML layout of a static org chart:
//
//	strict: false
//	users:
//	  - id: alice
//	    roles: [EMPLOYEE]
//	    department: eng
//	    manager: bob
//	  - id: carol
//	    active: false
//	departments:
//	  - code: eng
//	    head: bob
//
// Users that are not listed count as active unless strict is set.
type DirectoryFile struct {
	Strict      bool            `yaml:"strict"`
	Users       []DirectoryUser `yaml:"users"`
	Departments []DirectoryDept `yaml:"departments"`
}

type DirectoryUser struct {
	ID         string   `yaml:"id"`
	Roles      []string `yaml:"roles"`
	Department string   `yaml:"department"`
	Manager    string   `yaml:"manager"`
	Active     *bool    `yaml:"active"`
}

type DirectoryDept struct {
	Code string `yaml:"code"`
	Head string `yaml:"head"`
}

// StaticDirectory is an in-process service.OrgChart for development and
// single-tenant deployments without an identity service.
type StaticDirectory struct {
	mu          sync.RWMutex
	strict      bool
	users       map[string]DirectoryUser
	roleMembers map[string][]string
	heads       map[string]string
}

var _ service.OrgChart = (*StaticDirectory)(nil)

// LoadDirectory reads a DirectoryFile from path.
func LoadDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	var file DirectoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return NewStaticDirectory(file)
}

// NewStaticDirectory indexes file. Role members keep file order, which is
// the ranking used by serial nodes.
func NewStaticDirectory(file DirectoryFile) (*StaticDirectory, error) {
	d := &StaticDirectory{
		strict:      file.Strict,
		users:       make(map[string]DirectoryUser, len(file.Users)),
		roleMembers: make(map[string][]string),
		heads:       make(map[string]string, len(file.Departments)),
	}
	for _, u := range file.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory: user without id")
		}
		if _, dup := d.users[u.ID]; dup {
			return nil, fmt.Errorf("directory: duplicate user %q", u.ID)
		}
		d.users[u.ID] = u
		for _, role := range u.Roles {
			d.roleMembers[role] = append(d.roleMembers[role], u.ID)
		}
	}
	for _, dept := range file.Departments {
		d.heads[dept.Code] = dept.Head
	}
	return d, nil
}

func (d *StaticDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.roleMembers[role]...), nil
}

func (d *StaticDirectory) RolesOf(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.users[userID].Roles...), nil
}

func (d *StaticDirectory) DepartmentOf(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID].Department, nil
}

func (d *StaticDirectory) DepartmentHeadOf(_ context.Context, department string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.heads[department], nil
}

func (d *StaticDirectory) ManagerOf(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID].Manager, nil
}

func (d *StaticDirectory) IsActive(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return !d.strict, nil
	}
	return u.Active == nil || *u.Active, nil
}

// Replace swaps the directory contents, e.g. after the file changed.
func (d *StaticDirectory) Replace(other *StaticDirectory) {
	other.mu.RLock()
	strict, users, roles, heads := other.strict, other.users, other.roleMembers, other.heads
	other.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.strict, d.users, d.roleMembers, d.heads = strict, users, roles, heads
}
