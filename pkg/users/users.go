package users

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/types"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

var (
	// ErrUnauthorized is returned for unknown API keys.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a user touches a project owned by
	// someone else.
	ErrForbidden = errors.New("forbidden")
)

// AdminUsername is the account bootstrapped on first start.
const AdminUsername = "admin"

// User is an account that can deploy projects.
type User struct {
	Name     string
	Key      string
	Admin    bool
	Projects []string
}

// OwnsProject reports whether the project is in the user's list.
func (u *User) OwnsProject(project types.ProjectName) bool {
	for _, p := range u.Projects {
		if p == project.String() {
			return true
		}
	}
	return false
}

type userRecord struct {
	Key      string   `toml:"key"`
	Admin    bool     `toml:"admin,omitempty"`
	Projects []string `toml:"projects,omitempty"`
}

type usersFile struct {
	Users map[string]userRecord `toml:"users"`
}

// Registry holds user accounts, backed by a TOML file that is
// rewritten atomically on every change.
type Registry struct {
	path string

	mu    sync.Mutex
	users map[string]*User
	byKey map[string]*User
}

// Load reads the registry from path. A missing file is bootstrapped
// with an admin account whose key is logged once so the operator can
// pick it up.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:  path,
		users: make(map[string]*User),
		byKey: make(map[string]*User),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file usersFile
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for name, rec := range file.Users {
			u := &User{Name: name, Key: rec.Key, Admin: rec.Admin, Projects: rec.Projects}
			r.users[name] = u
			r.byKey[rec.Key] = u
		}
	case os.IsNotExist(err):
		admin := &User{Name: AdminUsername, Key: newKey(), Admin: true}
		r.users[admin.Name] = admin
		r.byKey[admin.Key] = admin
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
		logger := log.WithComponent("users")
		logger.Info().
			Str("username", admin.Name).
			Str("key", admin.Key).
			Msg("bootstrapped admin account")
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return r, nil
}

// Authenticate resolves an API key to its user.
func (r *Registry) Authenticate(key string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byKey[key]
	if !ok {
		return nil, ErrUnauthorized
	}
	return u.clone(), nil
}

// GetOrCreateUser returns the API key for the named account, creating
// the account on first sight.
func (r *Registry) GetOrCreateUser(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("username must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[name]; ok {
		return u.Key, nil
	}
	u := &User{Name: name, Key: newKey()}
	r.users[name] = u
	r.byKey[u.Key] = u
	if err := r.persistLocked(); err != nil {
		delete(r.users, name)
		delete(r.byKey, u.Key)
		return "", err
	}
	return u.Key, nil
}

// ClaimProject records the user as the project's owner, or verifies
// ownership if the project is already claimed. A project claimed by
// another user is ErrForbidden.
func (r *Registry) ClaimProject(username string, project types.ProjectName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[username]
	if !ok {
		return ErrUnauthorized
	}

	for name, other := range r.users {
		for _, p := range other.Projects {
			if p == project.String() {
				if name == username {
					return nil
				}
				return ErrForbidden
			}
		}
	}

	u.Projects = append(u.Projects, project.String())
	if err := r.persistLocked(); err != nil {
		u.Projects = u.Projects[:len(u.Projects)-1]
		return err
	}
	return nil
}

// CanAccessProject reports whether the user may operate on the
// project: owners and admins may, others may not. An unclaimed project
// is accessible to anyone who can authenticate (claiming happens on
// first deploy).
func (r *Registry) CanAccessProject(username string, project types.ProjectName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[username]
	if !ok {
		return ErrUnauthorized
	}
	if u.Admin || u.OwnsProject(project) {
		return nil
	}
	for _, other := range r.users {
		if other.OwnsProject(project) {
			return ErrForbidden
		}
	}
	return nil
}

// ReleaseProject removes the project from its owner's list.
func (r *Registry) ReleaseProject(project types.ProjectName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		for i, p := range u.Projects {
			if p == project.String() {
				u.Projects = append(u.Projects[:i], u.Projects[i+1:]...)
				return r.persistLocked()
			}
		}
	}
	return nil
}

func (u *User) clone() *User {
	c := *u
	c.Projects = append([]string(nil), u.Projects...)
	return &c
}

// persistLocked writes the registry file atomically. Caller holds mu.
func (r *Registry) persistLocked() error {
	file := usersFile{Users: make(map[string]userRecord, len(r.users))}
	for name, u := range r.users {
		file.Users[name] = userRecord{Key: u.Key, Admin: u.Admin, Projects: u.Projects}
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode users file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to install users file: %w", err)
	}
	return nil
}

func newKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
