package storage

import (
	"errors"

	"github.com/berthstack/berth/pkg/types"
)

// ErrNotFound is returned when a project has no stored database record.
var ErrNotFound = errors.New("database record not found")

// Store persists the database records handed back by the provisioner.
// Deployment records themselves live in memory by design; database
// credentials must survive a control-plane restart so a crash between
// provisioning and recording cannot orphan a database.
type Store interface {
	// Databases
	SaveDatabase(project types.ProjectName, info *types.DatabaseInfo) error
	GetDatabase(project types.ProjectName) (*types.DatabaseInfo, error)
	DeleteDatabase(project types.ProjectName) error
	ListDatabases() (map[types.ProjectName]*types.DatabaseInfo, error)

	// Utility
	Close() error
}
