package deployer

import (
	"context"
	"strings"
	"time"

	"github.com/berthstack/berth/pkg/types"
)

// maxRuntimeLogLines bounds the per-record ring of captured tenant
// output.
const maxRuntimeLogLines = 1000

// record is the in-memory deployment record. All mutable fields are
// guarded by System.mu; the lock is never held across blocking calls.
type record struct {
	id         types.DeploymentID
	project    types.ProjectName
	state      types.DeploymentState
	stateError string

	port     int
	handle   handleRef
	database *types.DatabaseInfo

	buildLogs   strings.Builder
	runtimeLogs []types.LogLine

	createdAt time.Time
	updatedAt time.Time

	// archive holds the uploaded bytes until the build consumes them.
	archive []byte

	// ctx carries the cancel flag the worker checks at every state
	// transition boundary; done closes when the worker exits.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// handleRef is the narrow slice of loader.Handle the record needs;
// keeping it an interface lets tests drop in fakes.
type handleRef interface {
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

func (r *record) appendRuntimeLog(ts time.Time, line string) {
	r.runtimeLogs = append(r.runtimeLogs, types.LogLine{Timestamp: ts, Line: line})
	if len(r.runtimeLogs) > maxRuntimeLogLines {
		r.runtimeLogs = r.runtimeLogs[len(r.runtimeLogs)-maxRuntimeLogLines:]
	}
}

// meta snapshots the record. Caller holds System.mu.
func (r *record) meta(proxyFQDN string) types.DeploymentMeta {
	logs := make([]types.LogLine, len(r.runtimeLogs))
	copy(logs, r.runtimeLogs)

	var db *types.DatabaseInfo
	if r.database != nil {
		copied := *r.database
		db = &copied
	}

	return types.DeploymentMeta{
		ID:                 r.id,
		Project:            r.project,
		State:              r.state,
		StateError:         r.stateError,
		Host:               r.project.Hostname(proxyFQDN),
		BuildLogs:          r.buildLogs.String(),
		RuntimeLogs:        logs,
		DatabaseDeployment: db,
		Port:               r.port,
		CreatedAt:          r.createdAt,
		UpdatedAt:          r.updatedAt,
	}
}
