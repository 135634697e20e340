package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// DeploymentID uniquely identifies one deployment attempt. Assigned at
// upload time and immutable afterwards.
type DeploymentID = uuid.UUID

// ProjectName is a normalized lowercase project identifier. It is unique
// across the system and doubles as the subdomain the project is served on.
type ProjectName string

var projectNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reservedProjectNames can never be claimed by users because they collide
// with control-plane endpoints or common infrastructure hostnames.
var reservedProjectNames = map[string]bool{
	"api":     true,
	"admin":   true,
	"console": true,
	"proxy":   true,
	"status":  true,
	"www":     true,
}

// ParseProjectName validates a raw string as a project name.
// Valid names are 3-63 characters of [a-z0-9-], do not start or end
// with '-', and are not reserved.
func ParseProjectName(raw string) (ProjectName, error) {
	if len(raw) < 3 || len(raw) > 63 {
		return "", fmt.Errorf("invalid project name %q: must be 3-63 characters", raw)
	}
	if !projectNamePattern.MatchString(raw) {
		return "", fmt.Errorf("invalid project name %q: only lowercase letters, digits and '-' are allowed, and it cannot start or end with '-'", raw)
	}
	if reservedProjectNames[raw] {
		return "", fmt.Errorf("invalid project name %q: name is reserved", raw)
	}
	return ProjectName(raw), nil
}

func (p ProjectName) String() string { return string(p) }

// Hostname derives the public hostname the project is served on.
func (p ProjectName) Hostname(proxyFQDN string) string {
	return string(p) + "." + proxyFQDN
}

// DeploymentState is the state machine position of a deployment.
//
//	QUEUED -> BUILDING -> BUILT -> LOADING -> DEPLOYED
//
// ERROR and DELETED are terminal. No state reverts except via deletion
// and re-creation.
type DeploymentState string

const (
	StateQueued   DeploymentState = "QUEUED"
	StateBuilding DeploymentState = "BUILDING"
	StateBuilt    DeploymentState = "BUILT"
	StateLoading  DeploymentState = "LOADING"
	StateDeployed DeploymentState = "DEPLOYED"
	StateError    DeploymentState = "ERROR"
	StateDeleted  DeploymentState = "DELETED"
)

// Terminal reports whether no further transitions can happen.
func (s DeploymentState) Terminal() bool {
	return s == StateError || s == StateDeleted
}

// Active reports whether a worker is still driving the deployment.
func (s DeploymentState) Active() bool {
	switch s {
	case StateQueued, StateBuilding, StateBuilt, StateLoading:
		return true
	}
	return false
}

// DatabaseInfo describes a database provisioned for a project.
// Immutable once set.
type DatabaseInfo struct {
	Engine         string `json:"engine"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	DatabaseName   string `json:"database_name"`
	Port           string `json:"port"`
	AddressPrivate string `json:"address_private"`
	AddressPublic  string `json:"address_public"`
}

// ConnectionStringPrivate builds the connection string tenants use from
// inside the control plane's network.
func (d DatabaseInfo) ConnectionStringPrivate() string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s",
		d.Engine, d.Username, d.Password, d.AddressPrivate, d.Port, d.DatabaseName)
}

// ConnectionStringPublic builds the externally reachable connection string.
func (d DatabaseInfo) ConnectionStringPublic() string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s",
		d.Engine, d.Username, d.Password, d.AddressPublic, d.Port, d.DatabaseName)
}

// LogLine is one captured line of tenant output.
type LogLine struct {
	Timestamp time.Time
	Line      string
}

// MarshalJSON encodes the line as the [iso8601, "line"] pair the API
// exposes.
func (l LogLine) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Timestamp.UTC().Format(time.RFC3339), l.Line})
}

// UnmarshalJSON decodes the [iso8601, "line"] pair form.
func (l *LogLine) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, pair[0])
	if err != nil {
		return err
	}
	l.Timestamp = ts
	l.Line = pair[1]
	return nil
}

// DeploymentMeta is the externally visible snapshot of a deployment
// record, returned by every project API call.
type DeploymentMeta struct {
	ID                 DeploymentID    `json:"id"`
	Project            ProjectName     `json:"project_name"`
	State              DeploymentState `json:"state"`
	StateError         string          `json:"state_error,omitempty"`
	Host               string          `json:"host"`
	BuildLogs          string          `json:"build_logs"`
	RuntimeLogs        []LogLine       `json:"runtime_logs"`
	DatabaseDeployment *DatabaseInfo   `json:"database_deployment"`
	Port               int             `json:"port,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
