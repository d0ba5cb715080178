package domain

import "time"

// BuildStatus is the pipeline-owned build state of an application.
type BuildStatus string

const (
	BuildPending   BuildStatus = "PENDING"
	BuildBuilding  BuildStatus = "BUILDING"
	BuildSuccess   BuildStatus = "SUCCESS"
	BuildFailed    BuildStatus = "FAILED"
	BuildCancelled BuildStatus = "CANCELLED"
)

// IsTerminal reports whether no further build transition is expected.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildSuccess || s == BuildFailed || s == BuildCancelled
}

// ApplicationStatus is the user-facing lifecycle state.
type ApplicationStatus string

const (
	AppCreated   ApplicationStatus = "CREATED"
	AppBuilding  ApplicationStatus = "BUILDING"
	AppDeploying ApplicationStatus = "DEPLOYING"
	AppRunning   ApplicationStatus = "RUNNING"
	AppFailed    ApplicationStatus = "FAILED"
)

// DefaultBranch is used when an application does not name one.
const DefaultBranch = "main"

// Application is a deployable unit built from a git repository.
type Application struct {
	ID            string
	ProjectID     string
	Name          string
	GitRepository string
	GitBranch     string
	GitUsername   string
	// Git secrets are sealed at rest.
	GitToken      []byte
	GitPrivateKey []byte
	GitPassphrase []byte
	Type          string
	Replicas      int
	AutoScalable  bool
	BuildStatus   BuildStatus
	Status        ApplicationStatus
	BuildLogs     string
	ImageRef      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Branch returns the configured branch or the default one.
func (a Application) Branch() string {
	if a.GitBranch == "" {
		return DefaultBranch
	}
	return a.GitBranch
}

// GatewayType selects the gateway implementation fronting a domain.
type GatewayType string

const (
	GatewayTraefik GatewayType = "TRAEFIK"
	GatewayNginx   GatewayType = "NGINX"
)

// Domain is an externally reachable binding for an application.
type Domain struct {
	ID            string
	ApplicationID string
	Host          string
	Port          int
	TLS           bool
	Gateway       GatewayType
}
