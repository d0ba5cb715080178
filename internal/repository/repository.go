package repository

import (
	"context"

	"github.com/splax/kubeploy/internal/domain"
)

// EnvironmentRepository persists environments and their access configuration.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
	GetEnvironmentByName(ctx context.Context, name string) (*domain.Environment, error)
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
	// DeleteEnvironment cascades to teams, bindings, projects, applications and domains.
	DeleteEnvironment(ctx context.Context, id string) error
	// ListEnvironmentsByUser returns environments reachable through any team membership.
	ListEnvironmentsByUser(ctx context.Context, userID string) ([]domain.Environment, error)
}

// TeamRepository manages teams and role bindings.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeamByID(ctx context.Context, id string) (*domain.Team, error)
	ListTeamsByEnvironment(ctx context.Context, environmentID string) ([]domain.Team, error)
	DeleteTeam(ctx context.Context, id string) error
	UpsertBinding(ctx context.Context, binding *domain.UserRoleBinding) error
	GetBinding(ctx context.Context, teamID, userID string) (*domain.UserRoleBinding, error)
	ListBindings(ctx context.Context, teamID string) ([]domain.UserRoleBinding, error)
	ListBindingsByUser(ctx context.Context, userID string) ([]domain.UserRoleBinding, error)
	DeleteBinding(ctx context.Context, teamID, userID string) error
}

// ProjectRepository reads projects.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
}

// ApplicationRepository reads applications and serializes their status writes.
type ApplicationRepository interface {
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
	// UpdateApplication applies fn to the current row under a per-application
	// write lock and persists the result. An error from fn aborts the write.
	UpdateApplication(ctx context.Context, id string, fn func(*domain.Application) error) (*domain.Application, error)
	ListDomains(ctx context.Context, applicationID string) ([]domain.Domain, error)
}

// Store aggregates every repository the control plane needs.
type Store interface {
	EnvironmentRepository
	TeamRepository
	ProjectRepository
	ApplicationRepository
	Ping(ctx context.Context) error
}
