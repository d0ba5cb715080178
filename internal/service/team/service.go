// Package team manages teams and their memberships.
package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/repository"
	"github.com/splax/kubeploy/internal/service/access"
	"github.com/splax/kubeploy/internal/service/rbac"
)

var (
	ErrInvalidTeamName = fmt.Errorf("%w: team name is required", repository.ErrInvalidArgument)
	ErrInvalidUser     = fmt.Errorf("%w: user id is required", repository.ErrInvalidArgument)
	ErrTeamExists      = fmt.Errorf("%w: team already exists in this environment", repository.ErrConflict)
	ErrNamespaceTaken  = fmt.Errorf("%w: namespace already used by another team", repository.ErrConflict)
	ErrAlreadyMember   = fmt.Errorf("%w: user already in team", repository.ErrConflict)
	ErrLastOwner       = fmt.Errorf("%w: team must keep at least one owner", repository.ErrConflict)
)

// Synchronizer mirrors membership into the cluster in the background.
type Synchronizer interface {
	SubmitEnsureNamespace(team domain.Team)
	// SubmitSyncBinding reconciles the member's binding against the store.
	SubmitSyncBinding(team domain.Team, userID string)
	SubmitDeleteNamespace(team domain.Team)
}

// Guard checks team and environment permissions.
type Guard interface {
	RequireTeam(ctx context.Context, userID, teamID string, perm domain.Permission) error
	RequireEnvironment(ctx context.Context, userID, envID string, perm domain.Permission) error
}

// Service handles team workflows.
type Service struct {
	envs   repository.EnvironmentRepository
	repo   repository.TeamRepository
	sync   Synchronizer
	guard  Guard
	logger *slog.Logger
}

// New constructs a Service.
func New(envs repository.EnvironmentRepository, repo repository.TeamRepository, sync Synchronizer, guard Guard, logger *slog.Logger) Service {
	return Service{envs: envs, repo: repo, sync: sync, guard: guard, logger: logger}
}

// Create registers a team in an environment. The creator becomes its owner
// and the namespace is created in the background.
func (s Service) Create(ctx context.Context, actorID, envID, name string) (*domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidTeamName
	}
	if actorID == "" {
		return nil, ErrInvalidUser
	}
	env, err := s.envs.GetEnvironmentByID(ctx, envID)
	if err != nil {
		return nil, err
	}
	namespace := rbac.Namespace(name)
	existing, err := s.repo.ListTeamsByEnvironment(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		if t.Name == name {
			return nil, ErrTeamExists
		}
		if t.Namespace == namespace {
			return nil, ErrNamespaceTaken
		}
	}

	now := time.Now().UTC()
	team := &domain.Team{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		Name:          name,
		Namespace:     namespace,
		CreatedAt:     now,
	}
	if err := s.repo.CreateTeam(ctx, team); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrTeamExists
		}
		return nil, err
	}
	owner := &domain.UserRoleBinding{TeamID: team.ID, UserID: actorID, Role: domain.RoleOwner, CreatedAt: now}
	if err := s.repo.UpsertBinding(ctx, owner); err != nil {
		return nil, err
	}
	s.sync.SubmitEnsureNamespace(*team)
	s.logger.Info("team created", "team_id", team.ID, "environment_id", env.ID, "namespace", namespace, "user_id", actorID)
	return team, nil
}

// List returns the teams of an environment visible to actorID.
func (s Service) List(ctx context.Context, actorID, envID string) ([]domain.Team, error) {
	if err := s.guard.RequireEnvironment(ctx, actorID, envID, domain.PermissionView); err != nil {
		return nil, err
	}
	return s.repo.ListTeamsByEnvironment(ctx, envID)
}

// AddMember binds userID to the team with role.
func (s Service) AddMember(ctx context.Context, actorID, teamID, userID string, role domain.Role) (*domain.UserRoleBinding, error) {
	team, role, err := s.prepareChange(ctx, actorID, teamID, userID, role)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetBinding(ctx, teamID, userID); err == nil {
		return nil, ErrAlreadyMember
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	binding := &domain.UserRoleBinding{TeamID: teamID, UserID: userID, Role: role}
	if err := s.repo.UpsertBinding(ctx, binding); err != nil {
		return nil, err
	}
	s.sync.SubmitSyncBinding(*team, userID)
	s.logger.Info("team member added", "team_id", teamID, "user_id", userID, "role", role, "actor_id", actorID)
	return binding, nil
}

// ChangeRole updates an existing member's role.
func (s Service) ChangeRole(ctx context.Context, actorID, teamID, userID string, role domain.Role) (*domain.UserRoleBinding, error) {
	team, role, err := s.prepareChange(ctx, actorID, teamID, userID, role)
	if err != nil {
		return nil, err
	}
	binding, err := s.repo.GetBinding(ctx, teamID, userID)
	if err != nil {
		return nil, err
	}
	if binding.Role == domain.RoleOwner && role != domain.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, teamID); err != nil {
			return nil, err
		}
	}
	binding.Role = role
	if err := s.repo.UpsertBinding(ctx, binding); err != nil {
		return nil, err
	}
	s.sync.SubmitSyncBinding(*team, userID)
	s.logger.Info("team member role changed", "team_id", teamID, "user_id", userID, "role", role, "actor_id", actorID)
	return binding, nil
}

// RemoveMember drops userID from the team and its namespace.
func (s Service) RemoveMember(ctx context.Context, actorID, teamID, userID string) error {
	if err := s.guard.RequireTeam(ctx, actorID, teamID, domain.PermissionManage); err != nil {
		return err
	}
	team, err := s.repo.GetTeamByID(ctx, teamID)
	if err != nil {
		return err
	}
	binding, err := s.repo.GetBinding(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if binding.Role == domain.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, teamID); err != nil {
			return err
		}
	}
	if err := s.repo.DeleteBinding(ctx, teamID, userID); err != nil {
		return err
	}
	s.sync.SubmitSyncBinding(*team, userID)
	s.logger.Info("team member removed", "team_id", teamID, "user_id", userID, "actor_id", actorID)
	return nil
}

// Delete removes the team and its namespace. Only owners may delete.
func (s Service) Delete(ctx context.Context, actorID, teamID string) error {
	team, err := s.repo.GetTeamByID(ctx, teamID)
	if err != nil {
		return err
	}
	binding, err := s.repo.GetBinding(ctx, teamID, actorID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if binding == nil || binding.Role != domain.RoleOwner {
		return &access.AccessDeniedError{UserID: actorID, Resource: "team " + teamID, Permission: domain.PermissionManage}
	}
	s.sync.SubmitDeleteNamespace(*team)
	if err := s.repo.DeleteTeam(ctx, teamID); err != nil {
		return err
	}
	s.logger.Info("team deleted", "team_id", teamID, "namespace", team.Namespace, "actor_id", actorID)
	return nil
}

func (s Service) prepareChange(ctx context.Context, actorID, teamID, userID string, role domain.Role) (*domain.Team, domain.Role, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", ErrInvalidUser
	}
	parsed, err := domain.ParseRole(string(role))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	if err := s.guard.RequireTeam(ctx, actorID, teamID, domain.PermissionManage); err != nil {
		return nil, "", err
	}
	team, err := s.repo.GetTeamByID(ctx, teamID)
	if err != nil {
		return nil, "", err
	}
	return team, parsed, nil
}

func (s Service) ensureAnotherOwner(ctx context.Context, teamID string) error {
	bindings, err := s.repo.ListBindings(ctx, teamID)
	if err != nil {
		return err
	}
	owners := 0
	for _, b := range bindings {
		if b.Role == domain.RoleOwner {
			owners++
		}
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}
