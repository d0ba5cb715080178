// Package access answers whether a user may act on an environment or team.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/repository"
)

// ErrAccessDenied matches every AccessDeniedError.
var ErrAccessDenied = errors.New("access denied")

// AccessDeniedError reports the permission a user is missing.
type AccessDeniedError struct {
	UserID     string
	Resource   string
	Permission domain.Permission
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %s lacks %s permission on %s", e.UserID, e.Permission, e.Resource)
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// Guard checks team roles.
type Guard struct {
	teams repository.TeamRepository
}

// New returns a Guard reading memberships from teams.
func New(teams repository.TeamRepository) Guard {
	return Guard{teams: teams}
}

// Require succeeds when userID holds perm. With a teamID the role in that
// team decides; otherwise any team in envID granting perm suffices.
func (g Guard) Require(ctx context.Context, userID, envID, teamID string, perm domain.Permission) error {
	if teamID != "" {
		return g.RequireTeam(ctx, userID, teamID, perm)
	}
	return g.RequireEnvironment(ctx, userID, envID, perm)
}

// RequireTeam checks the user's role in one team.
func (g Guard) RequireTeam(ctx context.Context, userID, teamID string, perm domain.Permission) error {
	binding, err := g.teams.GetBinding(ctx, teamID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return &AccessDeniedError{UserID: userID, Resource: "team " + teamID, Permission: perm}
	}
	if err != nil {
		return err
	}
	if !binding.Role.Allows(perm) {
		return &AccessDeniedError{UserID: userID, Resource: "team " + teamID, Permission: perm}
	}
	return nil
}

// RequireEnvironment checks every team the user belongs to inside envID.
func (g Guard) RequireEnvironment(ctx context.Context, userID, envID string, perm domain.Permission) error {
	bindings, err := g.teams.ListBindingsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if !b.Role.Allows(perm) {
			continue
		}
		team, err := g.teams.GetTeamByID(ctx, b.TeamID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if team.EnvironmentID == envID {
			return nil
		}
	}
	return &AccessDeniedError{UserID: userID, Resource: "environment " + envID, Permission: perm}
}
