package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/splax/kubeploy/internal/domain"
)

// CreateTeam inserts a team. Name and namespace are unique per environment.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, environment_id, name, namespace, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, team.ID, team.EnvironmentID, team.Name, team.Namespace, team.CreatedAt)
	return mapError(err)
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, id string) (*domain.Team, error) {
	const query = `SELECT id, environment_id, name, namespace, created_at FROM teams WHERE id = $1`
	var team domain.Team
	if err := r.pool.QueryRow(ctx, query, id).Scan(&team.ID, &team.EnvironmentID, &team.Name, &team.Namespace, &team.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &team, nil
}

// ListTeamsByEnvironment returns all teams of an environment.
func (r *Repository) ListTeamsByEnvironment(ctx context.Context, environmentID string) ([]domain.Team, error) {
	const query = `SELECT id, environment_id, name, namespace, created_at
		FROM teams WHERE environment_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, environmentID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		var team domain.Team
		if err := rows.Scan(&team.ID, &team.EnvironmentID, &team.Name, &team.Namespace, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// DeleteTeam removes a team and its bindings.
func (r *Repository) DeleteTeam(ctx context.Context, id string) error {
	return affected(r.pool.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id))
}

// UpsertBinding adds or updates membership.
func (r *Repository) UpsertBinding(ctx context.Context, binding *domain.UserRoleBinding) error {
	const query = `INSERT INTO user_role_bindings (team_id, user_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
		RETURNING created_at, updated_at`
	row := r.pool.QueryRow(ctx, query, binding.TeamID, binding.UserID, string(binding.Role), binding.CreatedAt)
	return mapError(row.Scan(&binding.CreatedAt, &binding.UpdatedAt))
}

// GetBinding returns one membership row.
func (r *Repository) GetBinding(ctx context.Context, teamID, userID string) (*domain.UserRoleBinding, error) {
	const query = `SELECT team_id, user_id, role, created_at, updated_at
		FROM user_role_bindings WHERE team_id = $1 AND user_id = $2`
	return scanBinding(r.pool.QueryRow(ctx, query, teamID, userID))
}

// ListBindings returns every membership of a team.
func (r *Repository) ListBindings(ctx context.Context, teamID string) ([]domain.UserRoleBinding, error) {
	const query = `SELECT team_id, user_id, role, created_at, updated_at
		FROM user_role_bindings WHERE team_id = $1 ORDER BY created_at`
	return r.queryBindings(ctx, query, teamID)
}

// ListBindingsByUser returns every membership held by a user.
func (r *Repository) ListBindingsByUser(ctx context.Context, userID string) ([]domain.UserRoleBinding, error) {
	const query = `SELECT team_id, user_id, role, created_at, updated_at
		FROM user_role_bindings WHERE user_id = $1 ORDER BY created_at`
	return r.queryBindings(ctx, query, userID)
}

// DeleteBinding removes a membership.
func (r *Repository) DeleteBinding(ctx context.Context, teamID, userID string) error {
	return affected(r.pool.Exec(ctx, `DELETE FROM user_role_bindings WHERE team_id = $1 AND user_id = $2`, teamID, userID))
}

func (r *Repository) queryBindings(ctx context.Context, query string, arg string) ([]domain.UserRoleBinding, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	bindings := make([]domain.UserRoleBinding, 0)
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, *binding)
	}
	return bindings, rows.Err()
}

func scanBinding(row pgx.Row) (*domain.UserRoleBinding, error) {
	var binding domain.UserRoleBinding
	var role string
	if err := row.Scan(&binding.TeamID, &binding.UserID, &role, &binding.CreatedAt, &binding.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	binding.Role = domain.Role(role)
	return &binding, nil
}
