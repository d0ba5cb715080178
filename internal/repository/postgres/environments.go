package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/splax/kubeploy/internal/domain"
)

const environmentColumns = `id, name, kubeconfig_path, kubeconfig, managed, status, status_message, created_by, created_at, updated_at`

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var env domain.Environment
	var status string
	if err := row.Scan(&env.ID, &env.Name, &env.KubeconfigPath, &env.Kubeconfig, &env.Managed, &status, &env.StatusMessage, &env.CreatedBy, &env.CreatedAt, &env.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	env.Status = domain.EnvironmentStatus(status)
	return &env, nil
}

// CreateEnvironment inserts an environment; duplicate names yield ErrConflict.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (id, name, kubeconfig_path, kubeconfig, managed, status, status_message, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query, env.ID, env.Name, env.KubeconfigPath, env.Kubeconfig, env.Managed, string(env.Status), env.StatusMessage, env.CreatedBy, env.CreatedAt)
	if err == nil {
		env.UpdatedAt = env.CreatedAt
	}
	return mapError(err)
}

// GetEnvironmentByID fetches an environment.
func (r *Repository) GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`
	return scanEnvironment(r.pool.QueryRow(ctx, query, id))
}

// GetEnvironmentByName fetches an environment by its unique name.
func (r *Repository) GetEnvironmentByName(ctx context.Context, name string) (*domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + ` FROM environments WHERE name = $1`
	return scanEnvironment(r.pool.QueryRow(ctx, query, name))
}

// UpdateEnvironment persists mutable environment fields.
func (r *Repository) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `UPDATE environments
		SET kubeconfig_path = $2, kubeconfig = $3, managed = $4, status = $5, status_message = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	row := r.pool.QueryRow(ctx, query, env.ID, env.KubeconfigPath, env.Kubeconfig, env.Managed, string(env.Status), env.StatusMessage)
	return mapError(row.Scan(&env.UpdatedAt))
}

// DeleteEnvironment removes an environment and everything it owns.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	return affected(r.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id))
}

// ListEnvironmentsByUser returns environments the user created or reaches via
// any team membership.
func (r *Repository) ListEnvironmentsByUser(ctx context.Context, userID string) ([]domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + `
		FROM environments e
		WHERE e.created_by = $1
			OR EXISTS (
				SELECT 1 FROM teams t
				INNER JOIN user_role_bindings b ON b.team_id = t.id
				WHERE t.environment_id = e.id AND b.user_id = $1
			)
		ORDER BY e.created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	envs := make([]domain.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}
