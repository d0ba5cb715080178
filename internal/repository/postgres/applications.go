package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/kubeploy/internal/domain"
)

const applicationColumns = `id, project_id, name, git_repository, git_branch, git_username, git_token, git_private_key,
	git_passphrase, app_type, replicas, auto_scalable, build_status, status, build_logs, image_ref, created_at, updated_at`

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, environment_id, COALESCE(team_id, ''), name, created_at FROM projects WHERE id = $1`
	var project domain.Project
	if err := r.pool.QueryRow(ctx, query, id).Scan(&project.ID, &project.EnvironmentID, &project.TeamID, &project.Name, &project.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &project, nil
}

// GetApplicationByID fetches an application.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	const query = `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	return scanApplication(r.pool.QueryRow(ctx, query, id))
}

// UpdateApplication locks the row, applies fn and writes the status fields back.
func (r *Repository) UpdateApplication(ctx context.Context, id string, fn func(*domain.Application) error) (*domain.Application, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const selectQuery = `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1 FOR UPDATE`
	app, err := scanApplication(tx.QueryRow(ctx, selectQuery, id))
	if err != nil {
		return nil, err
	}
	if err := fn(app); err != nil {
		return nil, err
	}

	const updateQuery = `UPDATE applications
		SET build_status = $2, status = $3, build_logs = $4, image_ref = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	row := tx.QueryRow(ctx, updateQuery, app.ID, string(app.BuildStatus), string(app.Status), app.BuildLogs, app.ImageRef)
	if err := row.Scan(&app.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit application update: %w", err)
	}
	return app, nil
}

// ListDomains returns an application's domains in creation order.
func (r *Repository) ListDomains(ctx context.Context, applicationID string) ([]domain.Domain, error) {
	const query = `SELECT id, application_id, host, port, tls, gateway
		FROM domains WHERE application_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	domains := make([]domain.Domain, 0)
	for rows.Next() {
		var d domain.Domain
		var gateway string
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.Host, &d.Port, &d.TLS, &gateway); err != nil {
			return nil, err
		}
		d.Gateway = domain.GatewayType(gateway)
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var app domain.Application
	var buildStatus, status string
	err := row.Scan(
		&app.ID, &app.ProjectID, &app.Name, &app.GitRepository, &app.GitBranch, &app.GitUsername,
		&app.GitToken, &app.GitPrivateKey, &app.GitPassphrase, &app.Type, &app.Replicas, &app.AutoScalable,
		&buildStatus, &status, &app.BuildLogs, &app.ImageRef, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	app.BuildStatus = domain.BuildStatus(buildStatus)
	app.Status = domain.ApplicationStatus(status)
	return &app, nil
}
