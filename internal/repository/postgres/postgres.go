package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berth-dev/berth/internal/domain"
	"github.com/berth-dev/berth/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// AppendLog inserts a log event and fills the store-assigned id and creation
// timestamp on the passed event.
func (r *Repository) AppendLog(ctx context.Context, event *domain.LogEvent) error {
	const query = `INSERT INTO build_logs (event_uuid, deployment_id, log_message, log_level, event_type, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	row := r.pool.QueryRow(ctx, query, event.EventUUID, event.DeploymentID, event.Message, event.Level, event.EventType, event.Status)
	return row.Scan(&event.ID, &event.CreatedAt)
}

// ListLogsByDeployment returns log events for a deployment in creation order,
// optionally starting after a cursor id.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, afterID int64, limit int) ([]domain.LogEvent, error) {
	const query = `SELECT id, event_uuid, deployment_id, log_message, log_level, event_type, status, created_at
		FROM build_logs
		WHERE deployment_id = $1 AND id > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, query, deploymentID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LogEvent
	for rows.Next() {
		var e domain.LogEvent
		if err := rows.Scan(&e.ID, &e.EventUUID, &e.DeploymentID, &e.Message, &e.Level, &e.EventType, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateDeployment inserts a deployment record at intake time.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, repo, branch, owner, status, url, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			repo = EXCLUDED.repo,
			branch = EXCLUDED.branch,
			owner = EXCLUDED.owner,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = NULL,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.Repo, deployment.Branch, deployment.Owner,
		deployment.Status, deployment.URL, deployment.StartedAt, deployment.UpdatedAt)
	return err
}

// UpdateDeploymentStatus moves a deployment to a new status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, deploymentID, status string, completedAt *time.Time) error {
	const query = `UPDATE deployments SET status = $2, completed_at = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, status, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertDeploymentRecord persists the caller's final view of a deployment.
func (r *Repository) UpsertDeploymentRecord(ctx context.Context, record domain.DeploymentRecordUpsert) error {
	const query = `INSERT INTO deployments (id, repo, branch, owner, status, url, log_snapshot, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			log_snapshot = EXCLUDED.log_snapshot,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, record.DeploymentID, record.RepoName, record.Branch, record.Username,
		domain.StatusSucceeded, record.URL, record.Logs)
	return err
}

// GetDeploymentByID fetches one deployment record.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, repo, branch, owner, status, url, COALESCE(log_snapshot, '{}'), started_at, completed_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.Repo, &d.Branch, &d.Owner, &d.Status, &d.URL, &d.LogSnapshot, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns the most recent deployments.
func (r *Repository) ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error) {
	const query = `SELECT id, repo, branch, owner, status, url, COALESCE(log_snapshot, '{}'), started_at, completed_at, updated_at
		FROM deployments ORDER BY started_at DESC LIMIT $1`
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.Repo, &d.Branch, &d.Owner, &d.Status, &d.URL, &d.LogSnapshot, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}
