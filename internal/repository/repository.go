package repository

import (
	"context"
	"time"

	"github.com/berth-dev/berth/internal/domain"
)

// LogRepository handles log event persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, event *domain.LogEvent) error
	ListLogsByDeployment(ctx context.Context, deploymentID string, afterID int64, limit int) ([]domain.LogEvent, error)
}

// DeploymentRepository stores deployment attempt records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, deploymentID, status string, completedAt *time.Time) error
	UpsertDeploymentRecord(ctx context.Context, record domain.DeploymentRecordUpsert) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.Deployment, error)
}
