package domain

import "time"

// Deployment status values tracked by the orchestrator.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// EnvVar is a single user-supplied environment override.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeploymentRequest carries everything needed to launch one build attempt.
// The deployment id is caller supplied and is the correlation key for every
// downstream log event and artifact key.
type DeploymentRequest struct {
	Repo         string   `json:"repo"`
	Branch       string   `json:"branch"`
	Owner        string   `json:"owner"`
	DeploymentID string   `json:"deployment_id"`
	EnvVars      []EnvVar `json:"env_vars"`
}

// Deployment is the persisted record of one deployment attempt.
type Deployment struct {
	ID          string
	Repo        string
	Branch      string
	Owner       string
	Status      string
	URL         string
	LogSnapshot []string
	StartedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// DeploymentRecordUpsert captures the external caller's final view of a
// deployment, posted once the polling client observes completion.
type DeploymentRecordUpsert struct {
	DeploymentID string   `json:"deploymentId"`
	RepoName     string   `json:"repoName"`
	Branch       string   `json:"branch"`
	Username     string   `json:"username"`
	Logs         []string `json:"logs"`
	URL          string   `json:"url"`
}
