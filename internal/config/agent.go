package config

import "time"

// AgentConfig holds runtime configuration for the build agent. Every value
// arrives through the container environment injected by the orchestrator.
type AgentConfig struct {
	Repo             string
	Branch           string
	Owner            string
	DeploymentID     string
	BrokerAddr       string
	EnvOverrides     string
	ProjectRoot      string
	LogStreamName    string
	LogSubjectPrefix string
	BuildTimeout     time.Duration
	UploadBatchSize  int
	StoreEndpoint    string
	StoreAccessKey   string
	StoreSecretKey   string
	StoreBucket      string
	StoreUseSSL      bool
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		Repo:             GetString("REPO", ""),
		Branch:           GetString("BRANCH", ""),
		Owner:            GetString("OWNER", ""),
		DeploymentID:     GetString("DEPLOYMENT_ID", ""),
		BrokerAddr:       GetString("BROKER_ADDR", ""),
		EnvOverrides:     GetString("ENV", "[]"),
		ProjectRoot:      GetString("PROJECT_ROOT", "/home/app"),
		LogStreamName:    GetString("LOG_STREAM_NAME", "DEPLOY_LOGS"),
		LogSubjectPrefix: GetString("LOG_SUBJECT_PREFIX", "deployments.logs"),
		BuildTimeout:     time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 900)) * time.Second,
		UploadBatchSize:  GetInt("UPLOAD_BATCH_SIZE", 5),
		StoreEndpoint:    GetString("STORE_ENDPOINT", "minio:9000"),
		StoreAccessKey:   GetString("STORE_ACCESS_KEY", ""),
		StoreSecretKey:   GetString("STORE_SECRET_KEY", ""),
		StoreBucket:      GetString("STORE_BUCKET", "artifacts"),
		StoreUseSSL:      GetBool("STORE_USE_SSL", false),
	}
}
