package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	BuilderImage       string
	BrokerURL          string
	BrokerAdvertise    string
	LogStreamName      string
	LogSubjectPrefix   string
	BuildTimeout       time.Duration
	TeardownGrace      time.Duration
	StorePublicBaseURL string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("ORCHESTRATOR_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://berth:berth@db:5432/berth?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		BuilderImage:       GetString("BUILDER_IMAGE", "berth/build-agent:latest"),
		BrokerURL:          GetString("BROKER_URL", "nats://nats:4222"),
		BrokerAdvertise:    GetString("BROKER_ADVERTISE_ADDR", ""),
		LogStreamName:      GetString("LOG_STREAM_NAME", "DEPLOY_LOGS"),
		LogSubjectPrefix:   GetString("LOG_SUBJECT_PREFIX", "deployments.logs"),
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 900)) * time.Second,
		TeardownGrace:      time.Duration(GetInt("TEARDOWN_GRACE_SECONDS", 120)) * time.Second,
		StorePublicBaseURL: GetString("STORE_PUBLIC_BASE_URL", "http://localhost:9000/artifacts"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
