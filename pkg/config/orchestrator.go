package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment        string
	Addr               string
	PublicBaseURL      string
	DatabaseURL        string
	MigrationsDir      string
	SessionSecret      string
	DockerHost         string
	GatewayImage       string
	PortRangeStart     int
	PortRangeEnd       int
	InstanceCap        int
	DeployHealthBudget time.Duration
	RotateHealthBudget time.Duration
	HealthPollInterval time.Duration
	HealthAttemptLimit time.Duration
	MemoryLimitMB      int
	CPUQuotaPercent    int
	ChannelToken       string
	AnalyticsURL       string
	AnalyticsToken     string
	ChannelNotifyURL   string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("PADDOCK_ADDR", ":4400"),
		PublicBaseURL:      GetString("PADDOCK_PUBLIC_URL", "http://localhost:4400"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		SessionSecret:      GetString("SESSION_JWT_SECRET", "supersecuresecret"),
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		GatewayImage:       GetString("GATEWAY_IMAGE", "paddock/agent-gateway:latest"),
		PortRangeStart:     GetInt("PORT_RANGE_START", 4300),
		PortRangeEnd:       GetInt("PORT_RANGE_END", 4399),
		InstanceCap:        GetInt("INSTANCE_CAP", 40),
		DeployHealthBudget: GetSeconds("DEPLOY_HEALTH_BUDGET_SECONDS", 60),
		RotateHealthBudget: GetSeconds("ROTATE_HEALTH_BUDGET_SECONDS", 180),
		HealthPollInterval: GetSeconds("HEALTH_POLL_INTERVAL_SECONDS", 1),
		HealthAttemptLimit: GetSeconds("HEALTH_ATTEMPT_TIMEOUT_SECONDS", 2),
		MemoryLimitMB:      GetInt("INSTANCE_MEMORY_LIMIT_MB", 2048),
		CPUQuotaPercent:    GetInt("INSTANCE_CPU_QUOTA_PERCENT", 100),
		ChannelToken:       GetString("CHANNEL_SERVICE_TOKEN", ""),
		AnalyticsURL:       GetString("ANALYTICS_URL", ""),
		AnalyticsToken:     GetString("ANALYTICS_TOKEN", ""),
		ChannelNotifyURL:   GetString("CHANNEL_NOTIFY_URL", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
