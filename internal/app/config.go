package app

import (
	"time"

	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/utils"
)

// Config is the control plane's tunable surface. Every value has a
// production default; env vars override.
type Config struct {
	HTTPAddr  string
	RedisAddr string
	JWTSecret string
	LogMode   string

	ReplicaID       string
	SchedulerShards int

	// Engine and queue timing.
	HeartbeatInterval time.Duration
	HeartbeatStale    time.Duration
	TaskLease         time.Duration
	DispatchRetry     time.Duration
	DispatchDeadline  time.Duration
	MaxRetries        int

	// Realtime session limits.
	MaxSessionsPerWorker int
	SessionIdleTimeout   time.Duration
	SessionMaxDuration   time.Duration
	WorkerStale          time.Duration

	// Housekeeping.
	RetentionInterval time.Duration
	VariantTablePath  string

	OtelEnvironment string
	Version         string
}

func Load(log *logger.Logger) Config {
	return Config{
		HTTPAddr:  utils.GetEnv("HTTP_ADDR", ":8080", log),
		RedisAddr: utils.GetEnv("REDIS_ADDR", "localhost:6379", log),
		JWTSecret: utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		LogMode:   utils.GetEnv("LOG_MODE", "development", log),

		ReplicaID:       utils.GetEnv("REPLICA_ID", "", log),
		SchedulerShards: utils.GetEnvAsInt("SCHEDULER_SHARDS", 1, log),

		HeartbeatInterval: utils.GetEnvAsDuration("T_HEARTBEAT", 10*time.Second, log),
		HeartbeatStale:    utils.GetEnvAsDuration("T_HEARTBEAT_STALE", 60*time.Second, log),
		TaskLease:         utils.GetEnvAsDuration("T_LEASE", 5*time.Minute, log),
		DispatchRetry:     utils.GetEnvAsDuration("T_DISPATCH_RETRY", 2*time.Second, log),
		DispatchDeadline:  utils.GetEnvAsDuration("T_DISPATCH_DEADLINE", 10*time.Minute, log),
		MaxRetries:        utils.GetEnvAsInt("MAX_RETRIES", 3, log),

		MaxSessionsPerWorker: utils.GetEnvAsInt("MAX_SESSIONS_PER_WORKER", 8, log),
		SessionIdleTimeout:   utils.GetEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Second, log),
		SessionMaxDuration:   utils.GetEnvAsDuration("SESSION_MAX_DURATION", 4*time.Hour, log),
		WorkerStale:          utils.GetEnvAsDuration("WORKER_STALE", 30*time.Second, log),

		RetentionInterval: utils.GetEnvAsDuration("RETENTION_INTERVAL", time.Hour, log),
		VariantTablePath:  utils.GetEnv("VARIANT_TABLE_PATH", "", log),

		OtelEnvironment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:         utils.GetEnv("SERVICE_VERSION", "dev", log),
	}
}
