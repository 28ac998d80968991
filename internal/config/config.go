package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env  string
	Port int

	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminAddr     string
	JWTSecret     string
	AdminJWTSecret string

	JWTAccessTTLMinutes int
	JWTRefreshTTLDays   int

	AdminEmail    string
	AdminPassword string
	AdminName     string
	AdminRole     string

	// Manager/Dispatcher tuning.
	PollInterval              time.Duration
	DueCandidateBatchSize     int
	MaxActiveDispatchers      int
	RecoverStuckJobsOnStartup bool
	StuckJobTimeout           time.Duration
	CleanupBatchSize          int
	MetadataRetention         time.Duration
	DeadLetterRetention       time.Duration
	ShutdownGrace             time.Duration
}

func Load() Config {
	env := getEnv("APP_ENV", "dev")
	port := getEnvInt("PORT", 8080)
	dbURL := buildDBURL()

	jwtSecret := getEnv("JWT_SECRET", "dev-secret-change-me")

	return Config{
		Env:   env,
		Port:  port,
		DBURL: dbURL,

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AdminAddr:      getEnv("ADMIN_ADDR", ":8081"),
		JWTSecret:      jwtSecret,
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", jwtSecret),

		JWTAccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 60),
		JWTRefreshTTLDays:   getEnvInt("JWT_REFRESH_TTL_DAYS", 30),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		AdminName:     getEnv("ADMIN_NAME", "Scheduler Admin"),
		AdminRole:     getEnv("ADMIN_ROLE", "admin"),

		PollInterval:              getEnvDuration("MANAGER_POLL_INTERVAL", 5*time.Second),
		DueCandidateBatchSize:     getEnvInt("MANAGER_DUE_BATCH_SIZE", 100),
		MaxActiveDispatchers:      getEnvInt("DISPATCHER_MAX_ACTIVE", 8),
		RecoverStuckJobsOnStartup: getEnvBool("RECOVER_STUCK_JOBS_ON_STARTUP", true),
		StuckJobTimeout:           getEnvDuration("STUCK_JOB_TIMEOUT", 30*time.Minute),
		CleanupBatchSize:          getEnvInt("CLEANUP_BATCH_SIZE", 1000),
		MetadataRetention:         getEnvDuration("METADATA_RETENTION", 30*24*time.Hour),
		DeadLetterRetention:       getEnvDuration("DEAD_LETTER_RETENTION", 90*24*time.Hour),
		ShutdownGrace:             getEnvDuration("SCHEDULER_SHUTDOWN_GRACE", 30*time.Second),
	}
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "manifold")
	pass := getEnv("DB_PASSWORD", "manifold")
	name := getEnv("DB_NAME", "manifold")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return d
	}
	return fallback
}
