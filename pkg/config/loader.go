package config

import (
	"strconv"
	"time"
)

func loadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:      getEnv("HTTP_PORT", "8080"),
		APISecret: getEnv("API_SECRET", ""),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	maxOpen, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "10"))
	maxLifetime, err := time.ParseDuration(getEnv("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		maxLifetime = time.Hour
	}
	maxIdleTime, err := time.ParseDuration(getEnv("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		maxIdleTime = 15 * time.Minute
	}

	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnv("DB_USER", "devstream"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "devstream"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}
}

func loadStreamConfig() StreamConfig {
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		db = 0
	}
	return StreamConfig{
		Addr:         getEnv("REDIS_URL", "localhost:6379"),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           db,
		StreamKey:    getEnv("EVENTS_STREAM_KEY", "events"),
		ConsumerGrp:  getEnv("EVENTS_CONSUMER_GROUP", "devstream-dispatch"),
		ConsumerName: getEnv("EVENTS_CONSUMER_NAME", hostnameOrDefault()),
	}
}

func loadObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Endpoint:  getEnv("OBJECT_STORE_ENDPOINT", ""),
		Region:    getEnv("OBJECT_STORE_REGION", "us-east-1"),
		Bucket:    getEnv("OBJECT_STORE_BUCKET", "devstream-transcripts"),
		AccessKey: getEnv("OBJECT_STORE_ACCESS_KEY", ""),
		SecretKey: getEnv("OBJECT_STORE_SECRET_KEY", ""),
	}
}

func loadSummaryConfig() SummaryConfig {
	enabled := getEnv("SUMMARY_ENABLED", "true") == "true"
	temp, err := strconv.ParseFloat(getEnv("SUMMARY_TEMPERATURE", "0.3"), 64)
	if err != nil {
		temp = 0.3
	}
	maxTokens, err := strconv.Atoi(getEnv("SUMMARY_MAX_OUTPUT_TOKENS", "300"))
	if err != nil {
		maxTokens = 300
	}
	timeout, err := time.ParseDuration(getEnv("SUMMARY_REQUEST_TIMEOUT", "30s"))
	if err != nil {
		timeout = 30 * time.Second
	}
	return SummaryConfig{
		Enabled:         enabled,
		APIKey:          getEnv("ANTHROPIC_API_KEY", ""),
		Model:           getEnv("SUMMARY_MODEL", "claude-haiku-4-5"),
		Temperature:     temp,
		MaxOutputTokens: maxTokens,
		RequestTimeout:  timeout,
	}
}

func loadPipelineConfig() PipelineConfig {
	maxConcurrent, err := strconv.Atoi(getEnv("PIPELINE_MAX_CONCURRENT", "3"))
	if err != nil {
		maxConcurrent = 3
	}
	maxDepth, err := strconv.Atoi(getEnv("PIPELINE_MAX_DEPTH", "50"))
	if err != nil {
		maxDepth = 50
	}
	return PipelineConfig{MaxConcurrent: maxConcurrent, MaxDepth: maxDepth}
}

func hostnameOrDefault() string {
	return getEnv("HOSTNAME", "devstream-consumer")
}
