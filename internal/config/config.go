package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type Config struct {
	ServerAddr    string
	PublicBaseURL string
	LogLevel      string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL  string
	JWTSecret string

	DownloadsDir     string
	MinRealFileBytes int64
	MinFreeDiskBytes int64

	// Queue and worker pool
	WorkerCount     int
	JobRateLimit    float64
	JobMaxAttempts  int
	JobBackoff      time.Duration
	JobTimeout      time.Duration
	SubmitPerMinute int

	// Acquisition
	UserAgent           string
	ProbeTimeout        time.Duration
	Aria2cPath          string
	FetchSegments       int
	FetchMinSplit       string
	FetchMaxTries       int
	FetchRetryWait      int
	FetchTimeout        int
	FetchConnectTimeout int
	ContentProbeEnabled bool
	BrowserEnabled      bool
	BrowserWait         time.Duration
	BrowserBlockHosts   []string

	// BitTorrent daemon (qBittorrent Web API)
	QbtURL              string
	QbtUsername         string
	QbtPassword         string
	TorrentPollInterval time.Duration
	TorrentStallTimeout time.Duration

	// Progress publishing
	ProgressTTL               time.Duration
	ProgressEphemeralInterval time.Duration
	ProgressDurableInterval   time.Duration

	// Artifact mirror: "none", "minio" or "s3"
	ArtifactMirror string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
}

func Load() *Config {
	return &Config{
		ServerAddr:    getEnvOrDefault("SERVER_ADDR", ":8080"),
		PublicBaseURL: strings.TrimSuffix(getEnvOrDefault("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),

		DBHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("DB_PORT", "5432"),
		DBUser:     getEnvOrDefault("DB_USER", "gatedl"),
		DBPassword: getEnvOrDefault("DB_PASSWORD", "gatedl_dev_password"),
		DBName:     getEnvOrDefault("DB_NAME", "gatedl"),

		RedisURL:  getEnvOrDefault("REDIS_URL", "redis://localhost:6380"),
		JWTSecret: getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),

		DownloadsDir:     getEnvOrDefault("DOWNLOADS_DIR", "/downloads"),
		MinRealFileBytes: getEnvInt64("MIN_REAL_FILE_BYTES", 5*1024*1024),
		MinFreeDiskBytes: getEnvInt64("MIN_FREE_DISK_BYTES", 1<<30),

		WorkerCount:     getEnvInt("WORKER_COUNT", 3),
		JobRateLimit:    float64(getEnvInt("JOB_RATE_LIMIT", 10)),
		JobMaxAttempts:  getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoff:      getEnvDuration("JOB_BACKOFF", 2*time.Second),
		JobTimeout:      getEnvDuration("JOB_TIMEOUT", 2*time.Hour),
		SubmitPerMinute: getEnvInt("SUBMIT_RATE_PER_MINUTE", 10),

		UserAgent:           getEnvOrDefault("USER_AGENT", defaultUserAgent),
		ProbeTimeout:        getEnvDuration("PROBE_TIMEOUT", 10*time.Second),
		Aria2cPath:          getEnvOrDefault("ARIA2C_PATH", "aria2c"),
		FetchSegments:       getEnvInt("FETCH_SEGMENTS", 16),
		FetchMinSplit:       getEnvOrDefault("FETCH_MIN_SPLIT", "1M"),
		FetchMaxTries:       getEnvInt("FETCH_MAX_TRIES", 5),
		FetchRetryWait:      getEnvInt("FETCH_RETRY_WAIT", 10),
		FetchTimeout:        getEnvInt("FETCH_TIMEOUT", 60),
		FetchConnectTimeout: getEnvInt("FETCH_CONNECT_TIMEOUT", 30),
		ContentProbeEnabled: getEnvBool("CONTENT_PROBE_ENABLED", true),
		BrowserEnabled:      getEnvBool("BROWSER_ENABLED", true),
		BrowserWait:         getEnvDuration("BROWSER_WAIT", 30*time.Second),
		BrowserBlockHosts:   getEnvList("BROWSER_BLOCK_HOSTS", nil),

		QbtURL:              strings.TrimSuffix(getEnvOrDefault("QBT_URL", "http://localhost:8081"), "/"),
		QbtUsername:         getEnvOrDefault("QBT_USERNAME", "admin"),
		QbtPassword:         getEnvOrDefault("QBT_PASSWORD", "adminadmin"),
		TorrentPollInterval: getEnvDuration("TORRENT_POLL_INTERVAL", 2*time.Second),
		TorrentStallTimeout: getEnvDuration("TORRENT_STALL_TIMEOUT", 30*time.Minute),

		ProgressTTL:               getEnvDuration("PROGRESS_TTL", 300*time.Second),
		ProgressEphemeralInterval: getEnvDuration("PROGRESS_EPHEMERAL_INTERVAL", time.Second),
		ProgressDurableInterval:   getEnvDuration("PROGRESS_DURABLE_INTERVAL", 5*time.Second),

		ArtifactMirror: strings.ToLower(getEnvOrDefault("ARTIFACT_MIRROR", "none")),

		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "artifacts"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		S3Endpoint:     getEnvOrDefault("S3_ENDPOINT", ""),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKey:    getEnvOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnvOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:       getEnvOrDefault("S3_BUCKET", "artifacts"),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", true),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnvOrDefault(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getEnvInt64(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(getEnvOrDefault(key, ""), 10, 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
