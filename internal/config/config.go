// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config
//
// Process settings read from the environment once at startup and treated
// as read-only afterwards. A .env file in the working directory is loaded
// first; variables already set in the environment win.
type Config struct {

	// ---------------------------
	// Pipeline
	// ---------------------------

	DSN         string   // endpoint descriptor (CRASHRELAY_DSN)
	Release     string   // release tag attached to every event
	AppPackages []string // package prefixes that count as application code

	Workers  int // delivery goroutines
	JobQueue int // buffered submissions before falling back to the queue

	// ---------------------------
	// Pending queue storage
	// ---------------------------

	QueueBackend string // "file" | "s3" | "memory"
	QueuePath    string // file backend location

	AWSRegion string
	S3Bucket  string
	S3Key     string
	S3Timeout time.Duration // per PutObject/GetObject attempt
	S3Retries int

	// ---------------------------
	// Development sink
	// ---------------------------

	SinkAddr    string
	MaxBodySize int64

	// ---------------------------
	// Logging / identity
	// ---------------------------

	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32
	ServiceName string
	InstanceID  string // hostname, random hex as fallback; also the event server_name
}

// Load
//
// Reads every setting. Malformed numbers and durations stop the process
// (fail-fast); missing optional values take their defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DSN:         os.Getenv("CRASHRELAY_DSN"),
		Release:     os.Getenv("CRASHRELAY_RELEASE"),
		AppPackages: list("CRASHRELAY_APP_PACKAGES"),

		Workers:  intOr("CRASHRELAY_WORKERS", 2),
		JobQueue: intOr("CRASHRELAY_JOB_QUEUE", 64),

		QueueBackend: strings.ToLower(or("CRASHRELAY_QUEUE_BACKEND", "file")),
		QueuePath:    or("CRASHRELAY_QUEUE_PATH", defaultQueuePath()),

		AWSRegion: os.Getenv("AWS_REGION"),
		S3Bucket:  os.Getenv("CRASHRELAY_S3_BUCKET"),
		S3Key:     or("CRASHRELAY_S3_KEY", "crashrelay/unsent_requests"),
		S3Timeout: durOr("CRASHRELAY_S3_TIMEOUT", 5*time.Second),
		S3Retries: intOr("CRASHRELAY_S3_RETRIES", 3),

		SinkAddr:    or("CRASHRELAY_SINK_ADDR", ":9000"),
		MaxBodySize: int64Or("CRASHRELAY_MAX_BODY_SIZE", 1<<20),

		LogLevel:    or("LOG_LEVEL", "info"),
		LogPretty:   boolOr("LOG_PRETTY", false),
		LogSampleN:  uint32(intOr("LOG_SAMPLE_N", 0)),
		ServiceName: or("SERVICE_NAME", "crashrelay"),
		InstanceID:  or("INSTANCE_ID", fallbackInstanceID()),
	}
}

func or(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func list(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func int64Or(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func durOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func boolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

// defaultQueuePath
//
// <user cache dir>/crashrelay/unsent_requests, or the temp dir when the
// cache dir is unknown.
func defaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "crashrelay", "unsent_requests")
}

// fallbackInstanceID
//
//   - hostname
//   - fallback: 12 random hex characters
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
