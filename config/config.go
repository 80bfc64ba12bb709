package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AuthConfig holds the client-credentials used against the auth provider.
type AuthConfig struct {
	Domain       string `yaml:"domain"`
	TokenURI     string `yaml:"token_uri"` // overrides https://<domain>/oauth/token
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// S3Config describes the object store raw clips can be fetched from.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled reports whether clips are fetched from object storage.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

// ScheduleConfig drives the rolling-window scheduler.
type ScheduleConfig struct {
	Spec         string        `yaml:"spec"`   // cron expression with seconds
	Window       time.Duration `yaml:"window"` // length of each prepared range
	Lag          time.Duration `yaml:"lag"`    // distance between range end and now
	Environments []string      `yaml:"environments"`
	NamePrefix   string        `yaml:"name_prefix"`
	Rewrite      bool          `yaml:"rewrite"`
}

// Config contains all configuration for the application
type Config struct {
	Auth AuthConfig `yaml:"auth"`

	// Environment directory (GraphQL)
	HoneycombURI      string `yaml:"honeycomb_uri"`
	HoneycombAudience string `yaml:"honeycomb_audience"`

	// Clip metadata and HTTP download tier
	VideoStorageURL      string  `yaml:"video_storage_url"`
	VideoStorageAudience string  `yaml:"video_storage_audience"`
	VideoStoragePageSize int     `yaml:"video_storage_page_size"`
	VideoStorageRPS      float64 `yaml:"video_storage_rps"`

	// Streaming registrar
	StreamServiceURL      string `yaml:"stream_service_url"`
	StreamServiceAudience string `yaml:"stream_service_audience"`

	S3 S3Config `yaml:"s3"`

	// Filesystem layout
	VideoDirectory           string `yaml:"video_directory"`
	RawVideoStorageDirectory string `yaml:"raw_video_storage_directory"`
	PlaceholderImage         string `yaml:"placeholder_image"`

	// Media tooling
	FFmpegPath              string        `yaml:"ffmpeg_path"`
	FFprobePath             string        `yaml:"ffprobe_path"`
	ValidityReadTimeout     time.Duration `yaml:"validity_read_timeout"`
	ValidityRepeatThreshold int           `yaml:"validity_repeat_threshold"`

	// Worker concurrency; zero means one less than the available cores
	DownloadWorkers  int `yaml:"download_workers"`
	NormalizeWorkers int `yaml:"normalize_workers"`
	CopyWorkers      int `yaml:"copy_workers"`

	DatabasePath    string `yaml:"database_path"`
	MetricsTextfile string `yaml:"metrics_textfile"`
	ServerPort      string `yaml:"server_port"`
	LogLevel        string `yaml:"log_level"`

	Schedule ScheduleConfig `yaml:"schedule"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() Config {
	domain := getEnv("AUTH0_DOMAIN", "wildflowerschools.auth0.com")
	audience := getEnv("API_AUDIENCE", "wildflower-tech.org")

	return Config{
		Auth: AuthConfig{
			Domain:       getEnv("HONEYCOMB_DOMAIN", domain),
			TokenURI:     getEnv("HONEYCOMB_TOKEN_URI", ""),
			ClientID:     getEnv("HONEYCOMB_CLIENT_ID", getEnv("AUTH0_CLIENT_ID", "")),
			ClientSecret: getEnv("HONEYCOMB_CLIENT_SECRET", getEnv("AUTH0_CLIENT_SECRET", "")),
		},

		HoneycombURI:      getEnv("HONEYCOMB_URI", "https://honeycomb.api.wildflower-tech.org/graphql"),
		HoneycombAudience: getEnv("HONEYCOMB_AUDIENCE", audience),

		VideoStorageURL:      getEnv("VIDEO_STORAGE_URL", ""),
		VideoStorageAudience: getEnv("VIDEO_STORAGE_AUDIENCE", audience),
		VideoStoragePageSize: getEnvInt("VIDEO_STORAGE_PAGE_SIZE", 100),
		VideoStorageRPS:      getEnvFloat("VIDEO_STORAGE_RPS", 10),

		StreamServiceURL:      getEnv("VIDEO_STREAM_SERVICE_URI", ""),
		StreamServiceAudience: getEnv("VIDEO_STREAM_SERVICE_AUDIENCE", audience),

		S3: S3Config{
			Bucket:    getEnv("S3_BUCKET", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},

		VideoDirectory:           getEnv("VIDEO_DIRECTORY", ""),
		RawVideoStorageDirectory: getEnv("RAW_VIDEO_STORAGE_DIRECTORY", ""),
		PlaceholderImage:         getEnv("PLACEHOLDER_IMAGE", ""),

		FFmpegPath:              getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:             getEnv("FFPROBE_PATH", "ffprobe"),
		ValidityReadTimeout:     getEnvDuration("VALIDITY_READ_TIMEOUT", 30*time.Minute),
		ValidityRepeatThreshold: getEnvInt("VALIDITY_REPEAT_THRESHOLD", 30),

		DownloadWorkers:  getEnvInt("DOWNLOAD_WORKERS", 0),
		NormalizeWorkers: getEnvInt("NORMALIZE_WORKERS", 0),
		CopyWorkers:      getEnvInt("COPY_WORKERS", 20),

		DatabasePath:    getEnv("DATABASE_PATH", "./data/video-prepare.db"),
		MetricsTextfile: getEnv("METRICS_TEXTFILE", ""),
		ServerPort:      getEnv("SERVER_PORT", "3000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		Schedule: ScheduleConfig{
			Spec:         getEnv("SCHEDULE_SPEC", "0 */15 * * * *"),
			Window:       getEnvDuration("SCHEDULE_WINDOW", time.Hour),
			Lag:          getEnvDuration("SCHEDULE_LAG", 10*time.Minute),
			Environments: getEnvList("SCHEDULE_ENVIRONMENTS"),
			NamePrefix:   getEnv("SCHEDULE_NAME_PREFIX", "auto"),
			Rewrite:      getEnvBool("SCHEDULE_REWRITE", false),
		},
	}
}

// TokenEndpoint returns the client-credentials endpoint.
func (a AuthConfig) TokenEndpoint() string {
	if a.TokenURI != "" {
		return a.TokenURI
	}
	return "https://" + strings.TrimSuffix(a.Domain, "/") + "/oauth/token"
}

// getEnv returns environment variable or fallback value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("ignoring non-integer setting")
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("ignoring non-numeric setting")
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("ignoring malformed duration")
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnsurePaths creates the directories the configuration points at.
func EnsurePaths(cfg Config) error {
	if cfg.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return err
		}
	}
	if cfg.VideoDirectory != "" {
		if err := os.MkdirAll(cfg.VideoDirectory, 0o755); err != nil {
			return err
		}
	}
	return nil
}
