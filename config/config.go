package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// ErrMissing marks a required setting that was not provided.
var ErrMissing = errors.New("missing required setting")

// AutoLanguage asks the speech model to detect the spoken language.
const AutoLanguage = "auto"

type Config struct {
	JobID         string
	VideoURL      string
	ModelSize     string
	Language      string
	WebhookURL    string
	WebhookSecret string

	R2Endpoint     string
	R2AccessKey    string
	R2SecretKey    string
	R2Bucket       string
	R2PublicURL    string
	R2Region       string
	R2UsePathStyle bool

	WorkDir            string
	YtDlpPath          string
	WhisperPath        string
	FFprobePath        string
	WhisperDevice      string
	WhisperComputeType string
	LogLevel           string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	DatabaseURL   string
}

// Load reads the job configuration from the environment. Values from file,
// when non-nil, are used wherever the matching variable is unset.
func Load(file *File) *Config {
	lookup := fileLookup(file)

	redisPrefix := getEnv("REDIS_PREFIX", lookup("REDIS_PREFIX", ""))

	return &Config{
		JobID:         getEnv("JOB_ID", lookup("JOB_ID", "")),
		VideoURL:      getEnv("VIDEO_URL", lookup("VIDEO_URL", "")),
		ModelSize:     getEnv("MODEL_SIZE", lookup("MODEL_SIZE", "medium")),
		Language:      getEnv("LANGUAGE", lookup("LANGUAGE", AutoLanguage)),
		WebhookURL:    getEnv("WEBHOOK_URL", lookup("WEBHOOK_URL", "")),
		WebhookSecret: getEnv("WEBHOOK_SECRET", lookup("WEBHOOK_SECRET", "")),

		R2Endpoint:     getEnv("R2_ENDPOINT", lookup("R2_ENDPOINT", "")),
		R2AccessKey:    getEnv("R2_ACCESS_KEY", lookup("R2_ACCESS_KEY", "")),
		R2SecretKey:    getEnv("R2_SECRET_KEY", lookup("R2_SECRET_KEY", "")),
		R2Bucket:       getEnv("R2_BUCKET", lookup("R2_BUCKET", "transcriptions")),
		R2PublicURL:    getEnv("R2_PUBLIC_URL", lookup("R2_PUBLIC_URL", "")),
		R2Region:       getEnv("R2_REGION", lookup("R2_REGION", "auto")),
		R2UsePathStyle: getEnvBool("R2_USE_PATH_STYLE", parseBool(lookup("R2_USE_PATH_STYLE", ""), true)),

		WorkDir:            getEnv("WORK_DIR", lookup("WORK_DIR", ".")),
		YtDlpPath:          getEnv("YTDLP_PATH", lookup("YTDLP_PATH", "yt-dlp")),
		WhisperPath:        getEnv("WHISPER_PATH", lookup("WHISPER_PATH", "whisper-ctranslate2")),
		FFprobePath:        getEnv("FFPROBE_PATH", lookup("FFPROBE_PATH", "ffprobe")),
		WhisperDevice:      getEnv("WHISPER_DEVICE", lookup("WHISPER_DEVICE", "cuda")),
		WhisperComputeType: getEnv("WHISPER_COMPUTE_TYPE", lookup("WHISPER_COMPUTE_TYPE", "float32")),
		LogLevel:           getEnv("LOG_LEVEL", lookup("LOG_LEVEL", "info")),

		RedisAddr:     getEnv("REDIS_ADDR", lookup("REDIS_ADDR", "")),
		RedisPassword: getEnv("REDIS_PASSWORD", lookup("REDIS_PASSWORD", "")),
		RedisDB:       getEnvInt("REDIS_DB", parseInt(lookup("REDIS_DB", ""), 0)),
		RedisPrefix:   redisPrefix,
		DatabaseURL:   databaseURL(lookup),
	}
}

// lib/pq accepts "key=value" connection strings, which avoids URI escaping
// issues for special characters in passwords.
func databaseURL(lookup func(key, fallback string) string) string {
	if v := getEnv("DATABASE_URL", lookup("DATABASE_URL", "")); v != "" {
		return v
	}
	dbHost := getEnv("DB_HOST", lookup("DB_HOST", ""))
	if dbHost == "" {
		return ""
	}
	dbPort := getEnv("DB_PORT", lookup("DB_PORT", "5432"))
	dbName := getEnv("DB_DATABASE", lookup("DB_DATABASE", "transcriptions"))
	dbUser := getEnv("DB_USERNAME", lookup("DB_USERNAME", "transcriptions"))
	dbPassword := getEnv("DB_PASSWORD", lookup("DB_PASSWORD", ""))
	dbSSLMode := getEnv("DB_SSLMODE", lookup("DB_SSLMODE", "disable"))

	if dbPassword != "" {
		return fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode,
	)
}

var safeJobID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks required settings and normalizes the language hint.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"JOB_ID", c.JobID},
		{"VIDEO_URL", c.VideoURL},
		{"R2_ENDPOINT", c.R2Endpoint},
		{"R2_ACCESS_KEY", c.R2AccessKey},
		{"R2_SECRET_KEY", c.R2SecretKey},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	if !safeJobID.MatchString(c.JobID) {
		return fmt.Errorf("invalid JOB_ID %q: must be usable as a file name", c.JobID)
	}

	lang, err := NormalizeLanguage(c.Language)
	if err != nil {
		return err
	}
	c.Language = lang
	return nil
}

// NormalizeLanguage maps a language hint onto the two-letter code the speech
// model expects. "auto" and the empty string both mean detection.
func NormalizeLanguage(hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" || strings.EqualFold(hint, AutoLanguage) {
		return AutoLanguage, nil
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return "", fmt.Errorf("invalid LANGUAGE %q: %w", hint, err)
	}
	base, _ := tag.Base()
	return base.String(), nil
}

// LanguageHint returns the language passed to the model, or "" for detection.
func (c *Config) LanguageHint() string {
	if c.Language == "" || c.Language == AutoLanguage {
		return ""
	}
	return c.Language
}

// LocalPath returns a file name inside the work directory.
func (c *Config) LocalPath(name string) string {
	return filepath.Join(c.WorkDir, name)
}

// ObjectKey namespaces an artifact name under the job prefix.
func (c *Config) ObjectKey(name string) string {
	return fmt.Sprintf("jobs/%s/%s", c.JobID, name)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		return parseInt(value, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		return parseBool(value, fallback)
	}
	return fallback
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	return fallback
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
