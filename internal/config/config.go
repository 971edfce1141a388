package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Gemini   GeminiConfig
	Facebook FacebookConfig
	Storage  StorageConfig
	Matching MatchingConfig
	Pipeline PipelineConfig
	Qdrant   QdrantConfig
	Security SecurityConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	// PublicBaseURL is the externally reachable base URL used to build
	// product image links sent back to customers.
	PublicBaseURL string
}

type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	VisionModel string
	EmbedModel  string
	Timeout     time.Duration
}

type FacebookConfig struct {
	VerifyToken  string
	AppSecret    string
	GraphBaseURL string
	SendTimeout  time.Duration
}

type StorageConfig struct {
	DataDir string
}

// MatchingConfig holds the decision constants of the pipeline. These are the
// only tuning knobs of the matcher and must never be hardcoded at call sites.
type MatchingConfig struct {
	RetrievalFloor float64 // minimum cosine similarity for a candidate
	SoftMatchMin   int     // verification score at which a soft match begins
	ConfidentMin   int     // verification score at which a confident match begins
	VerifyTopK     int     // how many top candidates get visual verification
	EmbeddingDims  int
}

type PipelineConfig struct {
	EventTimeout  time.Duration // budget for one inbound image event
	FetchTimeout  time.Duration // budget for a single image download
	MaxImageBytes int64
}

// QdrantConfig selects the optional ANN retrieval backend. When Host is empty
// the SQLite brute-force index is used.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
}

type SecurityConfig struct {
	// EncryptionKey seals page access tokens at rest: 32 bytes, base64.
	EncryptionKey string
	// APIToken protects the management API (onboarding, products, users).
	APIToken string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:          4600,
			PublicBaseURL: "http://localhost:4600",
		},
		Gemini: GeminiConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta",
			VisionModel: "gemini-2.0-flash",
			EmbedModel:  "text-embedding-004",
			Timeout:     30 * time.Second,
		},
		Facebook: FacebookConfig{
			GraphBaseURL: "https://graph.facebook.com/v18.0",
			SendTimeout:  15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Matching: MatchingConfig{
			RetrievalFloor: 0.70,
			SoftMatchMin:   65,
			ConfidentMin:   85,
			VerifyTopK:     1,
			EmbeddingDims:  768,
		},
		Pipeline: PipelineConfig{
			EventTimeout:  120 * time.Second,
			FetchTimeout:  20 * time.Second,
			MaxImageBytes: 10 << 20,
		},
		Qdrant: QdrantConfig{
			Port:       6334,
			Collection: "products",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "omnivision-data"
		}
	}
	return filepath.Join(dir, "omnivision")
}

// Load reads configuration from an optional .env file in the working
// directory, then OMNI_* environment variables, over built-in defaults.
// Required secrets are validated before the config is returned.
func Load() (Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := defaults()
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "OMNI_PORT")
	setString(&cfg.Server.PublicBaseURL, "OMNI_PUBLIC_BASE_URL")

	setString(&cfg.Gemini.APIKey, "OMNI_GEMINI_API_KEY")
	setString(&cfg.Gemini.BaseURL, "OMNI_GEMINI_BASE_URL")
	setString(&cfg.Gemini.VisionModel, "OMNI_GEMINI_VISION_MODEL")
	setString(&cfg.Gemini.EmbedModel, "OMNI_GEMINI_EMBED_MODEL")
	setDuration(&cfg.Gemini.Timeout, "OMNI_GEMINI_TIMEOUT")

	setString(&cfg.Facebook.VerifyToken, "OMNI_FB_VERIFY_TOKEN")
	setString(&cfg.Facebook.AppSecret, "OMNI_FB_APP_SECRET")
	setString(&cfg.Facebook.GraphBaseURL, "OMNI_FB_GRAPH_BASE_URL")
	setDuration(&cfg.Facebook.SendTimeout, "OMNI_FB_SEND_TIMEOUT")

	setString(&cfg.Storage.DataDir, "OMNI_DATA_DIR")

	setFloat(&cfg.Matching.RetrievalFloor, "OMNI_RETRIEVAL_FLOOR")
	setInt(&cfg.Matching.SoftMatchMin, "OMNI_SOFT_MATCH_MIN")
	setInt(&cfg.Matching.ConfidentMin, "OMNI_CONFIDENT_MIN")
	setInt(&cfg.Matching.VerifyTopK, "OMNI_VERIFY_TOP_K")
	setInt(&cfg.Matching.EmbeddingDims, "OMNI_EMBEDDING_DIMS")

	setDuration(&cfg.Pipeline.EventTimeout, "OMNI_EVENT_TIMEOUT")
	setDuration(&cfg.Pipeline.FetchTimeout, "OMNI_FETCH_TIMEOUT")

	setString(&cfg.Qdrant.Host, "OMNI_QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "OMNI_QDRANT_PORT")
	setString(&cfg.Qdrant.Collection, "OMNI_QDRANT_COLLECTION")

	setString(&cfg.Security.EncryptionKey, "OMNI_ENCRYPTION_KEY")
	setString(&cfg.Security.APIToken, "OMNI_API_TOKEN")

	setString(&cfg.Log.Level, "OMNI_LOG_LEVEL")
}

func validate(cfg Config) error {
	if cfg.Gemini.APIKey == "" {
		return fmt.Errorf("missing required config: Gemini API key (OMNI_GEMINI_API_KEY)")
	}
	if cfg.Facebook.VerifyToken == "" {
		return fmt.Errorf("missing required config: webhook verify token (OMNI_FB_VERIFY_TOKEN)")
	}
	if cfg.Security.APIToken == "" {
		return fmt.Errorf("missing required config: management API token (OMNI_API_TOKEN)")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.Security.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 base64-encoded bytes (OMNI_ENCRYPTION_KEY)")
	}
	if cfg.Matching.SoftMatchMin >= cfg.Matching.ConfidentMin {
		return fmt.Errorf("soft-match threshold %d must be below confident threshold %d",
			cfg.Matching.SoftMatchMin, cfg.Matching.ConfidentMin)
	}
	if cfg.Matching.RetrievalFloor < 0 || cfg.Matching.RetrievalFloor > 1 {
		return fmt.Errorf("retrieval floor %g must be in [0,1]", cfg.Matching.RetrievalFloor)
	}
	if cfg.Matching.VerifyTopK < 1 {
		return fmt.Errorf("verify top-K must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
