// Package config loads engine configuration from flags and environment
// variables following a flag+env-with-default pattern, with an optional
// gopkg.in/yaml.v3 file overlaying the small set of rarely-changed tuning
// tables (LRC lengths, SR thresholds, gate thresholds). The bulk of
// runtime configuration stays env/flag, matching a long-running daemon.
// A .env file, loaded with github.com/joho/godotenv before flags are
// parsed, is the expected way to hand a developer's venue API keys and
// Mongo/S3 credentials to a local run without exporting them into the
// shell.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects the venue routing path.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
	ModeDry  Mode = "dry"
)

// Config holds all engine configuration.
type Config struct {
	Mode     Mode
	TestMode bool

	EngineStatePath string
	LogTradesPath   string
	LogMarkersPath  string
	LogCrashPath    string

	Bar1hBackfillEnabled  bool
	Bar15mBackfillEnabled bool
	HLEnable              bool

	WSPort int
	Host   string

	MongoURI string

	S3Bucket string
	S3Region string
	S3Prefix string

	Seed int64

	Tuning Tuning
}

// Tuning holds the rarely-changed numeric tables that may be overlaid from
// an optional YAML file.
type Tuning struct {
	LRC15mLen int `yaml:"lrc15mLen"`
	LRC1hLen  int `yaml:"lrc1hLen"`
	LRCDayLen int `yaml:"lrcDayLen"`

	MinRangeUsd          float64 `yaml:"minRangeUsd"`
	SRReferenceWindowUsd float64 `yaml:"srReferenceWindowUsd"`
	FlowHostileThreshold float64 `yaml:"flowHostileThreshold"`
	MaxImpactSpreadBps   float64 `yaml:"maxImpactSpreadBps"`
	MinEntryQuality      float64 `yaml:"minEntryQuality"`
}

// DefaultTuning mirrors the engine packages' own documented defaults.
func DefaultTuning() Tuning {
	return Tuning{
		LRC15mLen:            20,
		LRC1hLen:             96,
		LRCDayLen:            30,
		MinRangeUsd:          50,
		SRReferenceWindowUsd: 80,
		FlowHostileThreshold: 0.5,
		MaxImpactSpreadBps:   25,
		MinEntryQuality:      0.35,
	}
}

// Load parses flags and environment into a Config. Flags take precedence
// when explicitly set; otherwise each falls back to its env var, then its
// documented default.
func Load() *Config {
	// A missing .env is expected in production (real secrets come from the
	// environment); only a malformed one is worth a warning.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "config: .env: %v\n", err)
	}

	c := &Config{Tuning: DefaultTuning()}

	mode := flag.String("mode", envStr("MODE", string(ModeDry)), "venue routing mode: live|test|dry")
	testMode := flag.Bool("test-mode", envBool("TEST_MODE", false), "force TEST routing regardless of mode")

	flag.StringVar(&c.EngineStatePath, "engine-state-path", envStr("ENGINE_STATE_PATH", ""), "override engine state JSON path")
	flag.StringVar(&c.LogTradesPath, "log-trades-path", envStr("LOG_TRADES_PATH", "logs/trades.jsonl"), "trades JSONL log path")
	flag.StringVar(&c.LogMarkersPath, "log-markers-path", envStr("LOG_MARKERS_PATH", "logs/markers.jsonl"), "markers JSONL log path")
	flag.StringVar(&c.LogCrashPath, "log-crash-path", envStr("LOG_CRASH_PATH", "logs/crash.log"), "crash JSONL log path")

	flag.BoolVar(&c.Bar1hBackfillEnabled, "bar1h-backfill", envBool("BAR1H_BACKFILL_ENABLED", true), "enable 1h REST backfill")
	flag.BoolVar(&c.Bar15mBackfillEnabled, "bar15m-backfill", envBool("BAR15M_BACKFILL_ENABLED", true), "enable 15m REST backfill")
	flag.BoolVar(&c.HLEnable, "hl-enable", envBool("HL_ENABLE", true), "enable the Hyperliquid venue connection")

	flag.IntVar(&c.WSPort, "ws-port", envInt("WS_PORT", 8788), "dashboard WebSocket server port")
	flag.StringVar(&c.Host, "host", envStr("ENGINE_HOST", "0.0.0.0"), "listen host")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/hlperp"), "MongoDB connection URI for the analytics mirror")

	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for archive upload (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "hlperp"), "S3 key prefix for archived logs")

	flag.Int64Var(&c.Seed, "seed", envInt64("ENGINE_SEED", 0), "PRNG seed for dry-mode synthetic feed (0 = random)")

	tuningPath := flag.String("config", envStr("ENGINE_CONFIG_PATH", ""), "optional YAML file overlaying the tuning table")

	flag.Parse()

	c.Mode = Mode(*mode)
	c.TestMode = *testMode

	if c.EngineStatePath == "" {
		suffix := "LIVE"
		if c.Mode == ModeTest || c.TestMode {
			suffix = "TEST"
		}
		c.EngineStatePath = fmt.Sprintf("ws/engine_state.%s.json", suffix)
	}

	if *tuningPath != "" {
		if err := overlayTuning(*tuningPath, &c.Tuning); err != nil {
			fmt.Fprintf(os.Stderr, "config: tuning overlay %s: %v (keeping defaults)\n", *tuningPath, err)
		}
	}

	return c
}

// overlayTuning reads path as YAML and merges any present fields into t.
func overlayTuning(path string, t *Tuning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("parse tuning yaml: %w", err)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
