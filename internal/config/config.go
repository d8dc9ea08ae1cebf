// Package config loads and defaults the on-disk tcfs.yaml configuration:
// daemon, storage, secrets, sync, fuse, and the sync-engine knobs that
// drive chunk profiles, compression, KDF cost, and git/dotdir handling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tummycrypt/tcfs/internal/errs"
)

// Config is the full on-disk configuration document.
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Storage StorageConfig `yaml:"storage"`
	Secrets SecretsConfig `yaml:"secrets"`
	Sync    SyncConfig    `yaml:"sync"`
	Fuse    FuseConfig    `yaml:"fuse"`
	Engine  EngineConfig  `yaml:"engine"`
	Audit   AuditConfig   `yaml:"audit"`
}

// DaemonConfig controls the long-running daemon process, out of the core's
// scope but carried here as ambient configuration surface.
type DaemonConfig struct {
	Socket      string `yaml:"socket"`
	Listen      string `yaml:"listen,omitempty"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// StorageConfig points at the S3-compatible object store. Provider, when
// set, names a preset from internal/s3.KnownProviders (aws, minio, wasabi,
// hetzner, ...); Endpoint/Region/PathStyle fill in around it, left blank
// to take the preset's defaults.
type StorageConfig struct {
	Provider        string `yaml:"provider,omitempty"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	AccessKey       string `yaml:"access_key,omitempty"`
	SecretKey       string `yaml:"secret_key,omitempty"`
	PathStyle       bool   `yaml:"path_style"`
}

// SecretsConfig locates the secret-file propagator's credential sources.
type SecretsConfig struct {
	AgeIdentity string `yaml:"age_identity,omitempty"`
	KDBXPath    string `yaml:"kdbx_path,omitempty"`
	SopsDir     string `yaml:"sops_dir,omitempty"`
}

// SyncConfig controls the event bus and state cache.
type SyncConfig struct {
	NATSURL    string `yaml:"nats_url"`
	StateDB    string `yaml:"state_db"`
	Workers    int    `yaml:"workers"`
	MaxRetries int    `yaml:"max_retries"`
}

// FuseConfig controls the (out-of-core) presentation layer's local cache.
type FuseConfig struct {
	NegativeCacheTTLSecs uint64 `yaml:"negative_cache_ttl_secs"`
	CacheDir             string `yaml:"cache_dir"`
	CacheMaxMB           uint64 `yaml:"cache_max_mb"`
}

// ChunkProfile is a {min, avg, max} byte triple for FastCDC.
type ChunkProfile struct {
	Min int `yaml:"min"`
	Avg int `yaml:"avg"`
	Max int `yaml:"max"`
}

// EngineConfig holds the sync engine's own tunables, per the external
// interfaces contract: chunk profiles, compression, KDF cost, device
// identity, and directory-collection policy.
type EngineConfig struct {
	ChunkProfileByExt map[string]ChunkProfile `yaml:"chunk_profile_by_ext"`
	FrameSize         int                     `yaml:"frame_size"`
	ZstdLevel         int                     `yaml:"zstd_level"`
	KDFMemCostKiB     uint32                  `yaml:"kdf_mem_cost_kib"`
	KDFTimeCost       uint32                  `yaml:"kdf_time_cost"`
	KDFParallelism    uint8                   `yaml:"kdf_parallelism"`
	DeviceID          string                  `yaml:"device_id"`
	SyncGitDirs       bool                    `yaml:"sync_git_dirs"`
	GitSyncMode       string                  `yaml:"git_sync_mode"`
	SyncHiddenDirs    bool                    `yaml:"sync_hidden_dirs"`
	ExcludePatterns   []string                `yaml:"exclude_patterns"`
}

// AuditConfig controls where push/pull/conflict/key-rotation audit
// events are written, and how they're batched before a sink write.
type AuditConfig struct {
	Enabled             bool          `yaml:"enabled"`
	SinkType            string        `yaml:"sink_type"` // "stdout", "file", "http"
	SinkFilePath        string        `yaml:"sink_file_path,omitempty"`
	SinkEndpoint        string        `yaml:"sink_endpoint,omitempty"`
	MaxEvents           int           `yaml:"max_events"`
	BatchSize           int           `yaml:"batch_size,omitempty"`
	FlushInterval       time.Duration `yaml:"flush_interval,omitempty"`
	RetryCount          int           `yaml:"retry_count,omitempty"`
	RetryBackoff        time.Duration `yaml:"retry_backoff,omitempty"`
	RedactMetadataKeys  []string      `yaml:"redact_metadata_keys,omitempty"`
}

// Default returns a Config populated with the same defaults as the
// original TOML-era configuration.
func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			Socket:      "/run/tcfsd/tcfsd.sock",
			MetricsAddr: "127.0.0.1:9100",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Storage: StorageConfig{
			Endpoint: "http://localhost:8333",
			Region:   "us-east-1",
			Bucket:   "tcfs",
		},
		Secrets: SecretsConfig{},
		Sync: SyncConfig{
			NATSURL:    "nats://localhost:4222",
			StateDB:    "~/.local/share/tcfsd/state.db",
			Workers:    0,
			MaxRetries: 3,
		},
		Fuse: FuseConfig{
			NegativeCacheTTLSecs: 30,
			CacheDir:             "~/.cache/tcfs",
			CacheMaxMB:           10240,
		},
		Engine: EngineConfig{
			ChunkProfileByExt: map[string]ChunkProfile{
				"pack": {Min: 32768, Avg: 65536, Max: 262144},
				"bin":  {Min: 32768, Avg: 65536, Max: 262144},
				"iso":  {Min: 32768, Avg: 65536, Max: 262144},
				"img":  {Min: 32768, Avg: 65536, Max: 262144},
			},
			FrameSize:       1024 * 1024,
			ZstdLevel:       3,
			KDFMemCostKiB:   65536,
			KDFTimeCost:     3,
			KDFParallelism:  4,
			SyncGitDirs:     false,
			GitSyncMode:     "bundle",
			SyncHiddenDirs:  false,
			ExcludePatterns: nil,
		},
		Audit: AuditConfig{
			Enabled:       true,
			SinkType:      "stdout",
			MaxEvents:     1000,
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
			RetryCount:    3,
			RetryBackoff:  500 * time.Millisecond,
		},
	}
}

// Load reads and parses a tcfs.yaml document, filling any field the file
// omits with Default()'s value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading config %s: %v", errs.ErrIO, path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing config %s: %v", errs.ErrParse, path, err)
	}

	return cfg, nil
}
