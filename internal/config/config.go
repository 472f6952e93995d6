package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for the ledger.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level,omitempty"` // debug, info, warn, error
	Database   DatabaseConfig   `toml:"database"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Leases     LeaseConfig      `toml:"leases"`
	Blobs      BlobConfig       `toml:"blobs"`
	Approvals  ApprovalConfig   `toml:"approvals"`
	Worker     WorkerConfig     `toml:"worker"`
	Collect    CollectConfig    `toml:"collect"`
}

// DatabaseConfig represents configuration for the ledger database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// VaultConfig represents configuration for the blob chunk backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig selects how blob chunks are sealed.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// LeaseConfig holds lease durations and retry budgets. Durations use
// time.ParseDuration syntax ("10m", "90s").
type LeaseConfig struct {
	ClientActionLease       string `toml:"client_action_lease"`
	FlowProcessingLease     string `toml:"flow_processing_lease"`
	FlowLease               string `toml:"flow_lease"`
	CronLease               string `toml:"cron_lease"`
	MaxClientActionLeases   int    `toml:"max_client_action_leases"`
	MaxFlowProcessingLeases int    `toml:"max_flow_processing_leases"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	ChunkSize int `toml:"chunk_size"` // bytes per vault chunk
}

// ApprovalConfig holds the approval policy per subject type.
type ApprovalConfig struct {
	MinGrantsClient       int    `toml:"min_grants_client"`
	MinGrantsHunt         int    `toml:"min_grants_hunt"`
	MinGrantsCronJob      int    `toml:"min_grants_cron_job"`
	SelfApprovalClient    bool   `toml:"self_approval_client"`
	SelfApprovalHunt      bool   `toml:"self_approval_hunt"`
	SelfApprovalCronJob   bool   `toml:"self_approval_cron_job"`
	DefaultExpiry         string `toml:"default_expiry"`
	RequireClientApproval bool   `toml:"require_client_approval"`
}

// WorkerConfig tunes the polling workers.
type WorkerConfig struct {
	PollInterval string `toml:"poll_interval"`
	BatchSize    int    `toml:"batch_size"`
	MetricsAddr  string `toml:"metrics_addr,omitempty"` // empty disables the /metrics endpoint
}

// CollectConfig tunes local directory collection.
type CollectConfig struct {
	MaxFileSize int64    `toml:"max_file_size"` // bytes; larger files get a stat entry only
	Ignore      []string `toml:"ignore,omitempty"`
}

// NewConfig creates a new Config rooted at baseDir with default settings:
// a SQLite database and a filesystem vault under baseDir, no encryption.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Vault: VaultConfig{
			Type:        "filesystem",
			Name:        "local",
			FSVaultRoot: filepath.Join(baseDir, "vault"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "ledger.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "ledger.key"),
		},
		Leases: LeaseConfig{
			ClientActionLease:       "10m",
			FlowProcessingLease:     "10m",
			FlowLease:               "10m",
			CronLease:               "10m",
			MaxClientActionLeases:   3,
			MaxFlowProcessingLeases: 3,
		},
		Blobs: BlobConfig{ChunkSize: 512 * 1024},
		Approvals: ApprovalConfig{
			MinGrantsClient:  1,
			MinGrantsHunt:    1,
			MinGrantsCronJob: 1,
			DefaultExpiry:    "672h",
		},
		Worker: WorkerConfig{
			PollInterval: "5s",
			BatchSize:    50,
		},
		Collect: CollectConfig{MaxFileSize: 64 << 20},
	}
}

// ParseDuration parses s, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
