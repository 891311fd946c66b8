package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gridspot/gridspot-backend/internal/storage"
	"gopkg.in/yaml.v3"
)

// RunnerSettings holds container runner specific configuration.
type RunnerSettings struct {
	DockerEndpoint string        `yaml:"docker_endpoint"`
	PullTimeout    time.Duration `yaml:"pull_timeout"`
	// RunTimeout bounds a single container run; zero means no limit.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// GPUDetectorSettings holds GPU detector specific configuration.
type GPUDetectorSettings struct {
	NvidiaSmiPath string `yaml:"nvidia_smi_path"`
}

// Config holds the application configuration for the provider agent.
type Config struct {
	ProviderID string `yaml:"provider_id"`
	LogLevel   string `yaml:"log_level"`

	OrchestratorURL string        `yaml:"orchestrator_url"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	WorkspaceDir      string `yaml:"workspace_dir"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`

	RunnerConfig      RunnerSettings      `yaml:"runner"`
	GPUDetectorConfig GPUDetectorSettings `yaml:"gpu_detector"`
	StorageConfig     storage.MinioConfig `yaml:"storage"`

	// ResultURLExpiry is how long a task's result download link stays valid.
	ResultURLExpiry time.Duration `yaml:"result_url_expiry"`
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist.
func LoadConfig(path string) (*Config, error) {
	hostname, _ := os.Hostname()
	defaultProviderID := "provider-" + hostname
	if defaultProviderID == "provider-" {
		defaultProviderID = "provider-unknown"
	}

	defaultConfig := &Config{
		ProviderID:        defaultProviderID,
		LogLevel:          "info",
		OrchestratorURL:   "http://localhost:8080",
		PollInterval:      5 * time.Second,
		RequestTimeout:    30 * time.Second,
		WorkspaceDir:      filepath.Join(os.TempDir(), "gridspot_tasks"),
		MaxConcurrentJobs: 1,
		RunnerConfig: RunnerSettings{
			DockerEndpoint: "unix:///var/run/docker.sock",
			PullTimeout:    10 * time.Minute,
			RunTimeout:     0,
		},
		GPUDetectorConfig: GPUDetectorSettings{
			NvidiaSmiPath: "nvidia-smi",
		},
		StorageConfig: storage.MinioConfig{
			Endpoint:        "localhost:9000",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			UseSSL:          false,
			Bucket:          "gridspot",
		},
		ResultURLExpiry: 7 * 24 * time.Hour,
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)
	return &cfg, nil
}

// applyDefaultsIfNotSet applies default values to cfg fields if they are zero-valued.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.ProviderID == "" {
		cfg.ProviderID = defaults.ProviderID
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.OrchestratorURL == "" {
		cfg.OrchestratorURL = defaults.OrchestratorURL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = defaults.WorkspaceDir
	}
	if cfg.MaxConcurrentJobs == 0 {
		cfg.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if cfg.RunnerConfig.DockerEndpoint == "" {
		cfg.RunnerConfig.DockerEndpoint = defaults.RunnerConfig.DockerEndpoint
	}
	if cfg.RunnerConfig.PullTimeout == 0 {
		cfg.RunnerConfig.PullTimeout = defaults.RunnerConfig.PullTimeout
	}
	if cfg.GPUDetectorConfig.NvidiaSmiPath == "" {
		cfg.GPUDetectorConfig.NvidiaSmiPath = defaults.GPUDetectorConfig.NvidiaSmiPath
	}
	if cfg.StorageConfig.Endpoint == "" {
		cfg.StorageConfig = defaults.StorageConfig
	}
	if cfg.ResultURLExpiry == 0 {
		cfg.ResultURLExpiry = defaults.ResultURLExpiry
	}
}
