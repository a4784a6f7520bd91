// Package config loads the ambient configuration shared by the TA-facing
// components: cache capacities, the persistent-storage location, and the
// module-info list attested once per boot.
package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/creasty/defaults"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/siros-tee/authcore/pkg/logger"
)

// ModuleInfo names one attested software module (name, version) fed to
// keymint.ModuleInfoRegistry.SetOnce once per boot.
type ModuleInfo struct {
	Name    string `yaml:"name"`
	Version int64  `yaml:"version"`
}

// Cfg is the root configuration. Every cache-capacity field mirrors a
// "declared capacity" the spec requires; all allocations past it fail or
// evict, never grow unbounded.
type Cfg struct {
	AuthMgr struct {
		AuthStartedCapacity       int `yaml:"auth_started_capacity" default:"6"`
		AuthenticatedCapacity     int `yaml:"authenticated_capacity" default:"6"`
		PendingClientCapacityPerPvm int `yaml:"pending_client_capacity_per_pvm" default:"8"`
	} `yaml:"authmgr"`

	Secretkeeper struct {
		MaxSessions int `yaml:"max_sessions" default:"4"`
	} `yaml:"secretkeeper"`

	Storage struct {
		// Path points at the persistent-storage collaborator's backing
		// location. The collaborator itself is out of scope for the
		// core (§1); this is only where to find it.
		Path string `yaml:"path" default:"/data/authcore"`
	} `yaml:"storage"`

	ModuleInfo []ModuleInfo `yaml:"module_info"`
}

type envVars struct {
	ConfigYAML string `envconfig:"AUTHCORE_CONFIG_YAML" required:"true"`
}

// New reads the path to a YAML config file from the AUTHCORE_CONFIG_YAML
// environment variable, seeds struct defaults, then unmarshals the file
// over them.
func New(ctx context.Context) (*Cfg, error) {
	log := logger.NewSimple("config")
	log.Info("reading environment variable")

	env := envVars{}
	if err := envconfig.Process("", &env); err != nil {
		return nil, err
	}

	cfg := &Cfg{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}

	configFile, err := os.ReadFile(filepath.Clean(env.ConfigYAML))
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(env.ConfigYAML)
	if err != nil {
		return nil, err
	}
	if fileInfo.IsDir() {
		return nil, errors.New("config path is a directory")
	}

	if err := yaml.Unmarshal(configFile, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
