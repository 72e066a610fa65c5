// Package config provides a reusable loader for account-engine configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shardchain/accountengine/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for one AccountEngine instance. It
// mirrors the structure of the YAML files under cmd/accountengine/config.
// There is deliberately no package-level singleton: Load returns a Config
// value and callers thread it through their own composition root.
type Config struct {
	Storage struct {
		DataDir          string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
		ArchivalMode     bool   `mapstructure:"archival_mode" json:"archival_mode" yaml:"archival_mode"`
		SnapshotInterval int    `mapstructure:"snapshot_interval" json:"snapshot_interval" yaml:"snapshot_interval"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Gas struct {
		ContractCreateGas      uint64 `mapstructure:"contract_create_gas" json:"contract_create_gas" yaml:"contract_create_gas"`
		ContractInvokeGas      uint64 `mapstructure:"contract_invoke_gas" json:"contract_invoke_gas" yaml:"contract_invoke_gas"`
		ScillaCheckerInvokeGas uint64 `mapstructure:"scilla_checker_invoke_gas" json:"scilla_checker_invoke_gas" yaml:"scilla_checker_invoke_gas"`
		ScillaRunnerInvokeGas  uint64 `mapstructure:"scilla_runner_invoke_gas" json:"scilla_runner_invoke_gas" yaml:"scilla_runner_invoke_gas"`
		ScillaLibInvokeGas     uint64 `mapstructure:"scilla_lib_invoke_gas" json:"scilla_lib_invoke_gas" yaml:"scilla_lib_invoke_gas"`
		MaxContractEdges       int    `mapstructure:"max_contract_edges" json:"max_contract_edges" yaml:"max_contract_edges"`
	} `mapstructure:"gas" json:"gas" yaml:"gas"`

	Interpreter struct {
		SocketPath        string `mapstructure:"socket_path" json:"socket_path" yaml:"socket_path"`
		MultiVersion      bool   `mapstructure:"multi_version" json:"multi_version" yaml:"multi_version"`
		MaxReconnectTries int    `mapstructure:"max_reconnect_tries" json:"max_reconnect_tries" yaml:"max_reconnect_tries"`
		CallTimeoutMS     int    `mapstructure:"call_timeout_ms" json:"call_timeout_ms" yaml:"call_timeout_ms"`
	} `mapstructure:"interpreter" json:"interpreter" yaml:"interpreter"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// Load reads configuration files and merges any environment specific
// overrides, returning a fresh Config value.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// .env is optional local developer convenience; a missing file is
	// not an error, it just means nothing to layer in.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("default")
	v.AddConfigPath("cmd/accountengine/config")
	v.AddConfigPath("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the ACCOUNTENGINE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ACCOUNTENGINE_ENV", ""))
}

// ToYAML renders the resolved configuration back to YAML, for an
// operator inspecting the effective settings after env/file merging.
func (c *Config) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, utils.Wrap(err, "marshal config")
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.archival_mode", false)
	v.SetDefault("storage.snapshot_interval", 1000)

	v.SetDefault("gas.contract_create_gas", 50)
	v.SetDefault("gas.contract_invoke_gas", 10)
	v.SetDefault("gas.scilla_checker_invoke_gas", 100)
	v.SetDefault("gas.scilla_runner_invoke_gas", 300)
	v.SetDefault("gas.scilla_lib_invoke_gas", 50)
	v.SetDefault("gas.max_contract_edges", 256)

	v.SetDefault("interpreter.socket_path", "/tmp/scilla-ipc.sock")
	v.SetDefault("interpreter.multi_version", true)
	v.SetDefault("interpreter.max_reconnect_tries", 3)
	v.SetDefault("interpreter.call_timeout_ms", 10_000)

	v.SetDefault("logging.level", "info")
}
