package main

import (
	"fmt"

	"github.com/caarlos0/env/v7"
)

// environment contains the settings that come from the process
// environment: secrets, endpoint overrides, and paths. Everything that is
// neither secret nor deployment-specific lives in the YAML configuration
// instead.
type environment struct {
	APIKey string `env:"SB_API_KEY,notEmpty"`
	AppVer string `env:"SB_APP_VER" envDefault:"1.0"`

	ConfPath   string `env:"CONFIG_PATH" envDefault:"./sblistd.yaml"`
	DBPath     string `env:"SB_DB_PATH" envDefault:"./sblist.db"`
	MacKeyPath string `env:"SB_MAC_KEY_PATH" envDefault:"./sblist-mac.key"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8081"`

	UpdateURL  string `env:"SB_UPDATE_URL"`
	GetHashURL string `env:"SB_GETHASH_URL"`
	KeyURL     string `env:"SB_NEWKEY_URL"`

	LogVerbose bool `env:"VERBOSE" envDefault:"0"`
}

// readEnvs reads the configuration from the environment.
func readEnvs() (envs *environment, err error) {
	envs = &environment{}
	err = env.Parse(envs)
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return envs, nil
}
