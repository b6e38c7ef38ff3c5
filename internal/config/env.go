package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Env holds the environment variables recognized by the core. The
// struct-tag `env:"..." envDefault:"..."` idiom mirrors wisbric/core's
// BaseConfig.
type Env struct {
	ConfigPath           string `env:"CAMPERS_CONFIG" envDefault:"./campers.yaml"`
	CampersDir           string `env:"CAMPERS_DIR"`
	TestMode             bool   `env:"CAMPERS_TEST_MODE" envDefault:"false"`
	DisableMutagen       bool   `env:"CAMPERS_DISABLE_MUTAGEN" envDefault:"false"`
	ForceSignalExit      bool   `env:"CAMPERS_FORCE_SIGNAL_EXIT" envDefault:"false"`
	SkipSSHConnection    bool   `env:"CAMPERS_SKIP_SSH_CONNECTION" envDefault:"false"`
	MutagenNotInstalled  bool   `env:"CAMPERS_MUTAGEN_NOT_INSTALLED" envDefault:"false"`
	SyncTimeoutSeconds   int    `env:"CAMPERS_SYNC_TIMEOUT" envDefault:"300"`
}

// LoadEnv parses the process environment into an Env, then fills CampersDir
// with the documented default (~/.campers) when unset.
func LoadEnv() (*Env, error) {
	cfg := &Env{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.CampersDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.CampersDir = filepath.Join(home, ".campers")
	}
	return cfg, nil
}

// KeysDir is $CAMPERS_DIR/keys, mode 0700, holding private PEMs mode 0600.
func (e *Env) KeysDir() string { return filepath.Join(e.CampersDir, "keys") }

// SessionsDir is $CAMPERS_DIR/sessions, holding one JSON file per camp.
func (e *Env) SessionsDir() string { return filepath.Join(e.CampersDir, "sessions") }

// LogsDir is $CAMPERS_DIR/logs.
func (e *Env) LogsDir() string { return filepath.Join(e.CampersDir, "logs") }
