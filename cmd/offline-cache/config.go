package main

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest describes the worker version to install.
type Manifest struct {
	CacheName string   `yaml:"cacheName"`
	Scope     string   `yaml:"scope"`
	AllowList []string `yaml:"allowList"`
}

// Settings are the server settings, read from the environment.
// Flags override them.
type Settings struct {
	Port    int    `env:"OFFLINE_CACHE_PORT" envDefault:"8080"`
	Origin  string `env:"OFFLINE_CACHE_ORIGIN"`
	Host    string `env:"OFFLINE_CACHE_HOST"`
	DB      string `env:"OFFLINE_CACHE_DB" envDefault:"cache.db"`
	LogFile string `env:"OFFLINE_CACHE_LOG_FILE"`
}

func getSettings() (Settings, error) {
	var settings Settings
	if err := env.Parse(&settings); err != nil {
		return settings, errors.Wrap(err, "parse env")
	}
	return settings, nil
}

func getManifest(filename string) (Manifest, error) {
	var manifest Manifest
	if filename == "" {
		return manifest, nil
	}
	manifestBytes, err := os.ReadFile(filename)
	if err != nil {
		return manifest, errors.WithStack(err)
	}
	err = yaml.Unmarshal(manifestBytes, &manifest)
	return manifest, errors.Wrapf(err, "parse %s", filename)
}
