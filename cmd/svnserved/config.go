package main

import (
	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the subset of start's flags a --config file may set.
// Every field here is also a flag, per SPEC_FULL.md's ambient stack note:
// the file is sugar over the flag surface, never a separate source of
// truth, so it is parsed here in cmd/svnserved and never imported by
// internal/*.
type fileConfig struct {
	RepoRoot string `toml:"repo-root"`
	Addr     string `toml:"addr"`
	Prefix   string `toml:"prefix"`
	TLS      bool   `toml:"tls"`
	CertFile string `toml:"cert-file"`
	KeyFile  string `toml:"key-file"`
	Debug    bool   `toml:"debug"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}
