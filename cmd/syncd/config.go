package main

import (
	"os"

	"github.com/docukit/syncd/pkg/server"
	"github.com/docukit/syncd/pkg/transport"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// RaftConfig configures the optional Raft-backed sequencer.
type RaftConfig struct {
	Enabled  bool   `yaml:"enabled"`
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`
}

// TokenIdentity is one entry of a static token table: spec.md §6.4's
// authenticate(token) -> {userId, context?}, made config-driven since
// token issuance itself is out of scope (spec.md §1).
type TokenIdentity struct {
	UserID  string `yaml:"userId"`
	Context any    `yaml:"context,omitempty"`
}

// Config is syncd's full runtime configuration: flags fill in
// everything except Tokens, which only a config file can supply.
type Config struct {
	ListenAddr       string                   `yaml:"listen"`
	HealthListenAddr string                   `yaml:"healthListen"`
	StorageDSN       string                   `yaml:"storageDsn"`
	SquashThreshold  int                      `yaml:"squashThreshold"`
	Raft             RaftConfig               `yaml:"raft"`
	Tokens           map[string]TokenIdentity `yaml:"tokens"`
}

func loadConfig(cmd *cobra.Command) (Config, error) {
	cfg := Config{}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.ListenAddr = flagOr(cmd, "listen", cfg.ListenAddr)
	cfg.HealthListenAddr = flagOr(cmd, "health-listen", cfg.HealthListenAddr)
	cfg.StorageDSN = flagOr(cmd, "storage-dsn", cfg.StorageDSN)

	if th, _ := cmd.Flags().GetInt("squash-threshold"); cmd.Flags().Changed("squash-threshold") || cfg.SquashThreshold == 0 {
		cfg.SquashThreshold = th
	}

	if raft, _ := cmd.Flags().GetBool("raft"); raft {
		cfg.Raft.Enabled = true
	}
	cfg.Raft.NodeID = flagOr(cmd, "node-id", cfg.Raft.NodeID)
	cfg.Raft.BindAddr = flagOr(cmd, "raft-bind", cfg.Raft.BindAddr)
	cfg.Raft.DataDir = flagOr(cmd, "data-dir", cfg.Raft.DataDir)

	return cfg, nil
}

func flagOr(cmd *cobra.Command, name, fallback string) string {
	if cmd.Flags().Changed(name) || fallback == "" {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return fallback
}

// authenticator builds a transport.Authenticator from the static token
// table. With no table configured, any non-empty token authenticates
// as a userId equal to the token itself — a development convenience,
// not a production auth mode.
func (c Config) authenticator() transport.Authenticator {
	return func(token string) (*transport.Identity, bool) {
		if token == "" {
			return nil, false
		}
		if len(c.Tokens) == 0 {
			return &transport.Identity{UserID: token}, true
		}
		ident, ok := c.Tokens[token]
		if !ok {
			return nil, false
		}
		return &transport.Identity{UserID: ident.UserID, Context: ident.Context}, true
	}
}

// authorizer returns nil: syncd ships with allow-all authorization
// (spec.md §4.8 step 1's default). Deployments that need per-request
// policy wire their own server.AuthorizeFunc by embedding pkg/server
// directly instead of running this binary.
func (c Config) authorizer() server.AuthorizeFunc {
	return nil
}
