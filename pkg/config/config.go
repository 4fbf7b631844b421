/*
Copyright 2021 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config assembles krustlet's runtime Config record from the
// CLI-flag, environment-variable and config-file layers named in the
// external interface, in that precedence order, the way
// pkg/node/flags.go builds a Flags record from a single flag.FlagSet.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the fully resolved set of values every other subsystem is
// constructed from. Fields mirror the CLI surface in the external
// interfaces section.
type Config struct {
	Address                string            `json:"address"`
	Port                   int               `json:"port"`
	NodeIP                 string            `json:"nodeIP"`
	NodeName               string            `json:"nodeName"`
	Hostname               string            `json:"hostname"`
	DataDir                string            `json:"dataDir"`
	MaxPods                int               `json:"maxPods"`
	NodeLabels             map[string]string `json:"nodeLabels"`
	CertFile               string            `json:"certFile"`
	PrivateKeyFile         string            `json:"privateKeyFile"`
	BootstrapFile        string            `json:"bootstrapFile"`
	AllowLocalModules    bool              `json:"allowLocalModules"`
	LeaseIntervalSeconds int               `json:"leaseIntervalSeconds"`
	Debug                bool              `json:"debug"`
	DiagnosticsAddress   string            `json:"diagnosticsAddress"`
}

// Default returns a Config with every value spec.md declares a default for.
func Default() Config {
	hostname, _ := os.Hostname()
	home, _ := os.UserHomeDir()
	return Config{
		Address:              "0.0.0.0",
		Port:                 3000,
		NodeName:             hostname,
		Hostname:             hostname,
		DataDir:              filepath.Join(home, ".krustlet"),
		MaxPods:              110,
		NodeLabels:           map[string]string{},
		LeaseIntervalSeconds: 10,
		DiagnosticsAddress:   "127.0.0.1:8085",
	}
}

// applyDataDirDefaults fills in the certificate and key paths that default to locations under DataDir.
func (c *Config) applyDataDirDefaults() {
	if c.CertFile == "" {
		c.CertFile = filepath.Join(c.DataDir, "config", "krustlet.crt")
	}
	if c.PrivateKeyFile == "" {
		c.PrivateKeyFile = filepath.Join(c.DataDir, "config", "krustlet.key")
	}
}

// ConfigFilePath returns $DATA_DIR/config/config.json for the given data dir.
func ConfigFilePath(dataDir string) string {
	return filepath.Join(dataDir, "config", "config.json")
}

// KubeconfigPath, BootstrapConfPath and PluginsDir return the remaining
// fixed members of the persisted state layout under $DATA_DIR.
func (c Config) KubeconfigPath() string   { return filepath.Join(c.DataDir, "config", "kubeconfig") }
func (c Config) BootstrapConfPath() string {
	if c.BootstrapFile != "" {
		return c.BootstrapFile
	}
	return filepath.Join(c.DataDir, "config", "bootstrap.conf")
}
func (c Config) PluginsDir() string { return filepath.Join(c.DataDir, "plugins") }
func (c Config) ModulesDir() string { return filepath.Join(c.DataDir, "modules") }
func (c Config) PodsDir() string    { return filepath.Join(c.DataDir, "pods") }

// Load resolves a Config from, in increasing precedence: the config file at
// $DATA_DIR/config/config.json, environment variables, then CLI flags
// parsed from args. A flag or env var that names a DataDir overriding the
// compiled-in default is honored before the config file is read.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	flags := registerFlags(fs, &cfg)

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	fileDataDir := cfg.DataDir
	if v := os.Getenv("KRUSTLET_DATA_DIR"); v != "" && !explicit["data-dir"] {
		fileDataDir = v
	}

	fileCfg, err := loadFile(ConfigFilePath(fileDataDir))
	if err != nil {
		return Config{}, fmt.Errorf("load config file: %w", err)
	}
	mergeFile(&cfg, fileCfg)
	mergeEnv(&cfg)

	// Re-apply explicitly set flags last so CLI always wins over env/file.
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		flags.reapply(f.Name, &cfg)
	})
	cfg.applyDataDirDefaults()

	return cfg, nil
}

type flagSet struct {
	nodeLabels string
}

func (f *flagSet) reapply(name string, cfg *Config) {
	if name == "node-labels" {
		cfg.NodeLabels = ParseLabels(f.nodeLabels)
	}
}

func registerFlags(fs *flag.FlagSet, cfg *Config) *flagSet {
	fs.StringVar(&cfg.Address, "addr", cfg.Address, "bind address")
	fs.StringVar(&cfg.Address, "a", cfg.Address, "bind address (shorthand)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "bind port")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "bind port (shorthand)")
	fs.StringVar(&cfg.NodeIP, "node-ip", cfg.NodeIP, "address advertised in the Node object")
	fs.StringVar(&cfg.NodeIP, "n", cfg.NodeIP, "address advertised in the Node object (shorthand)")
	fs.StringVar(&cfg.NodeName, "node-name", cfg.NodeName, "Node name")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "used in cert CN/SANs")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root for caches, plugin sockets, per-pod dirs")
	fs.IntVar(&cfg.MaxPods, "max-pods", cfg.MaxPods, "advertised pods capacity")
	fs.StringVar(&cfg.CertFile, "cert-file", cfg.CertFile, "serving certificate path")
	fs.StringVar(&cfg.PrivateKeyFile, "private-key-file", cfg.PrivateKeyFile, "serving certificate key path")
	fs.StringVar(&cfg.BootstrapFile, "bootstrap-file", cfg.BootstrapFile, "path to the bootstrap kubeconfig")
	fs.BoolVar(&cfg.AllowLocalModules, "x-allow-local-modules", cfg.AllowLocalModules, "accept fs:// image references")
	fs.StringVar(&cfg.DiagnosticsAddress, "internal-listen-address", cfg.DiagnosticsAddress, "address the internal metrics/healthz diagnostics server listens on")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")

	fset := &flagSet{}
	fs.StringVar(&fset.nodeLabels, "node-labels", "", "comma-separated k=v pairs")
	return fset
}

func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func mergeFile(cfg *Config, file map[string]any) {
	if file == nil {
		return
	}
	if v, ok := file["address"].(string); ok {
		cfg.Address = v
	}
	if v, ok := file["port"].(float64); ok {
		cfg.Port = int(v)
	}
	if v, ok := file["nodeIP"].(string); ok {
		cfg.NodeIP = v
	}
	if v, ok := file["nodeName"].(string); ok {
		cfg.NodeName = v
	}
	if v, ok := file["hostname"].(string); ok {
		cfg.Hostname = v
	}
	if v, ok := file["maxPods"].(float64); ok {
		cfg.MaxPods = int(v)
	}
	if v, ok := file["certFile"].(string); ok {
		cfg.CertFile = v
	}
	if v, ok := file["privateKeyFile"].(string); ok {
		cfg.PrivateKeyFile = v
	}
	if v, ok := file["bootstrapFile"].(string); ok {
		cfg.BootstrapFile = v
	}
	if v, ok := file["nodeLabels"].(map[string]any); ok {
		for k, val := range v {
			if s, ok := val.(string); ok {
				cfg.NodeLabels[k] = s
			}
		}
	}
}

func mergeEnv(cfg *Config) {
	if v := os.Getenv("KRUSTLET_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("KRUSTLET_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("KRUSTLET_NODE_IP"); v != "" {
		cfg.NodeIP = v
	}
	if v := os.Getenv("KRUSTLET_NODE_NAME"); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("KRUSTLET_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("KRUSTLET_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MAX_PODS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPods = n
		}
	}
	if v := os.Getenv("NODE_LABELS"); v != "" {
		for k, val := range ParseLabels(v) {
			cfg.NodeLabels[k] = val
		}
	}
	if v := os.Getenv("KRUSTLET_CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("KRUSTLET_PRIVATE_KEY_FILE"); v != "" {
		cfg.PrivateKeyFile = v
	}
	if v := os.Getenv("KRUSTLET_BOOTSTRAP_FILE"); v != "" {
		cfg.BootstrapFile = v
	}
	if v := os.Getenv("KRUSTLET_DIAGNOSTICS_ADDRESS"); v != "" {
		cfg.DiagnosticsAddress = v
	}
}

// ParseLabels parses a comma-separated list of k=v pairs, the same
// delimiter convention pkg/node/flags.go uses for kubelet feature gates.
func ParseLabels(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}
