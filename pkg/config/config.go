// Package config holds the validated daemon configuration, loadable from a
// TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/containers/containrs/utils/errdefs"
)

// Config is the complete runtime core configuration.
type Config struct {
	RootConfig
	RuntimeConfig
	NetworkConfig
}

// This structure is necessary to fake the TOML tables when parsing,
// while also not requiring a bunch of layered structs for no good
// reason.
type tomlConfig struct {
	Containrs struct {
		RootConfig
		Runtime struct{ RuntimeConfig } `toml:"runtime"`
		Network struct{ NetworkConfig } `toml:"network"`
	} `toml:"containrs"`
}

// RootConfig represents the root of the "containrs" TOML config table.
type RootConfig struct {
	// LogLevel is the logrus level: trace, debug, info, warn, error,
	// fatal or panic.
	LogLevel string `toml:"log_level"`

	// LogFilter is an optional regular expression applied to log
	// messages below error level.
	LogFilter string `toml:"log_filter"`

	// MetadataStorePath is the path to the durable metadata database
	// keeping sandbox and container records across restarts.
	MetadataStorePath string `toml:"metadata_store_path"`
}

// RuntimeConfig represents the "containrs.runtime" TOML config table.
type RuntimeConfig struct {
	// RuntimePath is the path to the OCI compatible runtime binary.
	RuntimePath string `toml:"runtime_path"`

	// RuntimeRoot is the root directory passed to the runtime binary.
	RuntimeRoot string `toml:"runtime_root"`

	// LogFormat is the runtime log format, "text" or "json".
	LogFormat string `toml:"log_format"`

	// Rootless selects the runtime rootless mode, "true", "false" or
	// "auto".
	Rootless string `toml:"rootless"`

	// CgroupManager selects the cgroup mode, "cgroupfs", "systemd" or
	// "disabled".
	CgroupManager string `toml:"cgroup_manager"`

	// ExecTimeout is the deadline for a single runtime invocation in
	// seconds.
	ExecTimeout uint `toml:"exec_timeout"`

	// BundleDir is the directory the per container OCI bundles are
	// created in.
	BundleDir string `toml:"bundle_dir"`

	// PinnsPath is the path to the namespace pinning helper binary.
	PinnsPath string `toml:"pinns_path"`

	// NamespacesDir is the directory the pinned namespaces are bind
	// mounted into.
	NamespacesDir string `toml:"namespaces_dir"`
}

// NetworkConfig represents the "containrs.network" TOML config table.
type NetworkConfig struct {
	// NetworkDir is the directory holding the CNI network
	// configuration files.
	NetworkDir string `toml:"network_dir"`

	// PluginDirs are the directories searched for CNI plugin binaries.
	PluginDirs []string `toml:"plugin_dirs"`

	// CacheDir is the CNI result cache directory.
	CacheDir string `toml:"cache_dir"`

	// DefaultNetwork pins the default CNI network by name. When empty
	// the first configuration file in lexical order wins.
	DefaultNetwork string `toml:"default_network"`

	// IptablesPath is the path to the iptables binary used for host
	// port mappings. An empty value disables host port management.
	IptablesPath string `toml:"iptables_path"`
}

const (
	cgroupManagerCgroupfs = "cgroupfs"
	cgroupManagerSystemd  = "systemd"
	cgroupManagerDisabled = "disabled"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RootConfig: RootConfig{
			LogLevel:          "info",
			MetadataStorePath: "/var/lib/containrs/metadata.db",
		},
		RuntimeConfig: RuntimeConfig{
			RuntimePath:   "/usr/bin/runc",
			RuntimeRoot:   "/run/containrs/runtime",
			LogFormat:     "text",
			Rootless:      "auto",
			CgroupManager: cgroupManagerCgroupfs,
			ExecTimeout:   240,
			BundleDir:     "/var/lib/containrs/bundles",
			PinnsPath:     "/usr/bin/pinns",
			NamespacesDir: "/var/run/containrs/ns",
		},
		NetworkConfig: NetworkConfig{
			NetworkDir:   "/etc/cni/net.d",
			PluginDirs:   []string{"/opt/cni/bin"},
			CacheDir:     "/var/lib/containrs/cni",
			IptablesPath: "/usr/sbin/iptables",
		},
	}
}

// UpdateFromFile updates the configuration with the values of the provided
// TOML file. Unset fields keep their previous values.
func (c *Config) UpdateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	t := new(tomlConfig)
	t.fromConfig(c)

	if _, err := toml.Decode(string(data), t); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	t.toConfig(c)

	return nil
}

// ToFile writes the configuration as a TOML file to the provided path.
func (c *Config) ToFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer file.Close()

	t := new(tomlConfig)
	t.fromConfig(c)

	return toml.NewEncoder(file).Encode(t)
}

func (t *tomlConfig) fromConfig(c *Config) {
	t.Containrs.RootConfig = c.RootConfig
	t.Containrs.Runtime.RuntimeConfig = c.RuntimeConfig
	t.Containrs.Network.NetworkConfig = c.NetworkConfig
}

func (t *tomlConfig) toConfig(c *Config) {
	c.RootConfig = t.Containrs.RootConfig
	c.RuntimeConfig = t.Containrs.Runtime.RuntimeConfig
	c.NetworkConfig = t.Containrs.Network.NetworkConfig
}

// Validate returns an error if the configuration is invalid. With
// onExecution set the referenced binaries and directories are checked to
// exist on the host.
func (c *Config) Validate(onExecution bool) error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errdefs.Invalidf("log level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return errdefs.Invalidf("log format %q, expected text or json", c.LogFormat)
	}

	switch c.Rootless {
	case "true", "false", "auto":
	default:
		return errdefs.Invalidf("rootless mode %q, expected true, false or auto", c.Rootless)
	}

	switch c.CgroupManager {
	case cgroupManagerCgroupfs, cgroupManagerSystemd, cgroupManagerDisabled:
	default:
		return errdefs.Invalidf("cgroup manager %q", c.CgroupManager)
	}

	if c.ExecTimeout == 0 {
		return errdefs.Invalidf("exec timeout must not be zero")
	}

	if c.MetadataStorePath == "" {
		return errdefs.Invalidf("no metadata store path provided")
	}

	if c.BundleDir == "" {
		return errdefs.Invalidf("no bundle dir provided")
	}

	if c.NetworkDir == "" {
		return errdefs.Invalidf("no network dir provided")
	}

	if len(c.PluginDirs) == 0 {
		return errdefs.Invalidf("no plugin dirs provided")
	}

	if onExecution {
		for _, path := range []string{c.RuntimePath, c.PinnsPath} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("binary not available: %w", err)
			}
		}
	}

	return nil
}

// ExecTimeoutDuration returns the runtime invocation deadline.
func (c *Config) ExecTimeoutDuration() time.Duration {
	return time.Duration(c.ExecTimeout) * time.Second
}
