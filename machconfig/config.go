// Package machconfig loads the handful of knobs the controller exposes
// as configuration rather than hard-coded behavior: wire-protocol ACK
// negotiation, the advertised maximum packet size, and the default
// logging concern list. It is grounded on pkg/config's create-if-missing directory
// and file convention, trimmed to the much smaller set of options this
// module's core treats as load-bearing-but-tunable rather than
// load-bearing-and-fixed.
package machconfig

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  = ".machctl"
	configFile = "config.yml"
)

// Config holds every tunable knob. Everything else about the controller's
// behavior is fixed and not configurable, per spec.md §3.2's "the rest of
// the behavior is load-bearing and must not be a config toggle".
type Config struct {
	// EnableAck controls whether a session negotiates single-byte
	// +/- acknowledgement of each packet (spec.md §7's handshake
	// concept) by default.
	EnableAck bool `yaml:"enable-ack"`
	// MaxPacketSize is the maximum packet size advertised to a
	// transport during the handshake.
	MaxPacketSize int `yaml:"max-packet-size"`
	// LogSpec is the default comma-separated concern list passed to
	// logflags.Setup when no --log-output flag overrides it.
	LogSpec string `yaml:"log"`
}

// defaultConfig matches what the on-disk default file written by
// writeDefaultConfig produces, so a config file that fails to parse can fall back to the
// same values a missing one would get.
func defaultConfig() *Config {
	return &Config{
		EnableAck:     true,
		MaxPacketSize: 1024,
		LogSpec:       "controller",
	}
}

// Load reads the config file at the well-known path, creating the
// directory and a commented default file if neither exists yet, mirroring
// pkg/config.LoadConfig. Any error along the way is reported to stderr and
// results in defaultConfig() rather than aborting the caller.
func Load() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Fprintf(os.Stderr, "machconfig: could not create config directory: %v\n", err)
		return defaultConfig()
	}
	fullConfigFile, err := FilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "machconfig: unable to resolve config file path: %v\n", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "machconfig: error creating default config file: %v\n", err)
			return defaultConfig()
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "machconfig: unable to read config data: %v\n", err)
		return defaultConfig()
	}

	c := defaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		fmt.Fprintf(os.Stderr, "machconfig: unable to decode config file: %v\n", err)
		return defaultConfig()
	}
	return c
}

// LoadFrom reads Config from an explicit path instead of the well-known
// location, for the --config flag on cmd/machctl.
func LoadFrom(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := defaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Save marshals conf to the well-known config file path.
func Save(conf *Config) error {
	fullConfigFile, err := FilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(fullConfigFile, out, 0600)
}

func createDefaultConfig(fullPath string) (*os.File, error) {
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for machctl.

# This is the default configuration file. Available options are provided,
# with their defaults left active; comment a line out to fall back to
# the built-in default.

# Whether a session negotiates single-byte +/- acknowledgement of each
# packet by default.
enable-ack: true

# Maximum packet size advertised to a transport during the handshake.
max-packet-size: 1024

# Default comma-separated logflags concern list.
log: controller
`)
	return err
}

func createConfigPath() error {
	dir, err := FilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// FilePath resolves file relative to the well-known per-user config
// directory.
func FilePath(file string) (string, error) {
	home := "."
	if usr, err := user.Current(); err == nil {
		home = usr.HomeDir
	}
	return path.Join(home, configDir, file), nil
}
