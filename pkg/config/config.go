package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "unwresume"
	configDirHidden string = ".unwresume"
	configFile      string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Strictness is the default establishment strictness of resume:
	// best-effort, general or all.
	Strictness string `yaml:"strictness,omitempty"`

	// GdbMaxTransmitAttempts is the number of retransmissions on a bad
	// checksum before giving up on a gdb stub.
	GdbMaxTransmitAttempts int `yaml:"gdb-max-transmit-attempts,omitempty"`
	// GdbMemoryCachePages is the number of remote memory pages kept in the
	// cache. A negative value disables the cache.
	GdbMemoryCachePages int `yaml:"gdb-memory-cache-pages,omitempty"`

	// LogOutput is the default value of --log-output.
	LogOutput string `yaml:"log-output,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile decodes the config file at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	if err := createConfigPath(); err != nil {
		return err
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for unwresume.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# How strictly registers that cannot be read or written are treated while
# the machine state is established: best-effort skips them, general fails on
# general registers, all fails on any register.
# strictness: best-effort

# Retransmissions on bad checksums before giving up on a gdb stub.
# gdb-max-transmit-attempts: 3

# Number of remote memory pages cached, -1 disables the cache.
# gdb-memory-cache-pages: 64

# Default value of the --log-output flag.
# log-output: resume
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME/unwresume is used when XDG_CONFIG_HOME is set,
// ~/.unwresume otherwise.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}
