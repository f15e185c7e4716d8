/*
Package config implements the type to pass the arguments to the node
and implements functions to load the node configuration and the committee
descriptor from configuration files.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var ErrBadKey = errors.New("key in the config file cannot be decoded correctly")

// Config defines a type to describe the configuration of one authority.
type Config struct {
	Name        string
	Index       committee.AuthorityIndex
	ListenAddr  string
	PrivateKey  []byte             // block signing key, encoded for the committee scheme
	NetworkKey  ed25519.PrivateKey // TLS identity
	LogLevel    int
	MaxPool     int
	UseTLS      bool // plain TCP only for local tests and benchmarks
	DataDir     string
	MetricsAddr string
	Parameters  Parameters
}

// New creates a configuration with default parameters, mostly for tests.
func New(name string, index committee.AuthorityIndex, listenAddr string, privateKey []byte,
	networkKey ed25519.PrivateKey, logLevel int) *Config {
	return &Config{
		Name:       name,
		Index:      index,
		ListenAddr: listenAddr,
		PrivateKey: privateKey,
		NetworkKey: networkKey,
		LogLevel:   logLevel,
		MaxPool:    10,
		UseTLS:     true,
		Parameters: DefaultParameters(),
	}
}

func newViper(configPrefix string) *viper.Viper {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	return viperConfig
}

// LoadConfig loads the node configuration file by package viper.
// Every key may be overridden by an environment variable carrying configPrefix.
func LoadConfig(configPrefix, configFile string) (*Config, error) {
	viperConfig := newViper(configPrefix)
	viperConfig.SetConfigFile(configFile)
	viperConfig.SetDefault("max_pool", 10)
	viperConfig.SetDefault("log_level", 3)
	viperConfig.SetDefault("data_dir", "./data")
	viperConfig.SetDefault("use_tls", true)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading config")
	}

	privKey, err := hex.DecodeString(viperConfig.GetString("private_key"))
	if err != nil {
		return nil, errors.Wrap(ErrBadKey, "private_key")
	}
	netKey, err := hex.DecodeString(viperConfig.GetString("network_key"))
	if err != nil || len(netKey) != ed25519.PrivateKeySize {
		return nil, errors.Wrap(ErrBadKey, "network_key")
	}

	conf := &Config{
		Name:        viperConfig.GetString("name"),
		Index:       committee.AuthorityIndex(viperConfig.GetUint32("index")),
		ListenAddr:  viperConfig.GetString("listen_addr"),
		PrivateKey:  privKey,
		NetworkKey:  netKey,
		LogLevel:    viperConfig.GetInt("log_level"),
		MaxPool:     viperConfig.GetInt("max_pool"),
		UseTLS:      viperConfig.GetBool("use_tls"),
		DataDir:     viperConfig.GetString("data_dir"),
		MetricsAddr: viperConfig.GetString("metrics_addr"),
		Parameters:  DefaultParameters(),
	}
	if err := viperConfig.UnmarshalKey("parameters", &conf.Parameters); err != nil {
		return nil, errors.Wrap(err, "decoding parameters")
	}
	if err := conf.Parameters.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// WriteConfig stores conf in the file, in the format LoadConfig reads.
func WriteConfig(conf *Config, configFile string) error {
	viperWrite := viper.New()
	viperWrite.SetConfigFile(configFile)
	viperWrite.Set("name", conf.Name)
	viperWrite.Set("index", uint32(conf.Index))
	viperWrite.Set("listen_addr", conf.ListenAddr)
	viperWrite.Set("private_key", hex.EncodeToString(conf.PrivateKey))
	viperWrite.Set("network_key", hex.EncodeToString(conf.NetworkKey))
	viperWrite.Set("log_level", conf.LogLevel)
	viperWrite.Set("max_pool", conf.MaxPool)
	viperWrite.Set("use_tls", conf.UseTLS)
	viperWrite.Set("data_dir", conf.DataDir)
	viperWrite.Set("metrics_addr", conf.MetricsAddr)
	viperWrite.Set("parameters", conf.Parameters.settings())
	return viperWrite.WriteConfig()
}
