package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"sort"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/sign"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrParametersMismatch is returned when the local parameters differ from the ones the committee agreed on.
var ErrParametersMismatch = errors.New("parameters do not match the committee descriptor")

// AuthorityEntry is one authority of the committee descriptor.
type AuthorityEntry struct {
	Index      uint32 `mapstructure:"index"`
	Name       string `mapstructure:"name"`
	PublicKey  string `mapstructure:"public_key"`  // hex
	NetworkKey string `mapstructure:"network_key"` // hex
	Address    string `mapstructure:"address"`
	Stake      uint64 `mapstructure:"stake"`
}

// Descriptor is the human-readable description of the committee of one epoch.
type Descriptor struct {
	Epoch  uint64 `mapstructure:"epoch"`
	Scheme string `mapstructure:"scheme"`
	// ParametersDigest is optional. When set, every authority must run with parameters hashing to it.
	ParametersDigest string           `mapstructure:"parameters_digest"`
	Authorities      []AuthorityEntry `mapstructure:"authorities"`
}

// LoadCommittee reads a committee descriptor file.
func LoadCommittee(file string) (*Descriptor, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigFile(file)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading committee descriptor")
	}
	var d Descriptor
	if err := viperConfig.Unmarshal(&d); err != nil {
		return nil, errors.Wrap(err, "decoding committee descriptor")
	}
	return &d, nil
}

// WriteCommittee stores the descriptor in the file, in the format LoadCommittee reads.
func WriteCommittee(d *Descriptor, file string) error {
	viperWrite := viper.New()
	viperWrite.SetConfigFile(file)
	viperWrite.Set("epoch", d.Epoch)
	viperWrite.Set("scheme", d.Scheme)
	if d.ParametersDigest != "" {
		viperWrite.Set("parameters_digest", d.ParametersDigest)
	}
	authorities := make([]map[string]interface{}, len(d.Authorities))
	for i, a := range d.Authorities {
		authorities[i] = map[string]interface{}{
			"index":       a.Index,
			"name":        a.Name,
			"public_key":  a.PublicKey,
			"network_key": a.NetworkKey,
			"address":     a.Address,
			"stake":       a.Stake,
		}
	}
	viperWrite.Set("authorities", authorities)
	return viperWrite.WriteConfig()
}

// Committee builds the committee the descriptor describes.
func (d *Descriptor) Committee() (*committee.Committee, error) {
	scheme, err := sign.ParseScheme(d.Scheme)
	if err != nil {
		return nil, err
	}
	entries := make([]AuthorityEntry, len(d.Authorities))
	copy(entries, d.Authorities)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	authorities := make([]committee.Authority, len(entries))
	for i, e := range entries {
		pub, err := hex.DecodeString(e.PublicKey)
		if err != nil {
			return nil, errors.Wrapf(ErrBadKey, "public key of authority %d", e.Index)
		}
		var netKey ed25519.PublicKey
		if e.NetworkKey != "" {
			netKey, err = hex.DecodeString(e.NetworkKey)
			if err != nil || len(netKey) != ed25519.PublicKeySize {
				return nil, errors.Wrapf(ErrBadKey, "network key of authority %d", e.Index)
			}
		}
		authorities[i] = committee.Authority{
			Index:      committee.AuthorityIndex(e.Index),
			Name:       e.Name,
			PublicKey:  pub,
			NetworkKey: netKey,
			Address:    e.Address,
			Stake:      e.Stake,
		}
	}
	return committee.New(d.Epoch, scheme, authorities)
}

// CheckParameters compares p with the digest the committee agreed on.
func (d *Descriptor) CheckParameters(p Parameters) error {
	if d.ParametersDigest == "" {
		return nil
	}
	if got := p.Digest(); got != d.ParametersDigest {
		return errors.Wrapf(ErrParametersMismatch, "local %s, committee %s", got, d.ParametersDigest)
	}
	return nil
}
