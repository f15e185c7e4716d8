package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/sign"
	"github.com/stretchr/testify/require"
)

const configYAML = `
name: node1
index: 1
listen_addr: 127.0.0.1:8010
private_key: %s
network_key: %s
log_level: 2
use_tls: true
parameters:
  wave_length: 4
  leader_timeout: 500ms
  leader_election: round-robin
`

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigRead(t *testing.T) {
	priv, _ := sign.GenED25519Keys()
	netKey, _ := sign.GenED25519Keys()
	path := writeFile(t, "node1.yaml", fmt.Sprintf(configYAML, hex.EncodeToString(priv), hex.EncodeToString(netKey)))

	conf, err := LoadConfig("wavedag", path)
	require.NoError(t, err)
	require.Equal(t, "node1", conf.Name)
	require.Equal(t, committee.AuthorityIndex(1), conf.Index)
	require.Equal(t, "127.0.0.1:8010", conf.ListenAddr)
	require.Equal(t, []byte(priv), conf.PrivateKey)
	require.Equal(t, netKey, conf.NetworkKey)
	require.Equal(t, 2, conf.LogLevel)
	require.Equal(t, 10, conf.MaxPool)
	require.True(t, conf.UseTLS)

	// set keys override the defaults, the rest keeps them
	require.Equal(t, uint64(4), conf.Parameters.WaveLength)
	require.Equal(t, 500*time.Millisecond, conf.Parameters.LeaderTimeout)
	require.Equal(t, committee.RoundRobin, conf.Parameters.LeaderElection)
	require.Equal(t, DefaultParameters().FetchConcurrency, conf.Parameters.FetchConcurrency)
	require.Equal(t, DefaultParameters().GCDepth, conf.Parameters.GCDepth)
}

func TestConfigEnvOverride(t *testing.T) {
	priv, _ := sign.GenED25519Keys()
	netKey, _ := sign.GenED25519Keys()
	path := writeFile(t, "node1.yaml", fmt.Sprintf(configYAML, hex.EncodeToString(priv), hex.EncodeToString(netKey)))

	t.Setenv("WAVEDAG_LISTEN_ADDR", "0.0.0.0:9000")
	conf, err := LoadConfig("wavedag", path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", conf.ListenAddr)
}

func TestConfigDefaultsToTLS(t *testing.T) {
	priv, _ := sign.GenED25519Keys()
	netKey, _ := sign.GenED25519Keys()
	content := strings.Replace(configYAML, "use_tls: true\n", "", 1)
	path := writeFile(t, "node1.yaml", fmt.Sprintf(content, hex.EncodeToString(priv), hex.EncodeToString(netKey)))

	conf, err := LoadConfig("wavedag", path)
	require.NoError(t, err)
	require.True(t, conf.UseTLS)

	t.Setenv("WAVEDAG_USE_TLS", "false")
	conf, err = LoadConfig("wavedag", path)
	require.NoError(t, err)
	require.False(t, conf.UseTLS)
	require.True(t, New("node0", 0, "127.0.0.1:0", priv, netKey, 3).UseTLS)
}

func TestConfigBadKeys(t *testing.T) {
	path := writeFile(t, "bad.yaml", fmt.Sprintf(configYAML, "zz", "00"))
	_, err := LoadConfig("wavedag", path)
	require.ErrorIs(t, err, ErrBadKey)
}

func TestConfigRoundTrip(t *testing.T) {
	priv, _ := sign.GenED25519Keys()
	netKey, _ := sign.GenED25519Keys()
	conf := New("node3", 3, "127.0.0.1:8030", priv, netKey, 4)
	conf.Parameters.LeaderTimeout = 2 * time.Second

	path := filepath.Join(t.TempDir(), "node3.yaml")
	require.NoError(t, WriteConfig(conf, path))

	loaded, err := LoadConfig("wavedagtest", path)
	require.NoError(t, err)
	require.Equal(t, conf.Name, loaded.Name)
	require.Equal(t, conf.Index, loaded.Index)
	require.Equal(t, conf.NetworkKey, loaded.NetworkKey)
	require.Equal(t, conf.Parameters, loaded.Parameters)
}

func TestParametersValidate(t *testing.T) {
	require.NoError(t, DefaultParameters().Validate())

	cases := map[string]func(*Parameters){
		"short wave":     func(p *Parameters) { p.WaveLength = 2 },
		"no timeout":     func(p *Parameters) { p.LeaderTimeout = 0 },
		"no fetchers":    func(p *Parameters) { p.FetchConcurrency = 0 },
		"backoff bounds": func(p *Parameters) { p.FetchBackoffMax = p.FetchBackoffMin / 2 },
		"no buffer":      func(p *Parameters) { p.CommitBuffer = 0 },
		"shallow gc":     func(p *Parameters) { p.GCDepth = 5 },
		"unknown policy": func(p *Parameters) { p.LeaderElection = "lottery" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := DefaultParameters()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidParameters)
		})
	}
}

func TestParametersDigest(t *testing.T) {
	a, b := DefaultParameters(), DefaultParameters()
	require.Equal(t, a.Digest(), b.Digest())
	b.WaveLength = 5
	require.NotEqual(t, a.Digest(), b.Digest())

	require.Equal(t, 8, a.MaxParentsFor(4))
	a.MaxParents = 3
	require.Equal(t, 3, a.MaxParentsFor(4))
}

func TestCommitteeDescriptor(t *testing.T) {
	d := &Descriptor{Epoch: 2, Scheme: "ed25519", ParametersDigest: DefaultParameters().Digest()}
	for i := 0; i < 4; i++ {
		_, pub := sign.GenED25519Keys()
		_, netPub := sign.GenED25519Keys()
		d.Authorities = append(d.Authorities, AuthorityEntry{
			Index:      uint32(i),
			Name:       fmt.Sprintf("node%d", i),
			PublicKey:  hex.EncodeToString(pub),
			NetworkKey: hex.EncodeToString(netPub),
			Address:    fmt.Sprintf("127.0.0.1:%d", 8000+10*i),
			Stake:      uint64(i + 1),
		})
	}
	path := filepath.Join(t.TempDir(), "committee.yaml")
	require.NoError(t, WriteCommittee(d, path))

	loaded, err := LoadCommittee(path)
	require.NoError(t, err)
	require.Equal(t, d.Epoch, loaded.Epoch)
	require.Len(t, loaded.Authorities, 4)

	c, err := loaded.Committee()
	require.NoError(t, err)
	require.Equal(t, uint64(2), c.Epoch())
	require.Equal(t, 4, c.Size())
	require.Equal(t, uint64(10), c.TotalStake())
	a, err := c.Authority(2)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8020", a.Address)

	require.NoError(t, loaded.CheckParameters(DefaultParameters()))
	p := DefaultParameters()
	p.CommitBuffer = 1
	require.ErrorIs(t, loaded.CheckParameters(p), ErrParametersMismatch)
}
