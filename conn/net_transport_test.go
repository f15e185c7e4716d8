package conn

import (
	"crypto/ed25519"
	"crypto/rand"
	"reflect"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

const (
	personLabel uint8 = iota
	addressLabel
)

type Person struct {
	Name string
	Age  int
}

type Address struct {
	Province string
	Town     string
	Code     int
}

var reflectedTypesMap = map[uint8]reflect.Type{
	personLabel:  reflect.TypeOf(Person{}),
	addressLabel: reflect.TypeOf(Address{}),
}

func testConfig() *NetworkTransportConfig {
	return &NetworkTransportConfig{
		MaxPool:           2,
		ReflectedTypesMap: reflectedTypesMap,
		Timeout:           2 * time.Second,
		Logger:            hclog.NewNullLogger(),
	}
}

func receive(t *testing.T, trans *NetworkTransport) Envelope {
	select {
	case env := <-trans.MsgChan():
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no msg received")
	}
	return Envelope{}
}

// TestSimpleComm tests if node1 (client) can connect to node2 (server) correctly
// and if node2 decodes the msgs of every registered type.
func TestSimpleComm(t *testing.T) {
	server, err := NewTCPTransportWithConfig("127.0.0.1:0", testConfig())
	require.NoError(t, err)
	defer server.Close()

	client, err := NewTCPTransportWithConfig("127.0.0.1:0", testConfig())
	require.NoError(t, err)
	defer client.Close()

	person := Person{Name: "seafooler", Age: 18}
	require.NoError(t, client.Send(server.LocalAddr(), personLabel, &person))

	env := receive(t, server)
	require.False(t, env.Authenticated)
	received, ok := env.Msg.(*Person)
	require.True(t, ok, "received msg is not of type: Person")
	require.Equal(t, person, *received)

	addr := Address{Province: "Hubei", Town: "Wuhan", Code: 430000}
	require.NoError(t, client.Send(server.LocalAddr(), addressLabel, addr))
	env = receive(t, server)
	require.Equal(t, &addr, env.Msg)
}

func TestConnPool(t *testing.T) {
	server, err := NewTCPTransportWithConfig("127.0.0.1:0", testConfig())
	require.NoError(t, err)
	defer server.Close()

	client, err := NewTCPTransportWithConfig("127.0.0.1:0", testConfig())
	require.NoError(t, err)

	c1, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, client.ReturnConn(c1))
	c2, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, server.LocalAddr(), c2.Target())
	require.NoError(t, client.ReturnConn(c2))

	require.NoError(t, client.Close())
	require.True(t, client.IsShutdown())
	_, err = client.GetConn(server.LocalAddr())
	require.ErrorIs(t, err, ErrTransportShutdown)
}

type tlsPeer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

func newTLSPeers(t *testing.T, n int) []tlsPeer {
	peers := make([]tlsPeer, n)
	for i := range peers {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		peers[i] = tlsPeer{key: priv, pub: pub}
	}
	return peers
}

func identifier(peers []tlsPeer) func(ed25519.PublicKey) (uint32, bool) {
	return func(key ed25519.PublicKey) (uint32, bool) {
		for i, p := range peers {
			if p.pub.Equal(key) {
				return uint32(i), true
			}
		}
		return 0, false
	}
}

func newTLSTransport(t *testing.T, peers []tlsPeer, self int, serverName string) *NetworkTransport {
	trans, err := NewTLSTransportWithConfig("127.0.0.1:0", TLSConfig{
		ServerName: serverName,
		Key:        peers[self].key,
		Identify:   identifier(peers),
	}, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = trans.Close() })
	return trans
}

func TestTLSAuthenticatesPeer(t *testing.T) {
	peers := newTLSPeers(t, 2)
	server := newTLSTransport(t, peers, 0, "wavedag-epoch-1")
	client := newTLSTransport(t, peers, 1, "wavedag-epoch-1")

	person := Person{Name: "alice", Age: 30}
	require.NoError(t, client.Send(server.LocalAddr(), personLabel, &person))

	env := receive(t, server)
	require.True(t, env.Authenticated)
	require.Equal(t, uint32(1), env.From)
	require.Equal(t, &person, env.Msg)
}

func TestTLSRejectsOtherEpoch(t *testing.T) {
	peers := newTLSPeers(t, 2)
	server := newTLSTransport(t, peers, 0, "wavedag-epoch-1")
	client := newTLSTransport(t, peers, 1, "wavedag-epoch-2")

	err := client.Send(server.LocalAddr(), personLabel, &Person{Name: "mallory"})
	require.Error(t, err)

	select {
	case env := <-server.MsgChan():
		t.Fatalf("unexpected msg %v", env.Msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTLSRejectsUnknownKey(t *testing.T) {
	peers := newTLSPeers(t, 2)
	stranger := newTLSPeers(t, 1)[0]
	server := newTLSTransport(t, peers, 0, "wavedag-epoch-1")

	// the stranger knows the committee but is not part of it
	all := append([]tlsPeer{stranger}, peers...)
	client := newTLSTransport(t, all, 0, "wavedag-epoch-1")

	// the handshake completes on the client side before the server refuses it
	_ = client.Send(server.LocalAddr(), personLabel, &Person{Name: "eve"})

	select {
	case env := <-server.MsgChan():
		t.Fatalf("unexpected msg %v", env.Msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTLSRejectsWrongAuthorityAtAddress(t *testing.T) {
	peers := newTLSPeers(t, 3)
	server := newTLSTransport(t, peers, 0, "wavedag-epoch-1")

	dial := func(want uint32) *NetworkTransport {
		trans, err := NewTLSTransportWithConfig("127.0.0.1:0", TLSConfig{
			ServerName: "wavedag-epoch-1",
			Key:        peers[1].key,
			Identify:   identifier(peers),
			Expect: func(address string) (uint32, bool) {
				return want, address == server.LocalAddr()
			},
		}, testConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = trans.Close() })
		return trans
	}

	// authority 0 answers where authority 2 is expected
	err := dial(2).Send(server.LocalAddr(), personLabel, &Person{Name: "mallory"})
	require.ErrorIs(t, err, ErrWrongPeer)

	_, err = dial(0).GetConn("127.0.0.1:1")
	require.ErrorIs(t, err, ErrWrongPeer)

	person := Person{Name: "alice", Age: 30}
	require.NoError(t, dial(0).Send(server.LocalAddr(), personLabel, &person))
	env := receive(t, server)
	require.Equal(t, uint32(1), env.From)
	require.Equal(t, &person, env.Msg)
}

func TestSelfSignedCertificate(t *testing.T) {
	peers := newTLSPeers(t, 1)
	cert, err := SelfSignedCertificate(peers[0].key, "wavedag-epoch-7")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	layer := &TLSStreamLayer{conf: TLSConfig{ServerName: "wavedag-epoch-7", Identify: identifier(peers)}}
	require.NoError(t, layer.verifyPeer(cert.Certificate, nil))

	layer.conf.ServerName = "wavedag-epoch-8"
	require.ErrorIs(t, layer.verifyPeer(cert.Certificate, nil), ErrWrongServerName)

	require.ErrorIs(t, layer.verifyPeer(nil, nil), ErrNoPeerCert)

	layer.conf.ServerName = "wavedag-epoch-7"
	require.NoError(t, layer.verifyPeerAs(0)(cert.Certificate, nil))
	require.ErrorIs(t, layer.verifyPeerAs(1)(cert.Certificate, nil), ErrWrongPeer)
}
