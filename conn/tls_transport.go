package conn

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrWrongServerName is returned when the peer certificate is bound to another connection name.
	ErrWrongServerName = errors.New("peer certificate is bound to another connection name")
	// ErrUnknownPeer is returned when the peer key is not registered.
	ErrUnknownPeer = errors.New("peer key is not registered")
	ErrNoPeerCert  = errors.New("peer presented no certificate")
	// ErrWrongPeer is returned when the dialed address answers with the key of another authority.
	ErrWrongPeer = errors.New("peer is not the authority dialed")
)

const certValidity = 10 * 365 * 24 * time.Hour

// TLSConfig describes the identity of the local authority and how peers are recognized.
type TLSConfig struct {
	// ServerName scopes every connection. Both sides present and expect it,
	// so peers configured with another name fail the handshake.
	ServerName string
	// Key is the ed25519 network key the certificate is issued for.
	Key ed25519.PrivateKey
	// Identify maps a peer network key to its authority index.
	Identify func(ed25519.PublicKey) (uint32, bool)
	// Expect maps a dialed address to the authority index that must answer there.
	// Dials to an address it does not know are refused. Nil accepts any registered key.
	Expect func(address string) (uint32, bool)
	// HandshakeTimeout bounds the server side handshake.
	HandshakeTimeout time.Duration
}

// TLSStreamLayer implements StreamLayer with mutually authenticated TLS 1.3.
type TLSStreamLayer struct {
	listener net.Listener
	conf     TLSConfig
	client   *tls.Config
}

// SelfSignedCertificate issues a certificate for the key bound to serverName.
func SelfSignedCertificate(key ed25519.PrivateKey, serverName string) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "create certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// verifyPeer checks the peer certificate is self signed, bound to the expected
// server name and issued for a registered key.
func (t *TLSStreamLayer) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	_, err := t.peerIndex(rawCerts)
	return err
}

// verifyPeerAs is verifyPeer for a dial, the key must also belong to want.
func (t *TLSStreamLayer) verifyPeerAs(want uint32) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		index, err := t.peerIndex(rawCerts)
		if err != nil {
			return err
		}
		if index != want {
			return errors.Wrapf(ErrWrongPeer, "expected authority %d, got %d", want, index)
		}
		return nil
	}
}

func (t *TLSStreamLayer) peerIndex(rawCerts [][]byte) (uint32, error) {
	if len(rawCerts) == 0 {
		return 0, ErrNoPeerCert
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return 0, errors.Wrap(err, "parse peer certificate")
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return 0, errors.Wrap(err, "peer certificate signature")
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return 0, errors.New("peer certificate is not valid at this time")
	}
	if err := cert.VerifyHostname(t.conf.ServerName); err != nil {
		return 0, errors.Wrapf(ErrWrongServerName, "expected %s", t.conf.ServerName)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return 0, errors.New("peer certificate is not an ed25519 key")
	}
	index, ok := t.conf.Identify(pub)
	if !ok {
		return 0, ErrUnknownPeer
	}
	return index, nil
}

// Dial implements the StreamLayer interface.
func (t *TLSStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	client := t.client
	if t.conf.Expect != nil {
		want, ok := t.conf.Expect(address)
		if !ok {
			return nil, errors.Wrapf(ErrWrongPeer, "no authority at %s", address)
		}
		client = t.client.Clone()
		client.VerifyPeerCertificate = t.verifyPeerAs(want)
	}
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", address, client)
}

// Accept implements the net.Listener interface.
func (t *TLSStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TLSStreamLayer) Close() error {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TLSStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// Identify implements PeerIdentifier. It completes the handshake and
// resolves the authority behind the client certificate.
func (t *TLSStreamLayer) Identify(conn net.Conn) (uint32, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return 0, errors.New("not a tls connection")
	}
	if t.conf.HandshakeTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(t.conf.HandshakeTimeout))
		defer tlsConn.SetDeadline(time.Time{})
	}
	if err := tlsConn.Handshake(); err != nil {
		return 0, errors.Wrap(err, "tls handshake")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return 0, ErrNoPeerCert
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return 0, ErrUnknownPeer
	}
	index, ok := t.conf.Identify(pub)
	if !ok {
		return 0, ErrUnknownPeer
	}
	return index, nil
}

func newTLSStreamLayer(bindAddr string, conf TLSConfig) (*TLSStreamLayer, error) {
	if conf.Identify == nil {
		return nil, errors.New("tls stream layer needs a peer identifier")
	}
	cert, err := SelfSignedCertificate(conf.Key, conf.ServerName)
	if err != nil {
		return nil, err
	}
	t := &TLSStreamLayer{conf: conf}

	server := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: t.verifyPeer,
		MinVersion:            tls.VersionTLS13,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if cs.ServerName != conf.ServerName {
				return fmt.Errorf("%w: client asked for %q", ErrWrongServerName, cs.ServerName)
			}
			return nil
		},
	}
	t.client = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   conf.ServerName,
		// the chain is checked by verifyPeer against the registered keys
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: t.verifyPeer,
		MinVersion:            tls.VersionTLS13,
	}

	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	t.listener = tls.NewListener(list, server)
	return t, nil
}

// NewTLSTransportWithConfig returns a NetworkTransport built on top of a
// mutually authenticated TLS stream layer. Inbound envelopes carry the
// authority index proven by the client certificate.
func NewTLSTransportWithConfig(
	bindAddr string,
	tlsConf TLSConfig,
	config *NetworkTransportConfig,
) (*NetworkTransport, error) {
	if tlsConf.HandshakeTimeout == 0 {
		tlsConf.HandshakeTimeout = config.Timeout
	}
	stream, err := newTLSStreamLayer(bindAddr, tlsConf)
	if err != nil {
		return nil, err
	}
	config.Stream = stream
	return NewNetworkTransportWithConfig(config), nil
}
