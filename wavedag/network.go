package wavedag

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/conn"
	"github.com/hashicorp/go-hclog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const (
	outboundQueueSize = 1024
	dialTimeout       = 3 * time.Second
)

var ErrUnknownPeer = errors.New("unknown peer")

// Network moves protocol messages between the authorities of one epoch.
type Network interface {
	// Broadcast queues msg for every other authority.
	Broadcast(msgType uint8, msg interface{}) error
	// Send queues msg for one authority.
	Send(to committee.AuthorityIndex, msgType uint8, msg interface{}) error
	// Inbound delivers the decoded msgs of every peer.
	Inbound() <-chan conn.Envelope
	Close() error
}

type outboundMsg struct {
	msgType uint8
	msg     interface{}
}

// PeerNetwork implements Network on top of the framed transport. Every peer has
// its own outbound queue and sender routine, so a slow peer never delays the others.
type PeerNetwork struct {
	self   committee.AuthorityIndex
	trans  *conn.NetworkTransport
	addrs  map[committee.AuthorityIndex]string
	queues map[committee.AuthorityIndex]chan outboundMsg
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// StartP2PListen starts the node's transport and the per-peer sender routines.
// With conf.UseTLS the connections are mutually authenticated and bound to the committee epoch.
func StartP2PListen(conf *config.Config, c *committee.Committee, logger hclog.Logger) (*PeerNetwork, error) {
	transConf := &conn.NetworkTransportConfig{
		MaxPool:           conf.MaxPool,
		ReflectedTypesMap: reflectedTypesMap,
		Logger:            logger.Named("net"),
		Timeout:           dialTimeout,
	}
	var (
		trans *conn.NetworkTransport
		err   error
	)
	if conf.UseTLS {
		expected := make(map[string]uint32, c.Size())
		for _, a := range c.Authorities() {
			expected[a.Address] = uint32(a.Index)
		}
		trans, err = conn.NewTLSTransportWithConfig(conf.ListenAddr, conn.TLSConfig{
			ServerName: c.ConnectionName(),
			Key:        conf.NetworkKey,
			Identify: func(key ed25519.PublicKey) (uint32, bool) {
				index, ok := c.IdentifyNetworkKey(key)
				return uint32(index), ok
			},
			Expect: func(address string) (uint32, bool) {
				index, ok := expected[address]
				return index, ok
			},
		}, transConf)
	} else {
		logger.Warn("plain TCP transport, peers are not authenticated; use it for local tests and benchmarks only")
		trans, err = conn.NewTCPTransportWithConfig(conf.ListenAddr, transConf)
	}
	if err != nil {
		return nil, errors.Wrap(err, "starting transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &PeerNetwork{
		self:   conf.Index,
		trans:  trans,
		addrs:  make(map[committee.AuthorityIndex]string),
		queues: make(map[committee.AuthorityIndex]chan outboundMsg),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, a := range c.Authorities() {
		if a.Index == conf.Index {
			continue
		}
		n.addrs[a.Index] = a.Address
		q := make(chan outboundMsg, outboundQueueSize)
		n.queues[a.Index] = q
		n.wg.Add(1)
		go n.sendLoop(a.Index, q)
	}
	return n, nil
}

// EstablishP2PConns dials every peer until it answers or ctx is done.
func (n *PeerNetwork) EstablishP2PConns(ctx context.Context) error {
	for index, addr := range n.addrs {
		bo := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second}
		for {
			connect, err := n.trans.GetConn(addr)
			if err == nil {
				if err = n.trans.ReturnConn(connect); err != nil {
					return err
				}
				n.logger.Debug("connection has been established", "receiver", index, "address", addr)
				break
			}
			d := bo.Duration()
			n.logger.Info("waiting for peer", "peer", index, "address", addr, "retry-in", d)
			select {
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "connecting to peer %d", index)
			case <-time.After(d):
			}
		}
	}
	return nil
}

func (n *PeerNetwork) sendLoop(peer committee.AuthorityIndex, q chan outboundMsg) {
	defer n.wg.Done()
	addr := n.addrs[peer]
	for {
		select {
		case <-n.ctx.Done():
			return
		case m := <-q:
			if err := n.trans.Send(addr, m.msgType, m.msg); err != nil && !n.trans.IsShutdown() {
				n.logger.Debug("fail to send msg", "peer", peer, "type", m.msgType, "error", err)
			}
		}
	}
}

func (n *PeerNetwork) Broadcast(msgType uint8, msg interface{}) error {
	var first error
	for peer := range n.queues {
		if err := n.Send(peer, msgType, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (n *PeerNetwork) Send(to committee.AuthorityIndex, msgType uint8, msg interface{}) error {
	q, ok := n.queues[to]
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "authority %d", to)
	}
	select {
	case q <- outboundMsg{msgType: msgType, msg: msg}:
		return nil
	case <-n.ctx.Done():
		return conn.ErrTransportShutdown
	default:
		return errors.Errorf("outbound queue of authority %d is full", to)
	}
}

func (n *PeerNetwork) Inbound() <-chan conn.Envelope {
	return n.trans.MsgChan()
}

// LocalAddr returns the address the transport listens on.
func (n *PeerNetwork) LocalAddr() string {
	return n.trans.LocalAddr()
}

func (n *PeerNetwork) Close() error {
	var err error
	n.once.Do(func() {
		n.cancel()
		err = n.trans.Close()
		n.wg.Wait()
	})
	return err
}
