package wavedag

import (
	"sync"

	"github.com/gitzhang10/WaveDAG/committee"
	"github.com/gitzhang10/WaveDAG/conn"
	"github.com/pkg/errors"
)

const memInboundSize = 1 << 14

// memNet connects in-process nodes. A msg is dropped when its link is cut or
// when the receiver lags too far behind.
type memNet struct {
	lock    sync.RWMutex
	inbound map[committee.AuthorityIndex]chan conn.Envelope
	cut     map[[2]committee.AuthorityIndex]bool
}

func newMemNet(size int) *memNet {
	m := &memNet{
		inbound: make(map[committee.AuthorityIndex]chan conn.Envelope),
		cut:     make(map[[2]committee.AuthorityIndex]bool),
	}
	for i := 0; i < size; i++ {
		m.inbound[committee.AuthorityIndex(i)] = make(chan conn.Envelope, memInboundSize)
	}
	return m
}

// isolate cuts every link of the authority, heal restores them all.
func (m *memNet) isolate(a committee.AuthorityIndex) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for peer := range m.inbound {
		m.cut[[2]committee.AuthorityIndex{a, peer}] = true
		m.cut[[2]committee.AuthorityIndex{peer, a}] = true
	}
}

func (m *memNet) heal() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.cut = make(map[[2]committee.AuthorityIndex]bool)
}

func (m *memNet) endpoint(self committee.AuthorityIndex) *memEndpoint {
	return &memEndpoint{net: m, self: self}
}

func (m *memNet) deliver(from, to committee.AuthorityIndex, msg interface{}) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ch, ok := m.inbound[to]
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "authority %d", to)
	}
	if m.cut[[2]committee.AuthorityIndex{from, to}] {
		return nil
	}
	select {
	case ch <- conn.Envelope{Msg: msg, From: uint32(from), Authenticated: true}:
	default:
	}
	return nil
}

type memEndpoint struct {
	net  *memNet
	self committee.AuthorityIndex
}

func (e *memEndpoint) Broadcast(msgType uint8, msg interface{}) error {
	for peer := range e.net.inbound {
		if peer != e.self {
			if err := e.Send(peer, msgType, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *memEndpoint) Send(to committee.AuthorityIndex, _ uint8, msg interface{}) error {
	return e.net.deliver(e.self, to, msg)
}

func (e *memEndpoint) Inbound() <-chan conn.Envelope {
	return e.net.inbound[e.self]
}

func (e *memEndpoint) Close() error { return nil }
