package mpi

/* network.go contains the TCP transport. Rank 0 runs a hub which every other
rank connects to. A collective is done by every rank sending its contribution
to the hub, which combines them and sends each rank its result. */

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	// DefaultInitTimeout is how long Dial waits for the whole group to
	// connect when NetworkConfig.InitTimeout isn't set.
	DefaultInitTimeout = 30 * time.Second
	dialRetry          = 50 * time.Millisecond
)

// NetworkConfig describes how a rank joins a TCP job.
type NetworkConfig struct {
	Rank, Size int
	// Hub is the host:port the hub listens on. Rank 0 listens on it and all
	// other ranks dial it.
	Hub string
	// InitTimeout bounds how long Dial waits for the group to form. It is the
	// only timeout in the package: collectives themselves never time out.
	InitTimeout time.Duration
}

type packetKind uint8

const (
	helloPacket packetKind = iota
	contributePacket
	resultPacket
	abortPacket
	byePacket
)

// packet is the only message type sent over the wire.
type packet struct {
	Kind packetKind
	Op   opCode
	Seq  uint64
	Rank int
	Ints []uint64
	Msg  string
}

type peer struct {
	rank int
	conn net.Conn
	dec  *gob.Decoder

	mu  sync.Mutex
	enc *gob.Encoder
}

func newPeer(rank int, conn net.Conn) *peer {
	return &peer{
		rank: rank, conn: conn,
		dec: gob.NewDecoder(conn), enc: gob.NewEncoder(conn),
	}
}

func (p *peer) send(pk *packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(pk)
}

// Network is a rank in a TCP job.
type Network struct {
	rank, size int
	seq        uint64

	ln    net.Listener
	peers []*peer // Indexed by rank on the hub. Only peers[0] elsewhere.
	inbox chan *packet

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  *AbortError
}

var _ Comm = &Network{}

// Dial joins the job described by cfg. It returns once every rank in the
// group is connected.
func Dial(cfg NetworkConfig) (*Network, error) {
	if cfg.Size <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("mpi: invalid rank %d for a group of size %d",
			cfg.Rank, cfg.Size)
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}

	n := &Network{
		rank: cfg.Rank, size: cfg.Size,
		peers:   make([]*peer, cfg.Size),
		inbox:   make(chan *packet, cfg.Size),
		closed:  make(chan struct{}),
		aborted: make(chan struct{}),
	}

	var err error
	if cfg.Rank == 0 {
		err = n.listen(cfg)
	} else {
		err = n.dial(cfg)
	}
	if err != nil {
		n.Close()
		return nil, err
	}

	for _, p := range n.peers {
		if p != nil {
			go n.readLoop(p)
		}
	}
	glog.V(2).Infof("mpi: rank %d of %d connected through %s",
		n.rank, n.size, cfg.Hub)
	return n, nil
}

func (n *Network) listen(cfg NetworkConfig) error {
	ln, err := net.Listen("tcp", cfg.Hub)
	if err != nil {
		return fmt.Errorf("mpi: hub could not listen on %s: %v", cfg.Hub, err)
	}
	n.ln = ln

	deadline := time.Now().Add(cfg.InitTimeout)
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(deadline)
	}

	for joined := 1; joined < n.size; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("mpi: only %d of %d ranks joined before the "+
				"init timeout: %v", joined, n.size, err)
		}

		p := newPeer(-1, conn)
		hello := &packet{}
		conn.SetReadDeadline(deadline)
		if err := p.dec.Decode(hello); err != nil {
			return fmt.Errorf("mpi: could not read hello from %s: %v",
				conn.RemoteAddr(), err)
		}
		conn.SetReadDeadline(time.Time{})

		if hello.Kind != helloPacket || hello.Rank <= 0 ||
			hello.Rank >= n.size || n.peers[hello.Rank] != nil {
			conn.Close()
			return fmt.Errorf("mpi: bad hello from %s claiming rank %d",
				conn.RemoteAddr(), hello.Rank)
		}
		p.rank = hello.Rank
		n.peers[hello.Rank] = p
	}
	return nil
}

func (n *Network) dial(cfg NetworkConfig) error {
	deadline := time.Now().Add(cfg.InitTimeout)
	for {
		conn, err := net.DialTimeout("tcp", cfg.Hub, time.Until(deadline))
		if err == nil {
			p := newPeer(0, conn)
			n.peers[0] = p
			return p.send(&packet{Kind: helloPacket, Rank: n.rank})
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("mpi: rank %d could not reach hub %s: %v",
				n.rank, cfg.Hub, err)
		}
		time.Sleep(dialRetry)
	}
}

// readLoop forwards packets from p to the inbox until the connection closes.
// Abort packets are handled here so that an abort is seen even when the local
// rank isn't inside a collective.
func (n *Network) readLoop(p *peer) {
	for {
		pk := &packet{}
		if err := p.dec.Decode(pk); err != nil {
			select {
			case <-n.closed:
			default:
				n.abort(p.rank, fmt.Errorf("lost connection to rank %d: %v",
					p.rank, err), true)
			}
			return
		}

		switch pk.Kind {
		case abortPacket:
			n.abort(pk.Rank, errors.New(pk.Msg), true)
			continue
		case byePacket:
			return
		}

		select {
		case n.inbox <- pk:
		case <-n.aborted:
			return
		case <-n.closed:
			return
		}
	}
}

func (n *Network) Rank() int { return n.rank }
func (n *Network) Size() int { return n.size }

func (n *Network) Barrier() error {
	_, err := n.collective(opBarrier, nil)
	return err
}

func (n *Network) AllreduceSum(local []uint64) ([]uint64, error) {
	return n.collective(opAllreduceSum, local)
}

func (n *Network) ExscanSum(local []uint64) ([]uint64, error) {
	return n.collective(opExscanSum, local)
}

func (n *Network) Allgather(local []uint64) ([]uint64, error) {
	return n.collective(opAllgather, local)
}

func (n *Network) Abort(err error) {
	n.abort(n.rank, err, true)
}

// Close shuts down the connections of the local rank. Callers should make
// sure that every rank is done communicating (e.g. with a Barrier) first.
func (n *Network) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	for _, p := range n.peers {
		if p != nil {
			p.send(&packet{Kind: byePacket, Rank: n.rank})
			p.conn.Close()
		}
	}
	if n.ln != nil {
		return n.ln.Close()
	}
	return nil
}

func (n *Network) collective(op opCode, local []uint64) ([]uint64, error) {
	if err := n.abortError(); err != nil {
		return nil, err
	}
	n.seq++
	if n.rank == 0 {
		return n.hubCollective(op, local)
	}

	err := n.peers[0].send(&packet{
		Kind: contributePacket, Op: op, Seq: n.seq, Rank: n.rank, Ints: local,
	})
	if err != nil {
		n.abort(n.rank, fmt.Errorf("could not reach hub: %v", err), false)
		return nil, n.abortError()
	}

	select {
	case pk := <-n.inbox:
		if pk.Kind != resultPacket || pk.Seq != n.seq {
			n.Abort(fmt.Errorf("expected result %d of %s, got packet %d",
				n.seq, op, pk.Seq))
			return nil, n.abortError()
		}
		return pk.Ints, nil
	case <-n.aborted:
		return nil, n.abortError()
	}
}

func (n *Network) hubCollective(op opCode, local []uint64) ([]uint64, error) {
	in := make([][]uint64, n.size)
	in[0] = append([]uint64(nil), local...)

	for got := 1; got < n.size; got++ {
		var pk *packet
		select {
		case pk = <-n.inbox:
		case <-n.aborted:
			return nil, n.abortError()
		}

		if pk.Op != op || pk.Seq != n.seq {
			n.Abort(&CollectiveMismatchError{
				Rank: pk.Rank, Want: op.String(), Got: pk.Op.String(),
			})
			return nil, n.abortError()
		}
		in[pk.Rank] = pk.Ints
	}

	out, err := combine(op, in)
	if err != nil {
		n.Abort(err)
		return nil, n.abortError()
	}

	for r := 1; r < n.size; r++ {
		err := n.peers[r].send(&packet{
			Kind: resultPacket, Op: op, Seq: n.seq, Rank: 0, Ints: out[r],
		})
		if err != nil {
			n.Abort(fmt.Errorf("could not send result to rank %d: %v", r, err))
			return nil, n.abortError()
		}
	}
	return out[0], nil
}

// abort marks the job as aborted. If forward is true, the abort is passed on:
// the hub sends it to every rank and other ranks send it to the hub.
func (n *Network) abort(rank int, err error, forward bool) {
	n.abortOnce.Do(func() {
		n.mu.Lock()
		n.abortErr = &AbortError{Rank: rank, Err: err}
		n.mu.Unlock()
		close(n.aborted)

		if !forward {
			return
		}
		pk := &packet{Kind: abortPacket, Rank: rank, Msg: err.Error()}
		for _, p := range n.peers {
			if p != nil && p.rank != rank {
				// Best effort: a dead peer is already aborting.
				p.send(pk)
			}
		}
	})
}

func (n *Network) abortError() *AbortError {
	select {
	case <-n.aborted:
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.abortErr
	default:
		return nil
	}
}
