package plexus

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/plexus/wire"
)

const maxDatagramSize = 64 * 1024

// udpConn is a logical connection to one remote address. UDP has no connections, so datagrams are
// delivered to it by the socket reader.
type udpConn struct {
	remote  *net.UDPAddr
	m       wire.Marshaller
	write   func(datagram []byte) error
	release func()

	recvCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newUDPConn(remote *net.UDPAddr, queueSize int, write func([]byte) error, release func()) *udpConn {
	return &udpConn{
		remote:  remote,
		m:       wire.NewMarshaller(),
		write:   write,
		release: release,
		recvCh:  make(chan []byte, queueSize),
		closed:  make(chan struct{}),
	}
}

func (c *udpConn) SendFrame(frame any) error {
	datagram, err := wire.Encode(frame, c.m)
	if err != nil {
		return err
	}
	return c.write(datagram)
}

func (c *udpConn) ReceiveFrame() (any, error) {
	select {
	case <-c.closed:
		return nil, errors.WithStack(net.ErrClosed)
	case datagram := <-c.recvCh:
		frame, err := wire.Decode(datagram, c.m)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocolViolation, "invalid datagram: %s", err)
		}
		return frame, nil
	}
}

func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.release()
	})
	return nil
}

// deliver passes datagram to the receiver. Datagram is dropped if receiver is not keeping up.
func (c *udpConn) deliver(datagram []byte) {
	select {
	case c.recvCh <- datagram:
	default:
	}
}

// udpListener demultiplexes datagrams received on a bound socket by their source address.
type udpListener struct {
	conn      *net.UDPConn
	queueSize int

	mu    sync.Mutex
	peers map[string]*udpConn
}

func newUDPListener(conn *net.UDPConn, queueSize int) *udpListener {
	return &udpListener{
		conn:      conn,
		queueSize: queueSize,
		peers:     map[string]*udpConn{},
	}
}

// run reads datagrams until socket is closed. Handler is started for every new remote address.
func (l *udpListener) run(ctx context.Context, handler func(ctx context.Context, c *udpConn)) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reader", parallel.Fail, func(ctx context.Context) error {
			defer l.closePeers()

			buf := make([]byte, maxDatagramSize)
			for {
				n, addr, err := l.conn.ReadFromUDP(buf)
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return errors.WithStack(err)
				}

				c, isNew := l.peer(addr)
				c.deliver(bytes.Clone(buf[:n]))
				if isNew {
					spawn("channel", parallel.Continue, func(ctx context.Context) error {
						defer c.Close()

						handler(ctx, c)
						return nil
					})
				}
			}
		})
		return nil
	})
}

func (l *udpListener) peer(addr *net.UDPAddr) (*udpConn, bool) {
	key := addr.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.peers[key]; exists {
		return c, false
	}

	c := newUDPConn(addr, l.queueSize,
		func(datagram []byte) error {
			_, err := l.conn.WriteToUDP(datagram, addr)
			return errors.WithStack(err)
		},
		func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			delete(l.peers, key)
		},
	)
	l.peers[key] = c
	return c, true
}

func (l *udpListener) closePeers() {
	l.mu.Lock()
	peers := make([]*udpConn, 0, len(l.peers))
	for _, c := range l.peers {
		peers = append(peers, c)
	}
	l.mu.Unlock()

	for _, c := range peers {
		_ = c.Close()
	}
}

// dialUDP opens socket dedicated to the remote address.
func dialUDP(address string, queueSize int) (*net.UDPConn, *udpConn, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	return conn, newUDPConn(remote, queueSize,
		func(datagram []byte) error {
			_, err := conn.Write(datagram)
			return errors.WithStack(err)
		},
		func() {
			_ = conn.Close()
		},
	), nil
}

// readDialedUDP delivers datagrams received on dialed socket until it is closed.
func readDialedUDP(conn *net.UDPConn, c *udpConn) {
	defer c.Close()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		c.deliver(bytes.Clone(buf[:n]))
	}
}
