package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/model"
)

const (
	// maxFrameSize bounds a single packet frame on the wire.
	maxFrameSize = 16 << 20

	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// TCP is a length-prefixed packet transport. Outbound connections are created
// on demand and cached per target; a broken connection is dropped and
// disconnect listeners are notified so pending calls can be failed.
type TCP struct {
	self     model.Address
	listener net.Listener
	handler  Handler
	logger   *zap.Logger

	mu      sync.Mutex
	conns   map[model.Address]net.Conn
	inbound map[net.Conn]struct{}

	lmu             sync.RWMutex
	disconnectFuncs []func(model.Address)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewTCP creates a TCP transport listening on bind (host:port).
func NewTCP(bind string, logger *zap.Logger) (*TCP, error) {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	return &TCP{
		self:     model.Address(listener.Addr().String()),
		listener: listener,
		logger:   logger,
		conns:    make(map[model.Address]net.Conn),
		inbound:  make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}, nil
}

// Self returns the transport's listen address.
func (t *TCP) Self() model.Address {
	return t.self
}

// SetHandler installs the inbound packet handler. Must be called before Start.
func (t *TCP) SetHandler(h Handler) {
	t.handler = h
}

// OnDisconnect registers a listener invoked with the target address of every
// dropped outbound connection.
func (t *TCP) OnDisconnect(f func(model.Address)) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.disconnectFuncs = append(t.disconnectFuncs, f)
}

// Start begins accepting inbound connections.
func (t *TCP) Start() {
	t.wg.Add(1)
	go t.acceptLoop()
	t.logger.Info("Transport started", zap.String("addr", t.self.String()))
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(conn, "")
	}
}

// Send encodes pkt and writes it to the cached connection for target,
// dialing if necessary.
func (t *TCP) Send(pkt *model.Packet, target model.Address) error {
	if target.IsZero() {
		return fmt.Errorf("no target address")
	}

	conn, err := t.getOrConnect(target)
	if err != nil {
		return err
	}

	frame, err := encodeFrame(pkt)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frame)
	t.mu.Unlock()
	if err != nil {
		t.dropConn(target)
		return fmt.Errorf("write to %s failed: %w", target, err)
	}
	return nil
}

// getOrConnect returns the cached connection for target, dialing a new one
// when absent.
func (t *TCP) getOrConnect(target model.Address) (net.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[target]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", target.String(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", target, err)
	}

	t.mu.Lock()
	if existing, ok := t.conns[target]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[target] = conn
	t.mu.Unlock()

	// responses from the peer arrive on the same connection
	t.wg.Add(1)
	go t.readLoop(conn, target)

	t.logger.Debug("Connected", zap.String("target", target.String()))
	return conn, nil
}

// readLoop consumes frames from conn until it breaks. target is the member
// address for outbound connections and empty for inbound ones.
func (t *TCP) readLoop(conn net.Conn, target model.Address) {
	defer t.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		pkt, err := decodeFrame(reader)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("Connection closed",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			break
		}
		if t.handler != nil {
			t.handler(pkt)
		}
	}

	if target.IsZero() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		return
	}
	t.dropConn(target)
}

// dropConn removes the cached connection for target and notifies disconnect
// listeners.
func (t *TCP) dropConn(target model.Address) {
	t.mu.Lock()
	conn, ok := t.conns[target]
	if ok {
		delete(t.conns, target)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()

	t.lmu.RLock()
	listeners := append([]func(model.Address){}, t.disconnectFuncs...)
	t.lmu.RUnlock()
	for _, f := range listeners {
		f(target)
	}
}

// Close stops the listener and drops every connection.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.listener.Close()

		t.mu.Lock()
		for target, conn := range t.conns {
			conn.Close()
			delete(t.conns, target)
		}
		for conn := range t.inbound {
			conn.Close()
		}
		t.mu.Unlock()

		t.wg.Wait()
		t.logger.Info("Transport closed")
	})
	return err
}

// encodeFrame renders pkt as a 4-byte big-endian length followed by its JSON
// encoding.
func encodeFrame(pkt *model.Packet) ([]byte, error) {
	body, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// decodeFrame reads one length-prefixed packet from r.
func decodeFrame(r io.Reader) (*model.Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var pkt model.Packet
	if err := json.Unmarshal(body, &pkt); err != nil {
		return nil, fmt.Errorf("failed to decode packet: %w", err)
	}
	return &pkt, nil
}
