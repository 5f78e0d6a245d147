package turnserver

import (
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gortc/stun"
	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relaygo/turnd/turn"
)

// MetricsRegistry is the subset of prometheus.Registerer the server
// needs to publish its own and its Allocator's collectors.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// Options configures a Server.
type Options struct {
	Software string // SOFTWARE attribute omitted if blank
	Realm    string

	Auth         Authenticator // no authentication required if nil
	NonceManager *NonceManager // defaults to NewNonceManager(NonceDuration)
	PeerFilter   Rule          // defaults to AllowAll
	ClientFilter Rule          // defaults to AllowAll
	RelayAllocator RelayAllocator

	Conn     net.PacketConn
	Labels   prometheus.Labels
	Registry MetricsRegistry

	Log *zap.Logger

	DefaultLifetime time.Duration // defaults to time.Minute
	MaxLifetime     time.Duration // defaults to time.Hour
	NonceDuration   time.Duration // 0 disables nonce rotation
	CollectRate     time.Duration // allocation-table prune interval, defaults to time.Second

	Workers     int  // bound on concurrently-processed datagrams, defaults to 100
	AuthForSTUN bool // require long-term credentials on plain STUN Binding too
	ReusePort   bool // spawn one listener per GOMAXPROCS via SO_REUSEPORT
	ManualStart bool // caller will call Start explicitly
}

// Server is a TURN relay server: a UDP listener de-multiplexing STUN
// requests and ChannelData frames against a shared Allocator.
//
// Only UDP listeners are supported, matching the relay sockets the
// Allocator hands out.
type Server struct {
	addr     turn.Addr
	conn     net.PacketConn
	extraConns []net.PacketConn

	auth  Authenticator
	nonce *NonceManager
	cfg   atomic.Value

	log     *zap.Logger
	allocs  *Allocator
	metrics serverMetrics

	handlers map[stun.MessageType]handleFunc

	sem       chan struct{}
	close     chan struct{}
	wg        sync.WaitGroup
	reusePort bool
}

func (s *Server) config() config { return s.cfg.Load().(config) }

// SetOptions atomically swaps the server's live configuration. Fields
// left at their zero value reset to New's defaults.
func (s *Server) SetOptions(o Options) { s.cfg.Store(newConfig(o)) }

// New builds a Server listening on o.Conn. The caller retains ownership
// of o.Conn and must not close it except through Server.Close.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.CollectRate == 0 {
		o.CollectRate = time.Second
	}
	if len(o.Labels) == 0 {
		o.Labels = prometheus.Labels{}
	}
	o.Labels["addr"] = o.Conn.LocalAddr().String()
	if o.NonceManager == nil {
		o.NonceManager = NewNonceManager(o.NonceDuration)
	}
	if o.RelayAllocator == nil {
		udpAddr, ok := o.Conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			return nil, turn.WrapKind("New", turn.KindInvalidInput, errNonUDPListener)
		}
		o.RelayAllocator = UDPRelayAllocator{IP: udpAddr.IP}
	}

	s := &Server{
		auth:      o.Auth,
		nonce:     o.NonceManager,
		conn:      o.Conn,
		allocs:    NewAllocator(o.Log.Named("allocator"), o.RelayAllocator, o.Labels),
		close:     make(chan struct{}),
		sem:       make(chan struct{}, o.Workers),
		reusePort: reuseport.Available() && o.ReusePort,
	}
	if o.AuthForSTUN && o.Auth == nil {
		return nil, turn.WrapKind("New", turn.KindInvalidInput, errAuthForSTUNWithoutAuth)
	}
	udpAddr, ok := o.Conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, turn.WrapKind("New", turn.KindInvalidInput, errNonUDPListener)
	}
	s.addr = turn.AddrFromUDP(udpAddr)
	s.log = o.Log.With(zap.Stringer("server", s.addr))
	s.cfg.Store(newConfig(o))
	s.setHandlers()

	if o.Registry != nil {
		if err := o.Registry.Register(s.allocs); err != nil {
			return nil, turn.WrapKind("New", turn.KindOther, err)
		}
		m := newPromMetrics(o.Labels)
		if err := o.Registry.Register(m); err != nil {
			return nil, turn.WrapKind("New", turn.KindOther, err)
		}
		s.metrics = m
	} else {
		s.metrics = noopMetrics{}
	}
	if !o.ManualStart {
		s.Start(o.CollectRate)
	}
	return s, nil
}

var errNonUDPListener = nonUDPListenerErr{}

type nonUDPListenerErr struct{}

func (nonUDPListenerErr) Error() string { return "turnserver: listener must be a *net.UDPAddr" }

var errAuthForSTUNWithoutAuth = authForSTUNWithoutAuthErr{}

type authForSTUNWithoutAuthErr struct{}

func (authForSTUNWithoutAuthErr) Error() string {
	return "turnserver: AuthForSTUN requires a non-nil Authenticator"
}

// Start begins the background allocation-table prune loop. New already
// calls this unless Options.ManualStart is set.
func (s *Server) Start(rate time.Duration) {
	s.wg.Add(1)
	t := time.NewTicker(rate)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				s.allocs.Prune(now)
			case <-s.close:
				return
			}
		}
	}()
}

// Close stops the prune loop and every listening socket, and waits for
// in-flight workers to drain.
func (s *Server) Close() error {
	close(s.close)
	if err := s.conn.Close(); err != nil {
		s.log.Warn("failed to close listener", zap.Error(err))
	}
	for _, c := range s.extraConns {
		if err := c.Close(); err != nil {
			s.log.Warn("failed to close listener", zap.Error(err))
		}
	}
	s.wg.Wait()
	return nil
}

var errNotSTUNMessage = notSTUNMessageErr{}

type notSTUNMessageErr struct{}

func (notSTUNMessageErr) Error() string { return "turnserver: not a STUN message or ChannelData frame" }

// process classifies ctx.request.Raw as a STUN message or a ChannelData
// frame (RFC 5766 Section 11.2's multiplexing rule: top two bits 0b00 is
// STUN, 0b01 is ChannelData) and dispatches accordingly; a datagram that
// is neither is dropped. UDP datagrams arrive whole, so this single-
// buffer classification replaces the stream framing the client's codec
// needs for its TCP-capable transport.
func (s *Server) process(ctx *context) error {
	switch {
	case stun.IsMessage(ctx.request.Raw):
		return s.processMessage(ctx)
	case turn.IsChannelData(ctx.request.Raw):
		ctx.cdata.Raw = ctx.request.Raw
		return s.processChannelData(ctx)
	default:
		s.log.Debug("dropping datagram that is neither STUN nor ChannelData", zap.Stringer("addr", ctx.client))
		return errNotSTUNMessage
	}
}

func isErrConnClosed(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

// serveConn runs one received datagram through processing and writes
// back any response. It always returns the context to the pool.
func (s *Server) serveConn(ctx *context) {
	defer putContext(ctx)
	ctx.time = time.Now()
	ctx.request.Raw = ctx.buf

	udpAddr, ok := ctx.addr.(*net.UDPAddr)
	if !ok {
		s.log.Error("unexpected address type", zap.Stringer("addr", ctx.addr))
		return
	}
	ctx.client = turn.AddrFromUDP(udpAddr)
	ctx.proto = turn.ProtoUDP
	ctx.server = s.addr
	if !ctx.allowClient(ctx.client) {
		s.log.Debug("client denied by filter", zap.Stringer("addr", ctx.client))
		return
	}
	ctx.setTuple()

	if err := s.process(ctx); err != nil {
		if err != errNotSTUNMessage {
			s.log.Error("failed to process datagram", zap.Error(err))
		}
		return
	}
	if len(ctx.response.Raw) == 0 {
		return // indication: no response to send
	}
	if err := ctx.conn.SetWriteDeadline(ctx.time.Add(time.Second)); err != nil {
		s.log.Warn("failed to set write deadline", zap.Error(err))
	}
	if _, err := ctx.conn.WriteTo(ctx.response.Raw, ctx.addr); err != nil && !isErrConnClosed(err) {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}

// worker drains datagrams from conn, bounding concurrent processing to
// cap(s.sem) in-flight datagrams at a time: the read loop acquires the
// semaphore before spawning each processing goroutine, so while the
// bound is reached it stops reading and further datagrams wait in the
// socket's receive buffer.
func (s *Server) worker(conn net.PacketConn) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.close:
			return
		default:
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("read failed", zap.Error(err))
			}
			return
		}

		ctx := acquireContext()
		ctx.conn = conn
		ctx.addr = addr
		ctx.cfg = s.config()
		ctx.buf = ctx.buf[:cap(ctx.buf)]
		copy(ctx.buf, buf[:n])
		ctx.buf = ctx.buf[:n]

		s.wg.Add(1)
		s.sem <- struct{}{}
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serveConn(ctx)
		}()
	}
}

// Serve listens until Close is called, spawning one reader goroutine per
// GOMAXPROCS. With Options.ReusePort and kernel SO_REUSEPORT support,
// each reader gets its own socket bound to the same address, letting the
// kernel load-balance incoming datagrams across them.
func (s *Server) Serve() error {
	for i := 0; i < runtime.GOMAXPROCS(-1); i++ {
		s.wg.Add(1)
		conn := s.conn
		if s.reusePort {
			laddr := s.conn.LocalAddr()
			extra, err := reuseport.ListenPacket(laddr.Network(), laddr.String())
			if err != nil {
				s.log.Warn("failed to open additional reuseport socket", zap.Error(err))
			} else {
				s.extraConns = append(s.extraConns, extra)
				conn = extra
			}
		}
		go s.worker(conn)
	}
	s.wg.Wait()
	return nil
}
