// Package turnclient implements the TURN client state machine: the
// allocation handshake (including the mandatory long-term-credential
// challenge-response), permission and channel-binding lifecycles,
// periodic refresh, and bidirectional relaying via SEND/DATA
// indications or ChannelData frames (spec.md Section 4.5).
package turnclient

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
	"github.com/relaygo/turnd/turn/timeoutqueue"
)

// Config configures a new Client.
type Config struct {
	ServerAddr turn.Addr
	Username   string
	Password   string
	Log        *zap.Logger

	// Framed selects TCP-style ChannelData padding; false (default) is
	// correct for the common UDP transport to the server.
	Framed bool

	// RequestTimeout bounds how long a single request/response round
	// trip is allowed to take before it fails with KindTimeout.
	RequestTimeout time.Duration
}

// timeout tags, each keyed by the entity they concern so the scheduler
// can dispatch without extra lookups. Seqno invalidates a timeout that
// fired after the entity already moved on (spec.md Section 9).
type refreshTag struct{ seqno uint64 }
type permissionTag struct {
	ip    string
	seqno uint64
}
type channelTag struct {
	peer  turn.Addr
	seqno uint64
}

type permState struct {
	addr      turn.Addr
	confirmed bool
	seqno     uint64
}

type chanState struct {
	number    turn.ChannelNumber
	confirmed bool
	seqno     uint64
}

// RecvResult is one inbound relayed datagram delivered via Recv.
type RecvResult struct {
	Peer turn.Addr
	Data []byte
}

// Client is the TURN client state machine described in spec.md Section
// 4.5. The exported operations (Allocate, CreatePermission, ChannelBind,
// Refresh, Send, Recv) are the Go-idiomatic stand-ins for the spec's
// poll_send/poll_recv model — see SPEC_FULL.md Section 5.
type Client struct {
	log *zap.Logger
	cfg Config

	stunTr *turn.StunTransport
	chanTr *turn.ChannelDataTransport

	auth *turn.AuthParams

	mu          sync.Mutex
	relayAddr   *turn.Addr
	lifetime    time.Duration
	allocSeqno  uint64
	permissions map[string]*permState // key: peer IP
	channels    map[string]*chanState // key: peer Addr.Key()
	peerByChan  map[turn.ChannelNumber]turn.Addr
	nextChan    turn.ChannelNumber

	pendingMu sync.Mutex
	pending   map[stun.TransactionID]chan *stun.Message

	recvCh chan RecvResult
	errCh  chan error

	timeouts *timeoutqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Client over t (a connected transport to the server:
// typically a dialed *net.UDPConn, or a *net.TCPConn with cfg.Framed
// set). The background read and scheduling loops are started
// immediately; call Close when done.
func New(cfg Config, t turn.Transport) *Client {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	stunTr, chanTr := turn.NewTransports(t, cfg.Framed)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:         cfg.Log.Named("turnclient"),
		cfg:         cfg,
		stunTr:      stunTr,
		chanTr:      chanTr,
		auth:        turn.NewAuthParams(cfg.Username, cfg.Password),
		permissions: make(map[string]*permState),
		channels:    make(map[string]*chanState),
		peerByChan:  make(map[turn.ChannelNumber]turn.Addr),
		nextChan:    turn.MinChannelNumber,
		pending:     make(map[stun.TransactionID]chan *stun.Message),
		recvCh:      make(chan RecvResult, 64),
		errCh:       make(chan error, 1),
		timeouts:    timeoutqueue.New(),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.wg.Add(3)
	go c.stunReadLoop()
	go c.channelReadLoop()
	go c.scheduleLoop()
	return c
}

// RelayAddr returns the relay address learned from the last successful
// Allocate, or nil if no allocation is active.
func (c *Client) RelayAddr() *turn.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayAddr == nil {
		return nil
	}
	cp := *c.relayAddr
	return &cp
}

// Close best-effort tears down the allocation (Refresh with LIFETIME=0)
// and stops the background loops. Errors from the best-effort refresh
// are ignored, per spec.md Section 4.5 "Cancellation / drop".
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	_ = c.Refresh(ctx, 0)
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) stunReadLoop() {
	defer c.wg.Done()
	for {
		item, err := c.stunTr.Recv(c.ctx)
		if err != nil {
			c.reportFatal(err)
			return
		}
		switch item.Kind {
		case turn.KindBrokenStun:
			c.log.Warn("discarding broken stun frame", zap.Error(item.ParseErr))
			continue
		case turn.KindStun:
			c.handleStun(item.Stun)
		}
	}
}

func (c *Client) handleStun(m *stun.Message) {
	if m.Type.Class == stun.ClassRequest {
		// spec.md Section 4.5: STUN requests inbound to the client are a
		// protocol violation.
		c.reportErr(errors.Errorf("turnclient: unexpected request from server: %s", m.Type))
		return
	}
	if m.Type.Class == stun.ClassIndication {
		c.handleIndication(m)
		return
	}
	// Response: dispatch to the waiting transaction, if any.
	c.pendingMu.Lock()
	ch, ok := c.pending[m.TransactionID]
	if ok {
		delete(c.pending, m.TransactionID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("dropping response with no matching transaction", zap.Stringer("type", m.Type))
		return
	}
	ch <- m
}

func (c *Client) handleIndication(m *stun.Message) {
	if m.Type != turn.DataIndication {
		c.reportErr(errors.Errorf("turnclient: unexpected indication %s", m.Type))
		return
	}
	var (
		peer turn.PeerAddress
		data turn.Data
	)
	if err := m.Parse(&peer, &data); err != nil {
		c.reportErr(errors.Wrap(err, "turnclient: failed to parse data indication"))
		return
	}
	addr := peer.Addr()
	c.mu.Lock()
	_, allowed := c.permissions[addr.IPKey()]
	c.mu.Unlock()
	if !allowed {
		c.reportErr(errors.Errorf("turnclient: data indication from %s with no permission", addr))
		return
	}
	c.deliver(addr, []byte(data))
}

func (c *Client) channelReadLoop() {
	defer c.wg.Done()
	for {
		cd, err := c.chanTr.Recv(c.ctx)
		if err != nil {
			c.reportFatal(err)
			return
		}
		c.mu.Lock()
		peer, ok := c.peerByChan[cd.Number]
		c.mu.Unlock()
		if !ok {
			c.reportErr(errors.Errorf("turnclient: channel data on unbound channel %s", cd.Number))
			continue
		}
		c.deliver(peer, append([]byte(nil), cd.Data...))
	}
}

func (c *Client) deliver(peer turn.Addr, data []byte) {
	select {
	case c.recvCh <- RecvResult{Peer: peer, Data: data}:
	case <-c.ctx.Done():
	}
}

func (c *Client) reportErr(err error) {
	c.log.Warn("turnclient error", zap.Error(err))
}

func (c *Client) reportFatal(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// Recv blocks until the next relayed datagram is available, ctx is
// cancelled, or the client's transport fails.
func (c *Client) Recv(ctx context.Context) (RecvResult, error) {
	select {
	case r := <-c.recvCh:
		return r, nil
	case err := <-c.errCh:
		return RecvResult{}, err
	case <-ctx.Done():
		return RecvResult{}, ctx.Err()
	case <-c.ctx.Done():
		return RecvResult{}, c.ctx.Err()
	}
}

// do sends req and waits for its matching response, retrying once on a
// 438 StaleNonce error (spec.md Section 4.5, "the one exception where
// the client MUST retry internally").
func (c *Client) do(ctx context.Context, build func(*turn.AuthParams) (*stun.Message, error)) (*stun.Message, error) {
	req, err := build(c.auth)
	if err != nil {
		return nil, turn.WrapKind("build request", turn.KindInvalidInput, err)
	}
	res, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Type.Class != stun.ClassErrorResponse {
		return res, nil
	}
	var code stun.ErrorCodeAttribute
	if getErr := code.GetFrom(res); getErr != nil {
		return nil, turn.WrapKind("do", turn.KindProtocolViolation, getErr)
	}
	if code.Code != stun.CodeStaleNonce {
		return res, nil
	}
	var nonce stun.Nonce
	if getErr := nonce.GetFrom(res); getErr != nil {
		return nil, turn.WrapKind("do", turn.KindProtocolViolation, getErr)
	}
	c.auth.SetNonce(nonce)
	req, err = build(c.auth)
	if err != nil {
		return nil, turn.WrapKind("build retry request", turn.KindInvalidInput, err)
	}
	return c.roundTrip(ctx, req)
}

func (c *Client) roundTrip(ctx context.Context, req *stun.Message) (*stun.Message, error) {
	ch := make(chan *stun.Message, 1)
	c.pendingMu.Lock()
	c.pending[req.TransactionID] = ch
	c.pendingMu.Unlock()
	if err := c.stunTr.Send(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, req.TransactionID)
		c.pendingMu.Unlock()
		return nil, turn.WrapKind("roundTrip", turn.KindIO, err)
	}
	timeout, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case res := <-ch:
		return res, nil
	case <-timeout.Done():
		c.pendingMu.Lock()
		delete(c.pending, req.TransactionID)
		c.pendingMu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, turn.WrapKind("roundTrip", turn.KindTimeout, timeout.Err())
	}
}
