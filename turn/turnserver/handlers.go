package turnserver

import (
	"time"

	"github.com/gortc/stun"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaygo/turnd/turn"
)

type handleFunc func(ctx *context) error

var channelBindRequest = stun.NewType(stun.MethodChannelBind, stun.ClassRequest)

func (s *Server) setHandlers() {
	s.handlers = map[stun.MessageType]handleFunc{
		stun.BindingRequest:          s.processBindingRequest,
		turn.AllocateRequest:         s.processAllocateRequest,
		turn.CreatePermissionRequest: s.processCreatePermissionRequest,
		turn.RefreshRequest:          s.processRefreshRequest,
		turn.SendIndication:          s.processSendIndication,
		channelBindRequest:           s.processChannelBinding,
	}
}

// HandlePeerData implements turnserver.PeerHandler: data arriving on an
// allocation's relay socket is forwarded to the client, preferring a
// bound channel (compact ChannelData framing) and falling back to a DATA
// indication when a permission exists for the peer's IP (RFC 5766
// Section 10.3). Data from a peer with neither is dropped.
func (s *Server) HandlePeerData(d []byte, t turn.FiveTuple, peer turn.Addr) {
	dst := t.Client.UDPAddr()
	l := s.log.With(zap.Stringer("tuple", t), zap.Stringer("peer", peer), zap.Int("len", len(d)))
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.Error("failed to set write deadline", zap.Error(err))
	}
	if n, ok := s.allocs.Bound(t, peer); ok {
		cdata := turn.ChannelData{Number: n, Data: d}
		cdata.Encode()
		if _, err := s.conn.WriteTo(cdata.Raw, dst); err != nil {
			l.Error("failed to relay channel data to client", zap.Error(err))
		}
		return
	}
	if !s.allocs.HasPermission(t, peer) {
		l.Debug("dropping peer data without a permission")
		return
	}
	m := stun.New()
	if err := m.Build(stun.TransactionID, turn.DataIndication,
		turn.Data(d), turn.PeerAddressFromAddr(peer), stun.Fingerprint,
	); err != nil {
		l.Error("failed to build data indication", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(m.Raw, dst); err != nil {
		l.Error("failed to relay data indication to client", zap.Error(err))
	}
}

func (s *Server) processBindingRequest(ctx *context) error {
	return ctx.buildOk((*stun.XORMappedAddress)(&ctx.client))
}

// rejectedAllocateAttrs are the TURN options this core explicitly does
// not implement (spec.md Section 1 Non-goals): EVEN-PORT,
// RESERVATION-TOKEN, DONT-FRAGMENT. Their presence on an ALLOCATE is a
// 420 Unknown Attribute, never a silent ignore.
var rejectedAllocateAttrs = []stun.AttrType{turn.AttrEvenPort, turn.AttrReservationToken, turn.AttrDontFragment}

// processAllocateRequest validates an ALLOCATE in the order spec.md
// Section 4.6 mandates: existing-allocation check first (437), then
// REQUESTED-TRANSPORT presence (400), then its value (442), then the
// rejected-option attributes (420). Checking existence up front means a
// client that already has an allocation gets 437 even when its retry
// also happens to be malformed in some other way.
func (s *Server) processAllocateRequest(ctx *context) error {
	if s.allocs.Exists(ctx.tuple) {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	var transport turn.RequestedTransport
	if err := transport.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if transport.Protocol != turn.RequestedTransportUDP.Protocol {
		return ctx.buildErr(turn.CodeUnsupportedTransportProtocol)
	}
	var unknown turn.UnknownAttributes
	for _, t := range rejectedAllocateAttrs {
		if ctx.request.Contains(t) {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		return ctx.buildErr(stun.CodeUnknownAttribute, unknown)
	}
	lifetime := ctx.cfg.defaultLifetime
	relayedAddr, err := s.allocs.New(ctx.tuple, ctx.time.Add(lifetime), s)
	switch err {
	case nil:
		return ctx.buildOk(
			(*stun.XORMappedAddress)(&ctx.tuple.Client),
			turn.RelayedAddress{IP: relayedAddr.IP, Port: relayedAddr.Port},
			turn.Lifetime{Duration: lifetime},
		)
	case ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	default:
		s.log.Warn("failed to allocate", zap.Error(err))
		return ctx.buildErr(stun.CodeServerError)
	}
}

func (s *Server) processRefreshRequest(ctx *context) error {
	var lifetime turn.Lifetime
	if err := lifetime.GetFrom(ctx.request); err != nil && err != stun.ErrAttributeNotFound {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	var allocErr error
	if lifetime.Duration == 0 {
		allocErr = s.allocs.Remove(ctx.tuple)
	} else {
		allocErr = s.allocs.Refresh(ctx.tuple, ctx.time.Add(lifetime.Duration))
	}
	switch allocErr {
	case nil:
		return ctx.buildOk(&lifetime)
	case ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	default:
		s.log.Error("failed to process refresh request", zap.Error(allocErr))
		return ctx.buildErr(stun.CodeServerError)
	}
}

func (s *Server) processCreatePermissionRequest(ctx *context) error {
	var addr turn.PeerAddress
	if err := addr.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	var lifetime turn.Lifetime
	switch err := lifetime.GetFrom(ctx.request); err {
	case nil:
		if max := ctx.cfg.maxLifetime; lifetime.Duration > max {
			lifetime.Duration = max
		}
	case stun.ErrAttributeNotFound:
		lifetime.Duration = ctx.cfg.defaultLifetime
	default:
		return ctx.buildErr(stun.CodeBadRequest)
	}
	peer := addr.Addr()
	if !ctx.allowPeer(peer) {
		// RFC 5766 Section 9.1's 403 Forbidden.
		return ctx.buildErr(stun.CodeForbidden)
	}
	timeout := ctx.time.Add(lifetime.Duration)
	switch err := s.allocs.CreatePermission(ctx.tuple, peer, timeout); err {
	case nil:
		return ctx.buildOk(&lifetime)
	case ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	default:
		s.log.Error("failed to create permission", zap.Error(err))
		return ctx.buildErr(stun.CodeServerError)
	}
}

func (s *Server) processSendIndication(ctx *context) error {
	var (
		data turn.Data
		addr turn.PeerAddress
	)
	if err := data.GetFrom(ctx.request); err != nil {
		return nil
	}
	if err := addr.GetFrom(ctx.request); err != nil {
		return nil
	}
	peer := addr.Addr()
	if !ctx.allowPeer(peer) {
		return nil
	}
	if !s.allocs.HasPermission(ctx.tuple, peer) {
		return nil
	}
	if err := s.allocs.Send(ctx.tuple, peer, data); err != nil {
		s.log.Warn("send indication failed", zap.Error(err))
	}
	return nil
}

func (s *Server) processChannelBinding(ctx *context) error {
	var (
		addr   turn.PeerAddress
		number turn.ChannelNumber
	)
	if err := addr.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if err := number.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	peer := addr.Addr()
	if !ctx.allowPeer(peer) {
		return ctx.buildErr(stun.CodeForbidden)
	}
	lifetime := ctx.cfg.defaultLifetime
	timeout := ctx.time.Add(lifetime)
	switch err := s.allocs.ChannelBind(ctx.tuple, number, peer, timeout); err {
	case nil:
		return ctx.buildOk(number, turn.Lifetime{Duration: lifetime})
	case ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	default:
		if turn.KindOf(err) == turn.KindInvalidInput {
			return ctx.buildErr(stun.CodeBadRequest)
		}
		s.log.Error("failed to bind channel", zap.Error(err))
		return ctx.buildErr(stun.CodeServerError)
	}
}

func (s *Server) processChannelData(ctx *context) error {
	if err := ctx.cdata.Decode(); err != nil {
		s.log.Debug("failed to decode channel data", zap.Stringer("addr", ctx.client), zap.Error(err))
		return nil
	}
	if err := s.allocs.SendBound(ctx.tuple, ctx.cdata.Number, ctx.cdata.Data); err != nil {
		s.log.Debug("channel data send failed", zap.Error(err))
	}
	return nil
}

func (s *Server) needAuth(ctx *context) bool {
	if s.auth == nil {
		return false
	}
	if ctx.request.Type.Class == stun.ClassIndication {
		return false
	}
	if ctx.request.Type == stun.BindingRequest && !ctx.cfg.authForSTUN {
		return false
	}
	return true
}

// processMessage runs one decoded STUN request through fingerprint
// verification, nonce/authentication and its handler. Malformed and
// unauthenticated requests never reach a handler.
func (s *Server) processMessage(ctx *context) error {
	if err := ctx.request.Decode(); err != nil {
		s.log.Debug("failed to decode request", zap.Stringer("addr", ctx.client), zap.Error(err))
		return nil
	}
	ctx.realm = ctx.cfg.realm
	s.metrics.incSTUNMessages()
	if ctx.request.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(ctx.request); err != nil {
			s.log.Debug("fingerprint check failed", zap.Error(err))
			return ctx.buildErr(stun.CodeBadRequest)
		}
	}
	if s.needAuth(ctx) {
		nonceErr := ctx.nonce.GetFrom(ctx.request)
		if nonceErr != nil && nonceErr != stun.ErrAttributeNotFound {
			return ctx.buildErr(stun.CodeBadRequest)
		}
		validNonce, checkErr := s.nonce.Check(ctx.tuple, ctx.nonce, ctx.time)
		if checkErr != nil && checkErr != ErrStaleNonce {
			s.log.Error("nonce check failed", zap.Error(checkErr))
			return ctx.buildErr(stun.CodeServerError)
		}
		ctx.nonce = validNonce
		if _, err := ctx.request.Get(stun.AttrMessageIntegrity); err == stun.ErrAttributeNotFound {
			s.metrics.incAuthFailures()
			return ctx.buildErr(stun.CodeUnauthorized)
		}
		if checkErr == ErrStaleNonce {
			s.metrics.incAuthFailures()
			return ctx.buildErr(stun.CodeStaleNonce)
		}
		integrity, err := s.auth.Auth(ctx.request)
		if err != nil {
			if ce := s.log.Check(zapcore.DebugLevel, "auth failed"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
			}
			s.metrics.incAuthFailures()
			return ctx.buildErr(stun.CodeUnauthorized)
		}
		ctx.integrity = integrity
	}
	h, ok := s.handlers[ctx.request.Type]
	if !ok {
		s.log.Warn("unsupported request type", zap.Stringer("type", ctx.request.Type))
		return ctx.buildErr(stun.CodeBadRequest)
	}
	return h(ctx)
}
