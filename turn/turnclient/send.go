package turnclient

import (
	"context"

	"github.com/gortc/stun"

	"github.com/relaygo/turnd/turn"
)

// Send is the synchronous (enqueue-only) send path (spec.md Section
// 4.5, "start_send"): if a confirmed channel binding exists for peer,
// the payload is framed as ChannelData; else if a permission exists for
// peer's IP, it is sent as a SEND indication; otherwise it fails with
// KindInvalidInput.
func (c *Client) Send(peer turn.Addr, data []byte) error {
	if number, ok := c.channelFor(peer); ok {
		cd, err := turn.NewChannelData(number, data)
		if err != nil {
			return turn.WrapKind("Send", turn.KindInvalidInput, err)
		}
		return turn.WrapKind("Send", turn.KindIO, c.chanTr.Send(cd))
	}
	if c.hasPermission(peer.IPKey()) {
		m := stun.New()
		if err := m.Build(stun.TransactionID, turn.SendIndication,
			turn.PeerAddressFromAddr(peer), turn.Data(data),
		); err != nil {
			return turn.WrapKind("Send", turn.KindInvalidInput, err)
		}
		if err := stun.Fingerprint.AddTo(m); err != nil {
			return turn.WrapKind("Send", turn.KindInvalidInput, err)
		}
		return turn.WrapKind("Send", turn.KindIO, c.stunTr.Send(m))
	}
	return turn.WrapKind("Send", turn.KindInvalidInput, errNoRoute)
}

// SendCtx is Send with cancellation, useful when the underlying
// transport's Send can legitimately block (e.g. a full TCP write
// buffer).
func (c *Client) SendCtx(ctx context.Context, peer turn.Addr, data []byte) error {
	done := make(chan error, 1)
	go func() { done <- c.Send(peer, data) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
