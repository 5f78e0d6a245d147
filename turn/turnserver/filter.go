package turnserver

import (
	"net"

	"github.com/relaygo/turnd/turn"
)

// Action is the decision a Rule makes about an address.
type Action byte

// Possible actions a Rule can return.
const (
	Pass Action = iota
	Allow
	Deny
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "pass"
	}
}

// Rule decides whether an address should be allowed to be used as a
// CREATE-PERMISSION or CHANNEL-BIND peer, or to reach the server as a
// client (RFC 5766 Section 9.1's 403 Forbidden is built on this).
type Rule interface {
	Action(addr turn.Addr) Action
}

type allowAll struct{}

func (allowAll) Action(turn.Addr) Action { return Allow }

// AllowAll never denies anything; it is the default when no filtering
// is configured.
var AllowAll Rule = allowAll{}

type subnetRule struct {
	action Action
	net    *net.IPNet
}

func (r subnetRule) Action(addr turn.Addr) Action {
	if r.net.Contains(addr.IP) {
		return r.action
	}
	return Pass
}

// NetRule returns a Rule that applies action to addresses inside subnet
// and Pass to everything else.
func NetRule(action Action, subnet string) (Rule, error) {
	_, parsed, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, turn.WrapKind("NetRule", turn.KindInvalidInput, err)
	}
	return subnetRule{action: action, net: parsed}, nil
}

// List evaluates rules in order and returns the first non-Pass
// decision, falling back to a default action.
type List struct {
	Default Action
	Rules   []Rule
}

// Action implements Rule.
func (l *List) Action(addr turn.Addr) Action {
	for _, r := range l.Rules {
		if a := r.Action(addr); a != Pass {
			return a
		}
	}
	return l.Default
}
