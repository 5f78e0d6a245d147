package turnserver

import (
	"time"

	"github.com/gortc/stun"
)

// config is the server's live, swappable configuration: handlers read it
// through an atomic.Value so a reload never needs to stop in-flight
// request processing.
type config struct {
	defaultLifetime time.Duration
	maxLifetime     time.Duration
	authForSTUN     bool
	software        stun.Software
	realm           stun.Realm
	peerFilter      Rule
	clientFilter    Rule
}

func newConfig(o Options) config {
	c := config{
		defaultLifetime: o.DefaultLifetime,
		maxLifetime:     o.MaxLifetime,
		authForSTUN:     o.AuthForSTUN,
		peerFilter:      o.PeerFilter,
		clientFilter:    o.ClientFilter,
	}
	if c.defaultLifetime == 0 {
		c.defaultLifetime = time.Minute
	}
	if c.maxLifetime == 0 {
		c.maxLifetime = time.Hour
	}
	if c.peerFilter == nil {
		c.peerFilter = AllowAll
	}
	if c.clientFilter == nil {
		c.clientFilter = AllowAll
	}
	if o.Software != "" {
		c.software = stun.NewSoftware(o.Software)
	}
	if o.Realm != "" {
		c.realm = stun.NewRealm(o.Realm)
	}
	return c
}
