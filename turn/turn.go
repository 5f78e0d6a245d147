// Package turn implements the RFC 5766 TURN core: the STUN/ChannelData
// multiplexing codec, wire attributes and the shared address types used
// by both the turnclient and turnserver state machines.
package turn

import (
	"encoding/binary"

	"github.com/gortc/stun"
)

// bin is shorthand for binary.BigEndian, matching the wire layout of
// every TURN attribute and the ChannelData header.
var bin = binary.BigEndian

// Default ports for TURN from RFC 5766 Section 4, same as STUN.
const (
	DefaultPort    = stun.DefaultPort
	DefaultTLSPort = stun.DefaultTLSPort
)

// Message type shorthands for the methods this core recognizes.
var (
	AllocateRequest         = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	AllocateSuccess         = stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)
	RefreshRequest          = stun.NewType(stun.MethodRefresh, stun.ClassRequest)
	RefreshSuccess          = stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse)
	CreatePermissionRequest = stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
	CreatePermissionSuccess = stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse)
	ChannelBindRequest      = stun.NewType(stun.MethodChannelBind, stun.ClassRequest)
	ChannelBindSuccess      = stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse)
	SendIndication          = stun.NewType(stun.MethodSend, stun.ClassIndication)
	DataIndication          = stun.NewType(stun.MethodData, stun.ClassIndication)
)

// RequestedTransportUDP is the only REQUESTED-TRANSPORT value this core
// accepts (protocol number 17, per RFC 5766 Section 14.7).
var RequestedTransportUDP = RequestedTransport{Protocol: 17}

// Default lifetimes, in the units this core schedules refreshes with.
const (
	DefaultAllocationLifetimeSeconds = 600
	PermissionLifetimeSeconds        = 300
	ChannelLifetimeSeconds           = 600
)
