package turn

import "github.com/gortc/stun"

// TURN-specific error codes from RFC 5766 Section 15 that are not part
// of the base STUN error-code set gortcd already names (CodeUnauthorized,
// CodeBadRequest, CodeAllocMismatch, CodeStaleNonce, CodeForbidden,
// CodeServerError, CodeUnknownAttribute come from github.com/gortc/stun
// directly, since RFC 5389 Section 15.6 defines 420 as a base STUN
// error). These three are defined here by their RFC-assigned numeric
// value instead of guessing at a library constant name that may not
// exist in every gortc/stun release.
const (
	CodeUnsupportedTransportProtocol = stun.ErrorCode(442)
	CodeAllocationQuotaReached       = stun.ErrorCode(486)
	CodeInsufficientCapacity         = stun.ErrorCode(508)
)

// TURN-specific attribute types from RFC 5766 that this core only needs
// to detect the presence of (to reject them), not fully decode. Defined
// numerically for the same reason as the codes above.
const (
	AttrDontFragment     = stun.AttrType(0x001A)
	AttrReservationToken = stun.AttrType(0x0022)
	AttrEvenPort         = stun.AttrType(0x0018)
)
