package branchnet

import "errors"

// ErrServerClosed reports that the listener has been shut down.
var ErrServerClosed = errors.New("branchnet: server closed")

// Fixed rejection notices. The bodies are part of the wire protocol: existing
// branch clients match on the numeric prefixes, so they must stay verbatim.
const (
	noticeAuthTimeout     = `{"error" : "112 you should try to authorize yourself"}`
	noticeBadCredentials  = `{"error" : "211 get out, wrong password"}`
	noticeDuplicateBranch = `{"error" : "121 we already have same filiation"}`
)

// Audit request type codes shared with the legacy reporting queries.
const (
	auditTypeRenewalOut  = "3"
	auditTypeAuthAttempt = "7"
	auditTypeDisconnect  = "8"
	auditTypeRenewalIn   = "10"
)
