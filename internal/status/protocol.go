// Package status implements the UNIX-socket status protocol of spec.md
// §4.5: a newline-delimited JSON line protocol, one connection per status
// query, the server pushing the current status on connect and again on
// every state change.
package status

// MajorStatus mirrors the top-level lifecycle stage reported to clients.
// The exact enumerators beyond the ones exercised by name in the original
// implementation's tests (NeedConf, TLSFirst, TLSRenew) are inferred from
// the surrounding ACME lifecycle this status exists to report on; see
// DESIGN.md.
type MajorStatus int

const (
	MajorNeedConf MajorStatus = iota
	MajorTLSFirst
	MajorTLSRenew
	MajorReady
)

func (m MajorStatus) String() string {
	switch m {
	case MajorNeedConf:
		return "need_conf"
	case MajorTLSFirst:
		return "tls_first"
	case MajorTLSRenew:
		return "tls_renew"
	case MajorReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MinorStatus is the sub-state within a MajorStatus, mostly meaningful
// during the TLSFirst/TLSRenew ACME flows.
type MinorStatus int

const (
	MinorNone MinorStatus = iota
	MinorCreateAccount
	MinorCreateOrder
	MinorGetAuthz
	MinorValidate
	MinorFinalize
)

func (m MinorStatus) String() string {
	switch m {
	case MinorNone:
		return ""
	case MinorCreateAccount:
		return "create_account"
	case MinorCreateOrder:
		return "create_order"
	case MinorGetAuthz:
		return "get_authz"
	case MinorValidate:
		return "validate"
	case MinorFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Status is the full server-side status value, snapshotted into JSON for
// every client.
type Status struct {
	VersionMajor int
	VersionMinor int
	VersionPatch int
	Major        MajorStatus
	Minor        MinorStatus
	FullDomain   string
	TLSReady     bool
}

func (s Status) configured() string {
	if s.FullDomain != "" {
		return "yes"
	}
	return "no"
}

func (s Status) tlsReady() string {
	if s.TLSReady {
		return "yes"
	}
	return "no"
}

// initialMessage is the line sent once, immediately after connect.
type initialMessage struct {
	VersionMajor int    `json:"version_maj"`
	VersionMinor int    `json:"version_min"`
	VersionPatch int    `json:"version_patch"`
	Major        string `json:"major"`
	Minor        string `json:"minor"`
	FullDomain   string `json:"fulldomain"`
	Configured   string `json:"configured"`
	TLSReady     string `json:"tls_ready"`
}

// updateMessage is sent on every status change thereafter (no version
// fields, matching the original protocol's framing).
type updateMessage struct {
	Major      string `json:"major"`
	Minor      string `json:"minor"`
	FullDomain string `json:"fulldomain"`
	Configured string `json:"configured"`
	TLSReady   string `json:"tls_ready"`
}

func toInitialMessage(s Status) initialMessage {
	return initialMessage{
		VersionMajor: s.VersionMajor,
		VersionMinor: s.VersionMinor,
		VersionPatch: s.VersionPatch,
		Major:        s.Major.String(),
		Minor:        s.Minor.String(),
		FullDomain:   s.FullDomain,
		Configured:   s.configured(),
		TLSReady:     s.tlsReady(),
	}
}

func toUpdateMessage(s Status) updateMessage {
	return updateMessage{
		Major:      s.Major.String(),
		Minor:      s.Minor.String(),
		FullDomain: s.FullDomain,
		Configured: s.configured(),
		TLSReady:   s.tlsReady(),
	}
}

// command is a single line a client sends to the server.
type command struct {
	Command string `json:"command"`
}

// errorResponse is sent for any command the server can't act on.
type errorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// rejectResponse is sent instead of errorResponse when a line exceeds
// maxLineLength; the connection is closed immediately after.
type rejectResponse struct {
	Fail string `json:"fail"`
}

const maxLineLength = 4096
