// Package wire defines the RPC request/response encodings of
// SPEC_FULL.md §6. Every frame begins with a Kind tag; handlers in
// package dispatch switch on it the same way server.handleFuseRequest
// switches on the concrete *bazilfuse.Request type in the teacher.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/parallelcore/mkinit/kernel"
)

// Kind is the request-kind tag at the head of every frame.
type Kind uint8

const (
	KindGenericNumber Kind = iota + 1
	KindGenericString
	KindSetupChannel
	KindMemserver
	KindTerminal
	KindTerminalStr
	KindProcMgmt
	KindFilesystem
	KindTestSuite
	KindDistcap
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindGenericNumber:
		return "GENERIC_NUMBER"
	case KindGenericString:
		return "GENERIC_STRING"
	case KindSetupChannel:
		return "SETUP_CHANNEL"
	case KindMemserver:
		return "MEMSERVER"
	case KindTerminal:
		return "TERMINAL"
	case KindTerminalStr:
		return "TERMINAL_STR"
	case KindProcMgmt:
		return "PROC_MGMT"
	case KindFilesystem:
		return "FILESYSTEM"
	case KindTestSuite:
		return "TEST_SUITE"
	case KindDistcap:
		return "DISTCAP"
	case KindNetwork:
		return "NETWORK"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ProcMgmtKind is the PROC_MGMT sub-kind (spec.md §6.1).
type ProcMgmtKind uint8

const (
	ProcSpawnCmdline ProcMgmtKind = iota + 1
	ProcSpawnDefault
	ProcAllPids
	ProcStatus
	ProcName
	ProcPid
	ProcPause
	ProcResume
	ProcWait
	ProcExit
	ProcKill
	ProcKillAll
)

// DistcapKind is the DISTCAP sub-kind (spec.md §6.1, §4.5).
type DistcapKind uint8

const (
	DistcapDelete DistcapKind = iota + 1
	DistcapRevoke
	DistcapRetype
	DistcapDeleteSync
	DistcapRevokeSync
	DistcapRetypeSync
)

// NetworkKind is the NETWORK sub-kind (spec.md §6.1).
type NetworkKind uint8

const (
	NetworkInit NetworkKind = iota + 1
	NetworkReceive
	NetworkPing
	NetworkSend
	NetworkListen
	NetworkSetIO
)

// AnyCore is the target-core value meaning "try local, forward if not
// found" (spec.md §4.6).
const AnyCore int32 = -1

// Request is a decoded inbound frame: a kind tag, an opaque payload
// that the per-kind handler interprets, and any capabilities riding
// alongside it (at most a handful; never a bulk transfer — those use
// the two-step variable-size protocol of spec.md §4.2).
type Request struct {
	Kind    Kind
	Payload []byte
	Caps    []kernel.CapRef
}

// Response is the symmetric outbound frame.
type Response struct {
	Kind    Kind
	Err     string
	Payload []byte
	Caps    []kernel.CapRef
}

// Encode serialises v (one of the *Request/*Response payload structs
// below) with gob, the simplest available codec that round-trips the
// Go structs this repo defines directly — the original wire format is
// a packed C struct layout; this repo owns both ends of the channel,
// so there is no interop requirement to replicate that layout bit for
// bit.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserialises into v, the inverse of Encode.
func Decode(b []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// MemserverRequest is the MEMSERVER request payload (spec.md §6.1).
type MemserverRequest struct {
	Size      uint64
	Alignment uint64
}

// MemserverResponse is the MEMSERVER response payload; the allocated
// RAM capability itself rides in Response.Caps[0].
type MemserverResponse struct {
	RetBytes uint64
}

// ProcMgmtRequest is the PROC_MGMT request payload. Argv is a packed
// trailer (spec.md §6.1); StdinFrame/StdoutFrame ride in Request.Caps.
type ProcMgmtRequest struct {
	Sub        ProcMgmtKind
	TargetCore int32
	Pid        uint32
	Name       string
	Cmdline    string
	Argv       []string
	ExitStatus int32
}

// ProcMgmtResponse is the PROC_MGMT response payload.
type ProcMgmtResponse struct {
	Pid      uint32
	Pids     []uint32
	Name     string
	State    uint8
	ExitCode int32
}

// DistcapRequest is the DISTCAP request payload (client-facing and
// internal sync variants share one envelope; spec.md §6.1).
type DistcapRequest struct {
	Sub     DistcapKind
	Cap     kernel.DomainCapRef
	Owner   kernel.CoreID
	Offset  uint64
	Objsize uint64
	Count   uint32
	Type    kernel.Type
	// DeleteSub carries the distcap.DeleteSubKind for a DELETE_SYNC
	// request; the wire format groups all three delete sub-kinds under
	// one DistcapKind (spec.md §6.1), so this field is what actually
	// distinguishes MOVE_OWNER/DELETE_FOREIGNS/LAST_NONOWNER.
	DeleteSub uint8
	// Identity/Relations are populated only for *_SYNC requests, where
	// the initiator has already identified the capability locally and
	// sends its contents rather than just its address (spec.md §4.5.3).
	Identity  kernel.Identity
	Relations kernel.Relations
}

// DistcapResponse is the DISTCAP response payload.
type DistcapResponse struct {
	Relations kernel.Relations
}

// NetworkRequest is the NETWORK request payload.
type NetworkRequest struct {
	Sub  NetworkKind
	MAC  [6]byte
	Data []byte
	Addr string
}

// NetworkResponse is the NETWORK response payload.
type NetworkResponse struct {
	Data []byte
}

// GenericNumberRequest/Response is the GENERIC_NUMBER request/response
// payload: a single echoed value, used by tests and simple health
// checks that need no domain-specific handler (spec.md §6.1).
type GenericNumberRequest struct {
	Value uint64
}

type GenericNumberResponse struct {
	Value uint64
}

// GenericStringRequest/Response is the GENERIC_STRING counterpart.
type GenericStringRequest struct {
	Str string
}

type GenericStringResponse struct {
	Str string
}

// SetupChannelRequest asks the receiving core to hand the caller a
// fresh endpoint channel for pid, the in-core analogue of spec.md
// §4.4's cross-core URPC hand-off (spec.md §6.1's SETUP_CHANNEL kind).
// The response carries no caps: the new channel is stored in the
// receiving core's ChannelRegistry, where it is found with Lookup.
type SetupChannelRequest struct {
	Pid uint32
}

type SetupChannelResponse struct{}

// FilesystemRequest adapts an opaque request into the out-of-scope
// FAT32 filesystem collaborator (spec.md §1 Out of scope: "specified
// only at their interface with the core"); Op names the FAT32
// operation and Payload is its driver-specific encoding.
type FilesystemRequest struct {
	Op      string
	Payload []byte
}

type FilesystemResponse struct {
	Payload []byte
}

// TestSuiteRequest/Response runs a named self-test registered with
// package dispatch's test-suite handler (spec.md §6.1 TEST_SUITE kind).
type TestSuiteRequest struct {
	Name string
}

type TestSuiteResponse struct {
	Passed bool
	Output string
}

// TerminalRequest is the TERMINAL/TERMINAL_STR request payload.
type TerminalRequest struct {
	Char byte
	Str  string
}

// TerminalResponse is the TERMINAL/TERMINAL_STR response payload.
type TerminalResponse struct {
	Char byte
	Str  string
}
