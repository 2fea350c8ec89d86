// Package remote declares the contract this module expects from the
// remote daemon client: the peer-to-peer RPC collaborator that invokes
// the destination daemon's Prepare/Finish entry points. Per §1 this is an
// external collaborator, treated as a synchronous RPC library; no
// ecosystem RPC framework appears as a *direct* dependency anywhere in
// the retrieval pack (grpc/protobuf only show up as nomad-driver's
// indirect transitive dependencies), so this package pins down the
// interface against net/rpc's call shape rather than inventing a wire
// format — see DESIGN.md.
package remote

import (
	"context"
)

// PrepareDirectArgs mirrors the coordinator's PrepareDirect call, marshalled
// across the peer RPC boundary.
type PrepareDirectArgs struct {
	CookieIn []byte
	URIIn    string
	Flags    uint64
	DefXML   string
}

// PrepareDirectReply is the peer's response.
type PrepareDirectReply struct {
	CookieOut []byte
	URIOut    string
}

// PrepareTunnelArgs mirrors PrepareTunnel; the stream itself is carried
// out-of-band (the RPC transport's own bidirectional channel), not in
// this struct.
type PrepareTunnelArgs struct {
	CookieIn []byte
	Flags    uint64
	DefXML   string
}

// FinishArgs mirrors the coordinator's Finish call.
type FinishArgs struct {
	CookieIn []byte
	Flags    uint64
	Retcode  int
	V3       bool
}

// FinishReply reports whether the destination's Finish succeeded; it
// carries no cookie.
type FinishReply struct {
	Success bool
}

// DaemonClient is a synchronous RPC client to a peer daemon, used only by
// peer-to-peer Perform. Implementations must be safe for use from a
// single goroutine per migration job (the coordinator serializes calls
// itself, consistent with EnterRemote/ExitRemote in §5).
type DaemonClient interface {
	PrepareDirect(ctx context.Context, args PrepareDirectArgs) (PrepareDirectReply, error)
	// PrepareTunnel dials the peer and returns both its reply cookie and
	// the bidirectional stream the caller's tunnel worker should relay
	// bytes over; the RPC transport owns the stream's lifetime.
	PrepareTunnel(ctx context.Context, args PrepareTunnelArgs) (stream TunnelStream, cookieOut []byte, err error)
	// Finish invokes the destination daemon's Finish entry point; called by
	// the source coordinator itself in peer-to-peer mode once its own
	// Perform has completed.
	Finish(ctx context.Context, args FinishArgs) (FinishReply, error)
	// Capabilities reports the destination's advertised feature bits,
	// consulted for protocol choice (v3+params / v3+legacy / v2).
	Capabilities(ctx context.Context) (map[string]bool, error)
	// Alive probes destination connection liveness for C4's exit condition (a).
	Alive(ctx context.Context) bool
	Close() error
}

// TunnelStream is the bidirectional control stream handed to
// PrepareTunnel; it satisfies internal/tunnel.Stream so the same relay
// worker can be driven over it.
type TunnelStream interface {
	Send(p []byte) error
	Finish() error
	Abort() error
}
