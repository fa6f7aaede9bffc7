// Package resolve decides the winning version when a client's push
// names a base version the ledger has already advanced past.
//
// The resolver is pure: given the proposed change, the current
// authoritative entry, and the effective policy, it returns the same
// outcome every time, with no hidden state. This keeps it independently
// testable against fixed divergence scenarios.
package resolve

import (
	"fmt"

	"github.com/tillsync/tillsync/internal/model"
)

// Winner identifies which side's version prevails.
type Winner int

const (
	// WinnerServer keeps the authoritative state; the client's change
	// is discarded and the current state returned to it.
	WinnerServer Winner = iota

	// WinnerClient force-appends the client's change as a new version,
	// superseding history.
	WinnerClient

	// WinnerManual applies neither side; both versions are surfaced as
	// a conflict requiring operator resolution.
	WinnerManual
)

// String returns a human-readable name for the winner.
func (w Winner) String() string {
	switch w {
	case WinnerServer:
		return "server"
	case WinnerClient:
		return "client"
	case WinnerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Input carries the three things a resolution depends on.
type Input struct {
	// Proposed is the client's change, including its declared mutation
	// timestamp.
	Proposed model.Change

	// ClientID identifies the pushing client, used for deterministic
	// tie-breaking under last-write-wins.
	ClientID string

	// Current is the ledger's head entry for the record.
	Current *model.LedgerEntry

	// Policy is the effective conflict policy for the record.
	Policy model.ConflictPolicy
}

// Outcome is the resolver's decision.
type Outcome struct {
	Winner Winner
	Policy model.ConflictPolicy
}

// Resolve applies the policy to a divergence.
func Resolve(in Input) (Outcome, error) {
	if in.Current == nil {
		return Outcome{}, fmt.Errorf("current entry is required")
	}
	if !in.Policy.Valid() {
		return Outcome{}, fmt.Errorf("unknown conflict policy %q", in.Policy)
	}

	out := Outcome{Policy: in.Policy}

	switch in.Policy {
	case model.PolicyServerWins:
		out.Winner = WinnerServer

	case model.PolicyClientWins:
		out.Winner = WinnerClient

	case model.PolicyLastWriteWins:
		out.Winner = lastWriteWinner(in)

	case model.PolicyManual:
		out.Winner = WinnerManual
	}

	return out, nil
}

// lastWriteWinner compares mutation timestamps; the later one wins.
// Ties break toward the lexicographically smaller client identifier so
// that both sites resolve identically regardless of delivery order. A
// server-authored current entry has an empty origin and therefore wins
// any tie.
func lastWriteWinner(in Input) Winner {
	proposedAt := in.Proposed.ChangedAt
	currentAt := in.Current.ChangedAt

	if proposedAt.After(currentAt) {
		return WinnerClient
	}
	if currentAt.After(proposedAt) {
		return WinnerServer
	}

	if in.ClientID < in.Current.OriginClient {
		return WinnerClient
	}
	return WinnerServer
}
