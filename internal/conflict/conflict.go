// Package conflict implements multi-device conflict detection and
// resolution over vector-clocked file states.
package conflict

import (
	"github.com/tummycrypt/tcfs/internal/vclock"
)

// OutcomeKind classifies the result of comparing a local and remote file
// state.
type OutcomeKind int

const (
	// UpToDate indicates the two sides already agree (hash-equal).
	UpToDate OutcomeKind = iota
	// LocalNewer indicates the local vector clock strictly dominates.
	LocalNewer
	// RemoteNewer indicates the remote vector clock strictly dominates.
	RemoteNewer
	// Conflict indicates divergent, incomparable, or contradictory state.
	Conflict
)

// ConflictInfo captures everything needed to resolve or report a conflict.
type ConflictInfo struct {
	RelPath      string
	LocalVClock  vclock.Clock
	RemoteVClock vclock.Clock
	LocalBlake3  string
	RemoteBlake3 string
	LocalDevice  string
	RemoteDevice string
	DetectedAt   uint64
}

// SyncOutcome is the tagged result of CompareClocks: exactly one of the
// Kind-indicated fields is meaningful. Conflict carries an Info payload.
type SyncOutcome struct {
	Kind OutcomeKind
	Info *ConflictInfo
}

// Resolution is the chosen disposition for a detected conflict.
type Resolution int

const (
	// KeepLocal discards the remote side.
	KeepLocal Resolution = iota
	// KeepRemote discards the local side.
	KeepRemote
	// KeepBoth preserves both sides under distinct names.
	KeepBoth
	// Defer postpones resolution, leaving the conflict recorded.
	Defer
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	case KeepBoth:
		return "keep_both"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Resolver decides how to resolve a detected conflict.
type Resolver interface {
	Resolve(info ConflictInfo) Resolution
}

// AutoResolver deterministically resolves conflicts via a lexicographic
// device-id tie-break: the device with the lexicographically smaller id
// wins, so every device reaches the same decision independently.
type AutoResolver struct{}

// Resolve implements Resolver.
func (AutoResolver) Resolve(info ConflictInfo) Resolution {
	if info.LocalDevice <= info.RemoteDevice {
		return KeepLocal
	}
	return KeepRemote
}

// CompareClocks determines the sync outcome between a local and remote file
// state. A hash match always wins (UpToDate), even if the clocks disagree;
// otherwise clock dominance decides LocalNewer/RemoteNewer, and equal clocks
// with differing hashes, or incomparable (concurrent) clocks, are a Conflict.
func CompareClocks(relPath string, localVClock, remoteVClock vclock.Clock, localHash, remoteHash, localDevice, remoteDevice string, detectedAt uint64) SyncOutcome {
	if localHash == remoteHash {
		return SyncOutcome{Kind: UpToDate}
	}

	ord, ok := localVClock.PartialCmp(remoteVClock)
	if !ok {
		return SyncOutcome{
			Kind: Conflict,
			Info: &ConflictInfo{
				RelPath:      relPath,
				LocalVClock:  localVClock,
				RemoteVClock: remoteVClock,
				LocalBlake3:  localHash,
				RemoteBlake3: remoteHash,
				LocalDevice:  localDevice,
				RemoteDevice: remoteDevice,
				DetectedAt:   detectedAt,
			},
		}
	}

	switch ord {
	case vclock.Greater:
		return SyncOutcome{Kind: LocalNewer}
	case vclock.Less:
		return SyncOutcome{Kind: RemoteNewer}
	default: // Equal clocks, different hash: a real conflict.
		return SyncOutcome{
			Kind: Conflict,
			Info: &ConflictInfo{
				RelPath:      relPath,
				LocalVClock:  localVClock,
				RemoteVClock: remoteVClock,
				LocalBlake3:  localHash,
				RemoteBlake3: remoteHash,
				LocalDevice:  localDevice,
				RemoteDevice: remoteDevice,
				DetectedAt:   detectedAt,
			},
		}
	}
}
