package rpc

import (
	"errors"

	"github.com/eluent/eluent/internal/git"
	"github.com/eluent/eluent/internal/graph"
	"github.com/eluent/eluent/internal/idgen"
	"github.com/eluent/eluent/internal/ledger"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/syncer"
)

// Wire error codes. Clients dispatch on these, not on message text.
const (
	CodeNotFound            = "not_found"
	CodeAmbiguous           = "ambiguous"
	CodeConflict            = "conflict"
	CodeInvalidState        = "invalid_state"
	CodeInvalidRequest      = "invalid_request"
	CodeCycleDetected       = "cycle_detected"
	CodeNoRemote            = "no_remote"
	CodeGitFailed           = "git_failed"
	CodeGitTimeout          = "git_timeout"
	CodeLedgerNotConfigured = "ledger_not_configured"
	CodeUpgradeRequired     = "upgrade_required"
	CodeMaxRetriesExceeded  = "max_retries_exceeded"
	CodeSyncInProgress      = "sync_in_progress"
	CodeLockContention      = "lock_contention"
	CodeMessageTooLarge     = "message_too_large"
	CodeProtocolError       = "protocol_error"
	CodeAlreadyInitialized  = "already_initialized"
	CodeNotInitialized      = "not_initialized"
	CodeInternal            = "internal"
)

// ErrorCode maps an error to its wire code plus structured details where
// the error carries some (ambiguous candidates, cycle path, claim owner).
func ErrorCode(err error) (code string, details any) {
	var (
		ambiguous *idgen.AmbiguousError
		conflict  *store.ConflictError
		invalid   *store.InvalidStateError
		cycle     *graph.CycleError
		blocked   *ledger.BlockedError
		gitErr    *git.Error
	)
	switch {
	case store.IsNotFound(err), errors.Is(err, idgen.ErrNotFound):
		return CodeNotFound, nil
	case errors.As(err, &ambiguous):
		return CodeAmbiguous, map[string]any{"candidates": ambiguous.Candidates}
	case errors.As(err, &conflict):
		return CodeConflict, map[string]any{"owner": conflict.Owner}
	case errors.As(err, &invalid):
		return CodeInvalidState, map[string]any{"current": invalid.Current}
	case errors.As(err, &blocked):
		return CodeInvalidState, map[string]any{"blocked_by": blocked.BlockedBy}
	case errors.As(err, &cycle):
		return CodeCycleDetected, map[string]any{"path": cycle.Path}
	case errors.Is(err, git.ErrNoRemote):
		return CodeNoRemote, nil
	case errors.Is(err, git.ErrTimeout):
		return CodeGitTimeout, nil
	case errors.Is(err, ledger.ErrNotConfigured):
		return CodeLedgerNotConfigured, nil
	case errors.Is(err, ledger.ErrUpgradeRequired):
		return CodeUpgradeRequired, nil
	case errors.Is(err, ledger.ErrMaxRetries):
		return CodeMaxRetriesExceeded, nil
	case errors.Is(err, syncer.ErrSyncInProgress):
		return CodeSyncInProgress, nil
	case errors.Is(err, store.ErrLockContention):
		return CodeLockContention, nil
	case errors.Is(err, ErrMessageTooLarge):
		return CodeMessageTooLarge, nil
	case errors.Is(err, store.ErrAlreadyInitialized):
		return CodeAlreadyInitialized, nil
	case errors.Is(err, store.ErrNotInitialized):
		return CodeNotInitialized, nil
	case errors.As(err, &gitErr):
		return CodeGitFailed, map[string]any{"cmd": gitErr.Cmd, "stderr": gitErr.Stderr, "exit": gitErr.ExitCode}
	default:
		return CodeInternal, nil
	}
}
