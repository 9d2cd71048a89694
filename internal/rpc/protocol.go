package rpc

import "encoding/json"

// Command constants for every daemon operation.
const (
	CmdPing     = "ping"
	CmdShutdown = "shutdown"

	CmdCreate      = "create"
	CmdUpdate      = "update"
	CmdClose       = "close"
	CmdReopen      = "reopen"
	CmdDiscard     = "discard"
	CmdRestore     = "restore"
	CmdPrune       = "prune"
	CmdShow        = "show"
	CmdList        = "list"
	CmdReady       = "ready"
	CmdBlocked     = "blocked"
	CmdStats       = "stats"
	CmdResolveID   = "resolve_id"
	CmdDepAdd      = "dep_add"
	CmdDepRemove   = "dep_remove"
	CmdCommentAdd  = "comment_add"
	CmdCommentList = "comment_list"
	CmdLabelAdd    = "label_add"
	CmdLabelRemove = "label_remove"

	CmdClaim      = "claim"
	CmdRelease    = "release"
	CmdHeartbeat  = "heartbeat"
	CmdSync       = "sync"
	CmdLedgerSync = "ledger_sync"
)

// Ledger sync subactions carried in args.action.
const (
	LedgerSetup       = "setup"
	LedgerTeardown    = "teardown"
	LedgerPull        = "pull"
	LedgerPush        = "push"
	LedgerStatus      = "status"
	LedgerReconcile   = "reconcile"
	LedgerForceResync = "force_resync"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one client message. Repo-scoped commands carry repo_path in
// Args.
type Request struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ErrorInfo is the wire form of a failed command.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Response answers one request, matched by ID.
type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// OK builds a success response, marshaling data in place.
func OK(id string, data any) *Response {
	resp := &Response{ID: id, Status: StatusOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(id, err)
		}
		resp.Data = raw
	}
	return resp
}

// Fail builds an error response with the wire code for err.
func Fail(id string, err error) *Response {
	code, details := ErrorCode(err)
	return &Response{
		ID:     id,
		Status: StatusError,
		Error:  &ErrorInfo{Code: code, Message: err.Error(), Details: details},
	}
}
