package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/ledger"
	"github.com/eluent/eluent/internal/rpc"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/syncer"
	"github.com/eluent/eluent/internal/timeparsing"
	"github.com/eluent/eluent/internal/types"
)

func (d *Daemon) initHandlers() {
	d.handlers = map[string]handlerFunc{
		rpc.CmdPing:     d.handlePing,
		rpc.CmdShutdown: d.handleShutdown,

		rpc.CmdCreate:      d.handleCreate,
		rpc.CmdUpdate:      d.handleUpdate,
		rpc.CmdClose:       d.handleClose,
		rpc.CmdReopen:      d.handleReopen,
		rpc.CmdDiscard:     d.handleDiscard,
		rpc.CmdRestore:     d.handleRestore,
		rpc.CmdPrune:       d.handlePrune,
		rpc.CmdShow:        d.handleShow,
		rpc.CmdList:        d.handleList,
		rpc.CmdReady:       d.handleReady,
		rpc.CmdBlocked:     d.handleBlocked,
		rpc.CmdStats:       d.handleStats,
		rpc.CmdResolveID:   d.handleResolveID,
		rpc.CmdDepAdd:      d.handleDepAdd,
		rpc.CmdDepRemove:   d.handleDepRemove,
		rpc.CmdCommentAdd:  d.handleCommentAdd,
		rpc.CmdCommentList: d.handleCommentList,
		rpc.CmdLabelAdd:    d.handleLabelAdd,
		rpc.CmdLabelRemove: d.handleLabelRemove,

		rpc.CmdClaim:      d.handleClaim,
		rpc.CmdRelease:    d.handleRelease,
		rpc.CmdHeartbeat:  d.handleHeartbeat,
		rpc.CmdSync:       d.handleSync,
		rpc.CmdLedgerSync: d.handleLedgerSync,
	}
}

// repoArgs is the common shape of repo-scoped commands.
type repoArgs struct {
	RepoPath string `json:"repo_path"`
}

// decode unmarshals args into v, tolerating empty args.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("args are required")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

// repoInstance decodes repo_path and returns the cached instance.
func (d *Daemon) repoInstance(ctx context.Context, args json.RawMessage) (*instance, error) {
	var ra repoArgs
	if err := decode(args, &ra); err != nil {
		return nil, err
	}
	return d.instances.get(d.ctx, ra.RepoPath)
}

func (d *Daemon) handlePing(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "pid": d.pidOrZero(), "time": time.Now().UTC()}, nil
}

func (d *Daemon) pidOrZero() int {
	pid, err := d.pid.Read()
	if err != nil {
		return 0
	}
	return pid
}

func (d *Daemon) handleShutdown(_ context.Context, _ json.RawMessage) (any, error) {
	// The connection loop triggers the actual stop after responding.
	return map[string]any{"stopping": true}, nil
}

type createArgs struct {
	repoArgs
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	IssueType   string         `json:"issue_type,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	Labels      []string       `json:"labels,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	DeferUntil  string         `json:"defer_until,omitempty"`
	Ephemeral   bool           `json:"ephemeral,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (d *Daemon) handleCreate(ctx context.Context, args json.RawMessage) (any, error) {
	var ca createArgs
	if err := decode(args, &ca); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, ca.RepoPath)
	if err != nil {
		return nil, err
	}

	a := &types.Atom{
		Title:       ca.Title,
		Description: ca.Description,
		IssueType:   types.IssueType(ca.IssueType),
		Labels:      ca.Labels,
		Assignee:    ca.Assignee,
		ParentID:    ca.ParentID,
		Ephemeral:   ca.Ephemeral,
		Metadata:    ca.Metadata,
	}
	if a.IssueType == "" {
		a.IssueType = types.IssueType(inst.cfg.Defaults.IssueType)
	}
	if ca.Priority != nil {
		a.Priority = *ca.Priority
	} else {
		a.Priority = *inst.cfg.Defaults.Priority
	}
	if ca.DeferUntil != "" {
		// Accepts "+2d", RFC 3339, or natural language.
		t, err := timeparsing.Parse(ca.DeferUntil, time.Now())
		if err != nil {
			return nil, fmt.Errorf("defer_until: %w", err)
		}
		a.DeferUntil = &t
	}
	return inst.store.CreateAtom(a)
}

type updateArgs struct {
	repoArgs
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      *string `json:"status,omitempty"`
	DeferUntil  *string `json:"defer_until,omitempty"` // empty string clears
}

func (d *Daemon) handleUpdate(ctx context.Context, args json.RawMessage) (any, error) {
	var ua updateArgs
	if err := decode(args, &ua); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, ua.RepoPath)
	if err != nil {
		return nil, err
	}
	id, err := inst.store.ResolveID(ua.ID)
	if err != nil {
		return nil, err
	}
	return inst.store.UpdateAtom(id, func(a *types.Atom) error {
		if ua.Title != nil {
			a.Title = *ua.Title
		}
		if ua.Description != nil {
			a.Description = *ua.Description
		}
		if ua.Priority != nil {
			a.Priority = *ua.Priority
		}
		if ua.Assignee != nil {
			a.Assignee = *ua.Assignee
		}
		if ua.Status != nil {
			a.Status = types.Status(*ua.Status)
		}
		if ua.DeferUntil != nil {
			if *ua.DeferUntil == "" {
				a.DeferUntil = nil
			} else {
				t, err := timeparsing.Parse(*ua.DeferUntil, time.Now())
				if err != nil {
					return fmt.Errorf("defer_until: %w", err)
				}
				a.DeferUntil = &t
			}
		}
		return nil
	})
}

type idReasonArgs struct {
	repoArgs
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func (d *Daemon) resolveIDArgs(args json.RawMessage) (*instance, string, string, error) {
	var ia idReasonArgs
	if err := decode(args, &ia); err != nil {
		return nil, "", "", err
	}
	inst, err := d.instances.get(d.ctx, ia.RepoPath)
	if err != nil {
		return nil, "", "", err
	}
	id, err := inst.store.ResolveID(ia.ID)
	if err != nil {
		return nil, "", "", err
	}
	return inst, id, ia.Reason, nil
}

func (d *Daemon) handleClose(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, reason, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	return inst.store.CloseAtom(id, reason)
}

func (d *Daemon) handleReopen(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, _, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	return inst.store.ReopenAtom(id)
}

func (d *Daemon) handleDiscard(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, reason, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	return inst.store.DiscardAtom(id, reason)
}

func (d *Daemon) handleRestore(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, _, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	return inst.store.RestoreAtom(id)
}

type pruneArgs struct {
	repoArgs
	OlderThanDays *int `json:"older_than_days,omitempty"`
}

func (d *Daemon) handlePrune(_ context.Context, args json.RawMessage) (any, error) {
	var pa pruneArgs
	if err := decode(args, &pa); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, pa.RepoPath)
	if err != nil {
		return nil, err
	}
	days := *inst.cfg.Ephemeral.CleanupDays
	if pa.OlderThanDays != nil {
		days = *pa.OlderThanDays
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	discards, err := inst.store.PruneDiscards(cutoff)
	if err != nil {
		return nil, err
	}
	ephemeral, err := inst.store.PruneEphemeral(cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]int{"discards_pruned": discards, "ephemeral_pruned": ephemeral}, nil
}

func (d *Daemon) handleShow(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, _, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	a, err := inst.store.GetAtom(id)
	if err != nil {
		return nil, err
	}
	comments, err := inst.store.CommentsFor(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"atom":       a,
		"short_id":   inst.store.ShortenID(id),
		"bonds_out":  inst.store.BondsFrom(id),
		"bonds_in":   inst.store.BondsTo(id),
		"comments":   comments,
		"is_ready":   inst.calc.IsReady(id, time.Now()),
		"is_blocked": isBlocked(inst, id),
	}, nil
}

func isBlocked(inst *instance, id string) bool {
	for _, b := range inst.calc.Blocked() {
		if b.ID == id {
			return true
		}
	}
	return false
}

type listArgs struct {
	repoArgs
	Status          string   `json:"status,omitempty"`
	IssueType       string   `json:"issue_type,omitempty"`
	Assignee        *string  `json:"assignee,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	ParentID        string   `json:"parent_id,omitempty"`
	IncludeDiscards bool     `json:"include_discards,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

func (d *Daemon) handleList(_ context.Context, args json.RawMessage) (any, error) {
	var la listArgs
	if err := decode(args, &la); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, la.RepoPath)
	if err != nil {
		return nil, err
	}
	filter := types.AtomFilter{
		Assignee:        la.Assignee,
		Labels:          la.Labels,
		Priority:        la.Priority,
		ParentID:        la.ParentID,
		IncludeDiscards: la.IncludeDiscards,
		Limit:           la.Limit,
	}
	if la.Status != "" {
		s := types.Status(la.Status)
		filter.Status = &s
	}
	if la.IssueType != "" {
		t := types.IssueType(la.IssueType)
		filter.IssueType = &t
	}
	return inst.store.ListAtoms(filter), nil
}

type readyArgs struct {
	repoArgs
	IssueType       string   `json:"issue_type,omitempty"`
	Assignee        *string  `json:"assignee,omitempty"`
	Labels          []string `json:"labels,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	IncludeAbstract bool     `json:"include_abstract,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	SortPolicy      string   `json:"sort_policy,omitempty"`
}

func (d *Daemon) handleReady(_ context.Context, args json.RawMessage) (any, error) {
	var ra readyArgs
	if err := decode(args, &ra); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, ra.RepoPath)
	if err != nil {
		return nil, err
	}
	policy := types.SortPolicy(ra.SortPolicy)
	if !policy.IsValid() {
		return nil, fmt.Errorf("invalid sort_policy: %s", ra.SortPolicy)
	}
	filter := types.WorkFilter{
		Type:            types.IssueType(ra.IssueType),
		Assignee:        ra.Assignee,
		Labels:          ra.Labels,
		Priority:        ra.Priority,
		IncludeAbstract: ra.IncludeAbstract,
		Limit:           ra.Limit,
		SortPolicy:      policy,
	}
	return inst.calc.Ready(time.Now(), filter), nil
}

func (d *Daemon) handleBlocked(ctx context.Context, args json.RawMessage) (any, error) {
	inst, err := d.repoInstance(ctx, args)
	if err != nil {
		return nil, err
	}
	return inst.calc.Blocked(), nil
}

func (d *Daemon) handleStats(ctx context.Context, args json.RawMessage) (any, error) {
	inst, err := d.repoInstance(ctx, args)
	if err != nil {
		return nil, err
	}
	stats := inst.store.Stats()
	stats.ReadyAtoms = len(inst.calc.Ready(time.Now(), types.WorkFilter{}))
	return stats, nil
}

func (d *Daemon) handleResolveID(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, _, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id, "short_id": inst.store.ShortenID(id)}, nil
}

type depArgs struct {
	repoArgs
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Kind     string `json:"kind,omitempty"`
}

func (d *Daemon) depEndpoints(args json.RawMessage) (*instance, string, string, types.BondKind, error) {
	var da depArgs
	if err := decode(args, &da); err != nil {
		return nil, "", "", "", err
	}
	inst, err := d.instances.get(d.ctx, da.RepoPath)
	if err != nil {
		return nil, "", "", "", err
	}
	source, err := inst.store.ResolveID(da.SourceID)
	if err != nil {
		return nil, "", "", "", err
	}
	target, err := inst.store.ResolveID(da.TargetID)
	if err != nil {
		return nil, "", "", "", err
	}
	kind := types.BondKind(da.Kind)
	if kind == "" {
		kind = types.BondBlocks
	}
	return inst, source, target, kind, nil
}

func (d *Daemon) handleDepAdd(_ context.Context, args json.RawMessage) (any, error) {
	inst, source, target, kind, err := d.depEndpoints(args)
	if err != nil {
		return nil, err
	}
	return inst.store.AddBond(&types.Bond{SourceID: source, TargetID: target, Kind: kind})
}

func (d *Daemon) handleDepRemove(_ context.Context, args json.RawMessage) (any, error) {
	inst, source, target, kind, err := d.depEndpoints(args)
	if err != nil {
		return nil, err
	}
	key := types.BondKey{SourceID: source, TargetID: target, Kind: kind}
	if err := inst.store.RemoveBond(key); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": true}, nil
}

type commentArgs struct {
	repoArgs
	ID      string `json:"id"`
	Author  string `json:"author,omitempty"`
	Content string `json:"content,omitempty"`
}

func (d *Daemon) handleCommentAdd(_ context.Context, args json.RawMessage) (any, error) {
	var ca commentArgs
	if err := decode(args, &ca); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, ca.RepoPath)
	if err != nil {
		return nil, err
	}
	id, err := inst.store.ResolveID(ca.ID)
	if err != nil {
		return nil, err
	}
	return inst.store.AddComment(id, ca.Author, ca.Content)
}

func (d *Daemon) handleCommentList(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, _, err := d.resolveIDArgs(args)
	if err != nil {
		return nil, err
	}
	return inst.store.CommentsFor(id)
}

type labelArgs struct {
	repoArgs
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (d *Daemon) handleLabelAdd(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, label, err := d.labelTarget(args)
	if err != nil {
		return nil, err
	}
	return inst.store.AddLabel(id, label)
}

func (d *Daemon) handleLabelRemove(_ context.Context, args json.RawMessage) (any, error) {
	inst, id, label, err := d.labelTarget(args)
	if err != nil {
		return nil, err
	}
	return inst.store.RemoveLabel(id, label)
}

func (d *Daemon) labelTarget(args json.RawMessage) (*instance, string, string, error) {
	var la labelArgs
	if err := decode(args, &la); err != nil {
		return nil, "", "", err
	}
	if la.Label == "" {
		return nil, "", "", fmt.Errorf("label is required")
	}
	inst, err := d.instances.get(d.ctx, la.RepoPath)
	if err != nil {
		return nil, "", "", err
	}
	id, err := inst.store.ResolveID(la.ID)
	if err != nil {
		return nil, "", "", err
	}
	return inst, id, la.Label, nil
}

type claimArgs struct {
	repoArgs
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

func (d *Daemon) handleClaim(ctx context.Context, args json.RawMessage) (any, error) {
	var ca claimArgs
	if err := decode(args, &ca); err != nil {
		return nil, err
	}
	if ca.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	inst, err := d.instances.get(d.ctx, ca.RepoPath)
	if err != nil {
		return nil, err
	}
	id, err := inst.store.ResolveID(ca.ID)
	if err != nil {
		return nil, err
	}

	if inst.ledger == nil {
		a, err := inst.store.ClaimLocal(id, ca.AgentID)
		if err != nil {
			return nil, err
		}
		return &ledger.ClaimResult{Atom: a}, nil
	}

	if !inst.ledger.Available(ctx) {
		return d.offlineClaim(inst, id, ca.AgentID, fmt.Errorf("ledger unavailable"))
	}
	res, err := inst.ledger.ClaimAndPush(ctx, id, ca.AgentID)
	if err != nil {
		// A remote that stops responding mid-claim degrades the same way
		// as one that was never reachable.
		if errors.Is(err, ledger.ErrMaxRetries) {
			return d.offlineClaim(inst, id, ca.AgentID, err)
		}
		return nil, err
	}
	d.metrics.ClaimRetries.Record(ctx, int64(res.Retries))
	if err := inst.ledger.SyncToMain(); err != nil {
		d.logger.Printf("syncing claim to main: %v", err)
	} else if err := inst.store.Reload(); err != nil {
		d.logger.Printf("reloading after claim: %v", err)
	}
	return res, nil
}

// offlineClaim is the degraded path when the ledger cannot be reached:
// claim locally and queue the claim for reconciliation, unless
// offline_mode forbids it.
func (d *Daemon) offlineClaim(inst *instance, id, agentID string, cause error) (any, error) {
	if inst.cfg.Sync.OfflineMode == config.OfflineModeFail {
		return nil, fmt.Errorf("ledger claim failed and offline_mode=fail: %w", cause)
	}
	a, err := inst.store.ClaimLocal(id, agentID)
	if err != nil {
		return nil, err
	}
	claim := types.OfflineClaim{AtomID: id, AgentID: agentID, ClaimedAt: time.Now().UTC()}
	if err := inst.ledger.StateStore().RecordOfflineClaim(claim); err != nil {
		d.logger.Printf("recording offline claim: %v", err)
	}
	d.logger.Printf("offline claim %s by %s (%v)", id, agentID, cause)
	return &ledger.ClaimResult{Atom: a}, nil
}

func (d *Daemon) handleRelease(ctx context.Context, args json.RawMessage) (any, error) {
	var ca claimArgs
	if err := decode(args, &ca); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, ca.RepoPath)
	if err != nil {
		return nil, err
	}
	id, err := inst.store.ResolveID(ca.ID)
	if err != nil {
		return nil, err
	}

	if inst.ledger != nil && inst.ledger.Available(ctx) {
		if err := inst.ledger.ReleaseClaim(ctx, id); err != nil {
			return nil, err
		}
		if err := inst.ledger.SyncToMain(); err != nil {
			d.logger.Printf("syncing release to main: %v", err)
		} else if err := inst.store.Reload(); err != nil {
			d.logger.Printf("reloading after release: %v", err)
		}
		return map[string]bool{"released": true}, nil
	}
	if _, err := inst.store.ReleaseLocal(id); err != nil {
		return nil, err
	}
	return map[string]bool{"released": true}, nil
}

func (d *Daemon) handleHeartbeat(ctx context.Context, args json.RawMessage) (any, error) {
	var ca claimArgs
	if err := decode(args, &ca); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, ca.RepoPath)
	if err != nil {
		return nil, err
	}
	id, err := inst.store.ResolveID(ca.ID)
	if err != nil {
		return nil, err
	}

	if inst.ledger != nil && inst.ledger.Available(ctx) {
		if err := inst.ledger.Heartbeat(ctx, id); err != nil {
			return nil, err
		}
	} else {
		_, err = inst.store.UpdateAtom(id, func(a *types.Atom) error {
			if a.Status != types.StatusInProgress {
				return &store.InvalidStateError{ID: id, Current: string(a.Status), Op: "heartbeat"}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return map[string]bool{"heartbeat": true}, nil
}

type syncArgs struct {
	repoArgs
	PullOnly bool `json:"pull_only,omitempty"`
	PushOnly bool `json:"push_only,omitempty"`
	DryRun   bool `json:"dry_run,omitempty"`
	Force    bool `json:"force,omitempty"`
}

func (d *Daemon) handleSync(ctx context.Context, args json.RawMessage) (any, error) {
	var sa syncArgs
	if err := decode(args, &sa); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, sa.RepoPath)
	if err != nil {
		return nil, err
	}
	res, err := inst.syncer.Sync(ctx, syncer.Options{
		PullOnly: sa.PullOnly,
		PushOnly: sa.PushOnly,
		DryRun:   sa.DryRun,
		Force:    sa.Force,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type ledgerSyncArgs struct {
	repoArgs
	Action string `json:"action"`
}

func (d *Daemon) handleLedgerSync(ctx context.Context, args json.RawMessage) (any, error) {
	var la ledgerSyncArgs
	if err := decode(args, &la); err != nil {
		return nil, err
	}
	inst, err := d.instances.get(d.ctx, la.RepoPath)
	if err != nil {
		return nil, err
	}

	// status must answer even when no ledger is configured.
	if inst.ledger == nil {
		if la.Action == rpc.LedgerStatus {
			return &ledger.Status{Configured: false}, nil
		}
		return nil, ledger.ErrNotConfigured
	}

	switch la.Action {
	case rpc.LedgerSetup:
		if err := inst.ledger.Setup(ctx); err != nil {
			return nil, err
		}
		return inst.ledger.Status(ctx), nil
	case rpc.LedgerTeardown:
		if err := inst.ledger.Teardown(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"torn_down": true}, nil
	case rpc.LedgerPull:
		if err := inst.ledger.Pull(ctx); err != nil {
			return nil, err
		}
		if err := inst.ledger.SyncToMain(); err != nil {
			return nil, err
		}
		if err := inst.store.Reload(); err != nil {
			return nil, err
		}
		return inst.ledger.Status(ctx), nil
	case rpc.LedgerPush:
		if err := inst.ledger.SeedFromMain(); err != nil {
			return nil, err
		}
		if err := inst.ledger.Push(ctx); err != nil {
			return nil, err
		}
		return inst.ledger.Status(ctx), nil
	case rpc.LedgerStatus:
		return inst.ledger.Status(ctx), nil
	case rpc.LedgerReconcile:
		res, err := inst.ledger.Reconcile(ctx)
		if err != nil {
			return nil, err
		}
		return res, nil
	case rpc.LedgerForceResync:
		if err := inst.ledger.ForceResync(ctx); err != nil {
			return nil, err
		}
		return inst.ledger.Status(ctx), nil
	default:
		return nil, fmt.Errorf("unknown ledger_sync action: %s", la.Action)
	}
}
