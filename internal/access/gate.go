// Package access decides whether an (account, target) pair is usable for a
// task, optionally joining the target on the account's behalf. Join attempts
// are bounded: at most one per pair per cooldown window, never a loop.
package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"groupcast/internal/client"
	"groupcast/internal/clock"
	"groupcast/internal/model"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Stable target-access error codes.
const (
	CodeNotJoined       = "TARGET_NOT_JOINED"
	CodeJoinPending     = "TARGET_JOIN_PENDING"
	CodePrivateNoInvite = "TARGET_PRIVATE_NO_INVITE"
	CodeWriteForbidden  = "TARGET_WRITE_FORBIDDEN"
	CodeAccessDenied    = "TARGET_ACCESS_DENIED"
	CodeJoinCooldown    = "TARGET_JOIN_COOLDOWN"
	CodeJoinFailed      = "TARGET_JOIN_FAILED"
	CodeClientNotReady  = "CLIENT_NOT_READY"
	CodeUnknown         = "UNKNOWN_ERROR"
)

// ReadyPair is a usable (account, target) combination.
type ReadyPair struct {
	AccountID  string
	TargetID   string
	PlatformID string
}

// BlockedPair is an unusable combination with the reason it failed.
type BlockedPair struct {
	AccountID         string
	TargetID          string
	Code              string
	Reason            string
	AutoJoinAttempted bool
}

// PrecheckSummary aggregates a gate run over an account×target cross-product.
type PrecheckSummary struct {
	Ready   []ReadyPair
	Blocked []BlockedPair
	// Reasons histograms blocked pairs by code.
	Reasons map[string]int
}

// Config tunes the gate.
type Config struct {
	// JoinCooldown is the minimum gap between join attempts per pair.
	JoinCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.JoinCooldown <= 0 {
		c.JoinCooldown = 5 * time.Minute
	}
	return c
}

// Gate runs access checks against the platform through per-account clients.
type Gate struct {
	cfg     Config
	clients client.Factory
	targets storage.TargetStore
	clk     clock.Clock
	log     logx.Logger

	mu    sync.Mutex
	joins map[string]time.Time // pair key -> last join attempt
}

func New(cfg Config, clients client.Factory, targets storage.TargetStore, clk clock.Clock, log logx.Logger) *Gate {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		cfg:     cfg.withDefaults(),
		clients: clients,
		targets: targets,
		clk:     clk,
		log:     log.With(logx.String("component", "access")),
		joins:   make(map[string]time.Time),
	}
}

func pairKey(accountID, targetID string) string { return accountID + "\x00" + targetID }

// resolveReference maps a target reference to (canonical id, platform id).
// A stored target wins; otherwise the reference itself is the platform id.
func (g *Gate) resolveReference(ctx context.Context, ref string) (targetID, platformID string, ok bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", false
	}
	if t, err := g.targets.GetTarget(ctx, ref); err == nil {
		return t.ID, t.PlatformID, true
	}
	if t, err := g.targets.FindTargetByPlatformID(ctx, ref); err == nil {
		return t.ID, t.PlatformID, true
	}
	return ref, ref, true
}

func (g *Gate) inviteLink(ctx context.Context, targetID string) string {
	t, err := g.targets.GetTarget(ctx, targetID)
	if err != nil {
		return ""
	}
	return t.InviteLink
}

// verify runs the access checks appropriate for the task type and returns
// the normalized platform id on success.
func (g *Gate) verify(ctx context.Context, cl client.Client, platformID string, taskType model.TaskType) (string, error) {
	if err := cl.CheckMembership(ctx, platformID); err != nil {
		return "", err
	}
	if taskType == model.TaskChannelMonitoring {
		// Membership suffices for monitoring; normalize the identity.
		resolved, err := cl.ResolveTarget(ctx, platformID)
		if err != nil || resolved == "" {
			return platformID, nil
		}
		return resolved, nil
	}
	if err := cl.CheckWritePermission(ctx, platformID); err != nil {
		return "", err
	}
	return platformID, nil
}

func accessCode(err error, fallback string) string {
	if code := client.CodeOf(err); code != "" {
		return code
	}
	return fallback
}

// CheckAndPrepare decides whether the pair is usable, joining once if the
// task allows it. Exactly one of the return values is non-nil.
func (g *Gate) CheckAndPrepare(ctx context.Context, accountID, targetRef string, taskType model.TaskType, autoJoin bool) (*ReadyPair, *BlockedPair) {
	targetID, platformID, ok := g.resolveReference(ctx, targetRef)
	if !ok {
		return nil, &BlockedPair{
			AccountID: accountID, TargetID: targetRef,
			Code: CodeAccessDenied, Reason: "empty target reference",
		}
	}
	blocked := func(code, reason string, joined bool) *BlockedPair {
		return &BlockedPair{
			AccountID: accountID, TargetID: targetID,
			Code: code, Reason: reason, AutoJoinAttempted: joined,
		}
	}

	cl, found := g.clients.Client(accountID)
	if !found || !cl.IsConnected() {
		return nil, blocked(CodeClientNotReady, "no usable connection", false)
	}

	normalized, err := g.verify(ctx, cl, platformID, taskType)
	if err == nil {
		return &ReadyPair{AccountID: accountID, TargetID: targetID, PlatformID: normalized}, nil
	}
	code := accessCode(err, CodeNotJoined)
	if code == CodeWriteForbidden {
		// A permission problem is not fixable by joining.
		return nil, blocked(code, err.Error(), false)
	}
	if !autoJoin {
		return nil, blocked(code, err.Error(), false)
	}

	now := g.clk.Now()
	key := pairKey(accountID, targetID)
	g.mu.Lock()
	if last, seen := g.joins[key]; seen && now.Sub(last) < g.cfg.JoinCooldown {
		g.mu.Unlock()
		return nil, blocked(CodeJoinCooldown, "join attempted recently", true)
	}
	g.joins[key] = now
	g.mu.Unlock()

	if err := g.join(ctx, cl, targetID, platformID); err != nil {
		return nil, blocked(accessCode(err, CodeJoinFailed), err.Error(), true)
	}
	g.log.Info("joined target",
		logx.String("account", accountID),
		logx.String("target", targetID))

	normalized, err = g.verify(ctx, cl, platformID, taskType)
	if err != nil {
		return nil, blocked(accessCode(err, CodeAccessDenied), err.Error(), true)
	}
	return &ReadyPair{AccountID: accountID, TargetID: targetID, PlatformID: normalized}, nil
}

func (g *Gate) join(ctx context.Context, cl client.Client, targetID, platformID string) error {
	if link := g.inviteLink(ctx, targetID); link != "" {
		return cl.JoinByInviteLink(ctx, link)
	}
	if strings.HasPrefix(platformID, "@") || !strings.HasPrefix(platformID, "-") {
		return cl.JoinPublicTarget(ctx, platformID)
	}
	return client.Errf(CodePrivateNoInvite, "target %s is private and no invite link is known", targetID)
}

// Precheck runs the gate over the full account×target cross-product.
func (g *Gate) Precheck(ctx context.Context, accountIDs, targetRefs []string, taskType model.TaskType, autoJoin bool) PrecheckSummary {
	sum := PrecheckSummary{Reasons: make(map[string]int)}
	for _, acc := range accountIDs {
		for _, ref := range targetRefs {
			ready, blockedPair := g.CheckAndPrepare(ctx, acc, ref, taskType, autoJoin)
			if ready != nil {
				sum.Ready = append(sum.Ready, *ready)
				continue
			}
			sum.Blocked = append(sum.Blocked, *blockedPair)
			sum.Reasons[blockedPair.Code]++
		}
	}
	return sum
}

// ForgetJoin clears the join-attempt cooldown for a pair. Used when an
// operator wants an immediate re-attempt.
func (g *Gate) ForgetJoin(accountID, targetID string) {
	g.mu.Lock()
	delete(g.joins, pairKey(accountID, targetID))
	g.mu.Unlock()
}
