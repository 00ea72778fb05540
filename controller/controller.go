package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nhbwallet/backend"
	"nhbwallet/core/types"
	"nhbwallet/crypto"
	"nhbwallet/observability"
	"nhbwallet/storage"
	"nhbwallet/wallet"
)

const (
	DefaultPollBudget   = 60
	DefaultPollInterval = 10 * time.Second
	defaultValidSlots   = 30
)

// Backend is the node surface the controller drives. Every call blocks until
// the node answers or ctx is done.
type Backend interface {
	Settings(ctx context.Context) (types.Settings, error)
	AccountState(ctx context.Context, account types.AccountID) (types.AccountState, error)
	SubmitFragment(ctx context.Context, raw []byte) (types.FragmentID, error)
	SubmitFragments(ctx context.Context, raws [][]byte, failFast bool) ([]types.FragmentID, error)
	FragmentLogs(ctx context.Context) (map[types.FragmentID]types.FragmentLog, error)
	Proposals(ctx context.Context) ([]types.Proposal, error)
	VoteStatuses(ctx context.Context, account types.AccountID) ([]types.VoteStatus, error)
}

// Journal persists submissions and their outcomes.
type Journal interface {
	RecordSubmitted(entry storage.JournalEntry) error
	RecordResolved(id types.FragmentID, status types.FragmentStatus, at time.Time) error
}

// Config wires the controller collaborators.
type Config struct {
	Backend Backend
	// BackendName labels journal entries with the node they were sent to.
	BackendName string
	// PollBudget bounds the fragment log queries of one WaitForPending call.
	PollBudget   int
	PollInterval time.Duration
	// DefaultValidUntil applies when a submission passes the zero ValidUntil.
	DefaultValidUntil types.ValidUntil
	// FailFast asks the node to stop at the first bad fragment of a batch.
	FailFast bool

	Journal Journal
	Metrics *observability.WalletMetricsRecorder
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Controller owns one wallet session: the recovered identity, its local
// account state and the node it talks to. Each exported method runs as a
// single critical section, including the whole reconciliation wait.
type Controller struct {
	mu sync.Mutex

	backend     Backend
	backendName string
	settings    *types.Settings
	identity    *wallet.Identity
	state       *wallet.State

	pollBudget   int
	pollInterval time.Duration
	validUntil   types.ValidUntil
	failFast     bool

	journal Journal
	metrics *observability.WalletMetricsRecorder
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New constructs a controller bound to cfg.Backend. No wallet is loaded
// until Recover or Generate succeeds.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("controller: backend required")
	}
	c := &Controller{
		backend:      cfg.Backend,
		backendName:  cfg.BackendName,
		pollBudget:   cfg.PollBudget,
		pollInterval: cfg.PollInterval,
		validUntil:   cfg.DefaultValidUntil,
		failFast:     cfg.FailFast,
		journal:      cfg.Journal,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		now:          cfg.Now,
	}
	if c.pollBudget <= 0 {
		c.pollBudget = DefaultPollBudget
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if !c.validUntil.IsSet() {
		c.validUntil = types.BySlotShift(defaultValidSlots)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "controller")
	if c.tracer == nil {
		c.tracer = otel.Tracer("nhbwallet/controller")
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Recover derives the wallet identity from src, then loads the chain
// settings and the account state from the node. Invalid recovery input fails
// before any node call; on a node failure the previous session is kept.
func (c *Controller) Recover(ctx context.Context, src wallet.Source) (err error) {
	ctx, finish := c.operation(ctx, "recover")
	defer func() { finish(err) }()

	kind := "none"
	if src != nil {
		kind = src.Kind()
	}
	identity, err := wallet.Derive(src)
	if err != nil {
		c.logger.Warn("wallet recovery failed", "source", kind, "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, identity, kind)
}

// Generate creates a new wallet with a words-long mnemonic and loads it. The
// phrase is returned once and never retained.
func (c *Controller) Generate(ctx context.Context, words int, password []byte) (phrase string, err error) {
	ctx, finish := c.operation(ctx, "generate")
	defer func() { finish(err) }()

	phrase, identity, err := wallet.Generate(words, password)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(ctx, identity, "generated"); err != nil {
		return "", err
	}
	return phrase, nil
}

func (c *Controller) loadLocked(ctx context.Context, identity *wallet.Identity, source string) error {
	settings, err := c.backend.Settings(ctx)
	if err != nil {
		return c.backendFailure("settings", err)
	}
	state := wallet.NewState()
	remote, err := c.fetchAccountLocked(ctx, identity.AccountID())
	if err != nil {
		return err
	}
	state.Refresh(remote)

	c.settings = &settings
	c.identity = identity
	c.state = state
	c.metrics.SetPending(0)

	attrs := []any{"source", source, "account", identity.AccountID().String(),
		"counter", remote.Counter, "value", remote.Value.String()}
	if addr, err := identity.Address(settings.Discrimination); err == nil {
		attrs = append(attrs, "address", addr.String())
	} else {
		c.logger.Warn("account address unavailable", "error", err)
	}
	c.logger.Info("wallet loaded", attrs...)
	return nil
}

// fetchAccountLocked treats an account the node has never seen as empty.
func (c *Controller) fetchAccountLocked(ctx context.Context, account types.AccountID) (types.AccountState, error) {
	remote, err := c.backend.AccountState(ctx, account)
	if errors.Is(err, backend.ErrNotFound) {
		return types.AccountState{}, nil
	}
	if err != nil {
		return types.AccountState{}, c.backendFailure("account", err)
	}
	return remote, nil
}

// SwitchBackend rebinds the session to another node. The identity and the
// pending fragments are kept; settings are reloaded from the new node. If the
// new node cannot serve its settings the old binding stays in place.
func (c *Controller) SwitchBackend(ctx context.Context, next Backend, name string) (err error) {
	ctx, finish := c.operation(ctx, "switch_backend")
	defer func() { finish(err) }()
	if next == nil {
		return fmt.Errorf("controller: backend required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	settings, err := next.Settings(ctx)
	if err != nil {
		return c.backendFailure("settings", err)
	}
	pending := 0
	if c.state != nil {
		pending = c.state.PendingLen()
	}
	if pending > 0 {
		c.logger.Warn("switching backend with pending fragments", "pending", pending, "from", c.backendName, "node", name)
	}
	c.backend = next
	c.backendName = name
	if c.identity != nil {
		c.settings = &settings
	}
	c.logger.Info("backend switched", "node", name)
	return nil
}

// Account fetches the remote account snapshot without touching local state.
func (c *Controller) Account(ctx context.Context) (_ types.AccountState, err error) {
	ctx, finish := c.operation(ctx, "account")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.AccountState{}, ErrNotInitialized
	}
	return c.fetchAccountLocked(ctx, c.identity.AccountID())
}

// RefreshState folds the remote account snapshot into local state.
func (c *Controller) RefreshState(ctx context.Context) (err error) {
	ctx, finish := c.operation(ctx, "refresh")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ErrNotInitialized
	}
	remote, err := c.fetchAccountLocked(ctx, c.identity.AccountID())
	if err != nil {
		return err
	}
	c.state.Refresh(remote)
	c.logger.Debug("state refreshed", "counter", c.state.Counter(), "value", c.state.TotalValue().String(), "pending", c.state.PendingLen())
	return nil
}

// Settings returns the chain settings loaded with the wallet.
func (c *Controller) Settings() (types.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil || c.settings == nil {
		return types.Settings{}, ErrNotInitialized
	}
	return *c.settings, nil
}

// Address renders the wallet address for the network of the current node.
func (c *Controller) Address() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return "", ErrNotInitialized
	}
	addr, err := c.identity.Address(c.settings.Discrimination)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// SecretKey exposes the extended secret of the loaded wallet for export.
func (c *Controller) SecretKey() (*crypto.ExtendedKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, ErrNotInitialized
	}
	return c.identity.Key(), nil
}

// Proposals lists the proposals open for voting on the current node.
func (c *Controller) Proposals(ctx context.Context) (_ []types.Proposal, err error) {
	ctx, finish := c.operation(ctx, "proposals")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	proposals, err := c.backend.Proposals(ctx)
	if err != nil {
		return nil, c.backendFailure("proposals", err)
	}
	return proposals, nil
}

// VoteStatuses lists the votes this wallet has cast per active vote plan.
func (c *Controller) VoteStatuses(ctx context.Context) (_ []types.VoteStatus, err error) {
	ctx, finish := c.operation(ctx, "vote_statuses")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, ErrNotInitialized
	}
	statuses, err := c.backend.VoteStatuses(ctx, c.identity.AccountID())
	if err != nil {
		return nil, c.backendFailure("vote_statuses", err)
	}
	return statuses, nil
}

// FragmentLogs returns the node's fragment log.
func (c *Controller) FragmentLogs(ctx context.Context) (_ map[types.FragmentID]types.FragmentLog, err error) {
	ctx, finish := c.operation(ctx, "fragment_logs")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	logs, err := c.backend.FragmentLogs(ctx)
	if err != nil {
		return nil, c.backendFailure("fragment_logs", err)
	}
	return logs, nil
}

// PendingIDs lists unresolved fragments ordered by counter.
func (c *Controller) PendingIDs() ([]types.FragmentID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, ErrNotInitialized
	}
	return c.state.PendingIDs(), nil
}

// ConfirmAll drops every pending fragment as confirmed without asking the
// node. Intended for offline and test flows.
func (c *Controller) ConfirmAll() ([]types.FragmentID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, ErrNotInitialized
	}
	ids := c.state.ConfirmAll()
	now := c.now()
	for _, id := range ids {
		c.metrics.RecordResolved("forced")
		c.journalResolved(id, types.InABlock(types.BlockDate{}, ""), now)
	}
	c.metrics.SetPending(0)
	if len(ids) > 0 {
		c.logger.Info("pending fragments force confirmed", "count", len(ids))
	}
	return ids, nil
}

// ConfirmTransaction marks one pending fragment as confirmed without asking
// the node. It reports whether id was pending.
func (c *Controller) ConfirmTransaction(id types.FragmentID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return false, ErrNotInitialized
	}
	if !c.state.Confirm(id) {
		return false, nil
	}
	c.metrics.RecordResolved("forced")
	c.metrics.SetPending(c.state.PendingLen())
	c.journalResolved(id, types.InABlock(types.BlockDate{}, ""), c.now())
	c.logger.Info("pending fragment force confirmed", "fragment", id.String())
	return true, nil
}

// RemovePending abandons one pending fragment: it leaves pending and its
// counter and debit are returned as if the node had rejected it.
func (c *Controller) RemovePending(id types.FragmentID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return false, ErrNotInitialized
	}
	if !c.state.Rollback(id) {
		return false, nil
	}
	c.metrics.RecordResolved("removed")
	c.metrics.SetPending(c.state.PendingLen())
	c.journalResolved(id, types.Rejected("removed locally"), c.now())
	c.logger.Warn("pending fragment removed", "fragment", id.String())
	return true, nil
}

// TotalValue is the cached balance net of in-flight debits. Call
// RefreshState first for the authoritative value.
func (c *Controller) TotalValue() (types.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return 0, ErrNotInitialized
	}
	return c.state.TotalValue(), nil
}

// Snapshot is a read-only projection of the local wallet state.
type Snapshot struct {
	Account     types.AccountID
	Address     string
	Counter     uint32
	NextCounter uint32
	Value       types.Value
	Pending     []wallet.PendingFragment
}

func (c *Controller) Snapshot() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Snapshot{}, ErrNotInitialized
	}
	snap := Snapshot{
		Account:     c.identity.AccountID(),
		Counter:     c.state.Counter(),
		NextCounter: c.state.NextCounter(),
		Value:       c.state.TotalValue(),
		Pending:     c.state.Pending(),
	}
	if addr, err := c.identity.Address(c.settings.Discrimination); err == nil {
		snap.Address = addr.String()
	}
	return snap, nil
}

// operation opens a span for one controller call and returns the function
// that closes it with the call's outcome.
func (c *Controller) operation(ctx context.Context, name string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "wallet."+name, trace.WithAttributes(attribute.String("wallet.operation", name)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveOperation(name, time.Since(start))
	}
}

func (c *Controller) backendFailure(op string, err error) error {
	transient := backend.IsTemporary(err)
	c.metrics.RecordBackendError(op, transient)
	c.logger.Warn("node request failed", "operation", op, "transient", transient, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
