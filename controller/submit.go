package controller

import (
	"context"
	"errors"
	"fmt"

	"nhbwallet/backend"
	"nhbwallet/core/types"
	"nhbwallet/storage"
	"nhbwallet/wallet"
)

// VoteRequest selects one option of one proposal by its chain proposal id
// and option label.
type VoteRequest struct {
	ProposalID string
	Choice     string
}

// plannedVote is a validated VoteRequest resolved to on-chain coordinates.
type plannedVote struct {
	votePlanID    string
	proposalIndex uint8
	choice        uint8
}

// Send submits one pre-built fragment and tracks it as pending. The bytes are
// opaque to the wallet, so the fragment reserves no counter and no value.
func (c *Controller) Send(ctx context.Context, raw []byte) (_ types.FragmentID, err error) {
	ctx, finish := c.operation(ctx, "send")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.FragmentID{}, ErrNotInitialized
	}
	id, err := c.backend.SubmitFragment(ctx, raw)
	if err != nil {
		return types.FragmentID{}, c.backendFailure("submit_fragment", err)
	}
	if err := c.checkNewLocked([]types.FragmentID{id}); err != nil {
		return types.FragmentID{}, err
	}
	c.trackLocked(id, wallet.Reservation{}, "raw", nil)
	return id, nil
}

// SendMany submits pre-built fragments in one call. Either every fragment is
// accepted and tracked, or the call fails with ErrBackend and nothing is
// recorded locally.
func (c *Controller) SendMany(ctx context.Context, raws [][]byte) (_ []types.FragmentID, err error) {
	ctx, finish := c.operation(ctx, "send_many")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, ErrNotInitialized
	}
	if len(raws) == 0 {
		return nil, nil
	}
	ids, err := c.submitBatchLocked(ctx, raws)
	if err != nil {
		return nil, err
	}
	if err := c.checkNewLocked(ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.trackLocked(id, wallet.Reservation{}, "raw", nil)
	}
	return ids, nil
}

// Vote casts choice on the proposal whose chain id is proposalID. The
// proposal list is read from the node; the choice must be one of the
// proposal's option labels.
func (c *Controller) Vote(ctx context.Context, proposalID, choice string, validUntil types.ValidUntil) (_ types.FragmentID, err error) {
	ctx, finish := c.operation(ctx, "vote")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.FragmentID{}, ErrNotInitialized
	}
	planned, err := c.planVotesLocked(ctx, []VoteRequest{{ProposalID: proposalID, Choice: choice}})
	if err != nil {
		return types.FragmentID{}, err
	}
	return c.castLocked(ctx, planned[0], validUntil)
}

// VoteFor casts a raw choice on proposal index of a vote plan without
// consulting the proposal list.
func (c *Controller) VoteFor(ctx context.Context, votePlanID string, proposalIndex, choice uint8, validUntil types.ValidUntil) (_ types.FragmentID, err error) {
	ctx, finish := c.operation(ctx, "vote_for")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.FragmentID{}, ErrNotInitialized
	}
	return c.castLocked(ctx, plannedVote{votePlanID: votePlanID, proposalIndex: proposalIndex, choice: choice}, validUntil)
}

func (c *Controller) castLocked(ctx context.Context, vote plannedVote, validUntil types.ValidUntil) (types.FragmentID, error) {
	expiry, err := c.expiryLocked(validUntil)
	if err != nil {
		return types.FragmentID{}, err
	}
	fee := c.settings.Fees.VoteCastFee()
	res, err := c.state.Reserve(fee)
	if err != nil {
		return types.FragmentID{}, err
	}
	tx := types.NewVoteCast(c.identity.AccountID(), res.Counter, expiry, fee, vote.votePlanID, vote.proposalIndex, vote.choice)
	return c.submitReservedLocked(ctx, tx, res, expiry)
}

// VoteBatch casts every request in one node call. All requests are validated
// before anything is reserved, and all fragments share one expiry resolved
// once from validUntil.
func (c *Controller) VoteBatch(ctx context.Context, requests []VoteRequest, validUntil types.ValidUntil) (_ []types.FragmentID, err error) {
	ctx, finish := c.operation(ctx, "vote_batch")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil, ErrNotInitialized
	}
	if len(requests) == 0 {
		return nil, nil
	}
	planned, err := c.planVotesLocked(ctx, requests)
	if err != nil {
		return nil, err
	}
	expiry, err := c.expiryLocked(validUntil)
	if err != nil {
		return nil, err
	}

	fee := c.settings.Fees.VoteCastFee()
	reservations := make([]wallet.Reservation, 0, len(planned))
	raws := make([][]byte, 0, len(planned))
	unwind := func() {
		for i := len(reservations) - 1; i >= 0; i-- {
			c.state.Release(reservations[i])
		}
	}
	for _, vote := range planned {
		res, err := c.state.Reserve(fee)
		if err != nil {
			unwind()
			return nil, err
		}
		reservations = append(reservations, res)
		tx := types.NewVoteCast(c.identity.AccountID(), res.Counter, expiry, fee, vote.votePlanID, vote.proposalIndex, vote.choice)
		raw, err := c.sealLocked(tx)
		if err != nil {
			unwind()
			return nil, err
		}
		raws = append(raws, raw)
	}

	ids, err := c.submitBatchLocked(ctx, raws)
	if err != nil {
		c.releaseUnacceptedLocked(err, raws, reservations)
		return nil, err
	}
	if err := c.checkNewLocked(ids); err != nil {
		// the node holds every fragment, so their counters stay spent
		return nil, err
	}
	for i, id := range ids {
		c.trackLocked(id, reservations[i], types.FragmentVoteCast.String(), &expiry)
	}
	c.logger.Info("vote batch submitted", "count", len(ids), "valid_until", expiry.String(), "counter", c.state.Counter())
	return ids, nil
}

// Transfer sends amount to the account to, paying the transfer fee on top.
func (c *Controller) Transfer(ctx context.Context, to types.AccountID, amount types.Value, validUntil types.ValidUntil) (_ types.FragmentID, err error) {
	ctx, finish := c.operation(ctx, "transfer")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.FragmentID{}, ErrNotInitialized
	}
	if amount == 0 {
		return types.FragmentID{}, fmt.Errorf("transfer amount must be positive")
	}
	expiry, err := c.expiryLocked(validUntil)
	if err != nil {
		return types.FragmentID{}, err
	}
	fee := c.settings.Fees.TransferFee()
	debit, ok := amount.CheckedAdd(fee)
	if !ok {
		return types.FragmentID{}, fmt.Errorf("transfer amount overflows")
	}
	res, err := c.state.Reserve(debit)
	if err != nil {
		return types.FragmentID{}, err
	}
	tx := types.NewTransfer(c.identity.AccountID(), res.Counter, expiry, fee, to, amount)
	return c.submitReservedLocked(ctx, tx, res, expiry)
}

// planVotesLocked resolves every request against the node's proposal list,
// failing on the first unknown proposal or label.
func (c *Controller) planVotesLocked(ctx context.Context, requests []VoteRequest) ([]plannedVote, error) {
	proposals, err := c.backend.Proposals(ctx)
	if err != nil {
		return nil, c.backendFailure("proposals", err)
	}
	planned := make([]plannedVote, 0, len(requests))
	for _, req := range requests {
		proposal, ok := findProposal(proposals, req.ProposalID)
		if !ok {
			return nil, unknownProposal(req.ProposalID)
		}
		choice, ok := proposal.Options.Choice(req.Choice)
		if !ok {
			return nil, &ChoiceError{ProposalID: req.ProposalID, Choice: req.Choice, Options: proposal.Options.Labels()}
		}
		planned = append(planned, plannedVote{
			votePlanID:    proposal.VotePlanID,
			proposalIndex: proposal.ProposalIndex,
			choice:        choice,
		})
	}
	return planned, nil
}

func findProposal(proposals []types.Proposal, id string) (types.Proposal, bool) {
	for _, p := range proposals {
		if p.MatchesID(id) {
			return p, true
		}
	}
	return types.Proposal{}, false
}

func (c *Controller) expiryLocked(validUntil types.ValidUntil) (types.BlockDate, error) {
	if !validUntil.IsSet() {
		validUntil = c.validUntil
	}
	expiry, err := validUntil.ExpiryDate(*c.settings, c.now())
	if err != nil {
		return types.BlockDate{}, fmt.Errorf("resolve validity %s: %w", validUntil, err)
	}
	return expiry, nil
}

func (c *Controller) sealLocked(tx *types.Transaction) ([]byte, error) {
	if err := tx.Sign(c.identity); err != nil {
		return nil, err
	}
	return tx.Encode()
}

// submitReservedLocked signs and submits tx, which was built on res. The
// reservation is released when the fragment never reaches the node.
func (c *Controller) submitReservedLocked(ctx context.Context, tx *types.Transaction, res wallet.Reservation, expiry types.BlockDate) (types.FragmentID, error) {
	raw, err := c.sealLocked(tx)
	if err != nil {
		c.state.Release(res)
		return types.FragmentID{}, err
	}
	id, err := c.backend.SubmitFragment(ctx, raw)
	if err != nil {
		c.state.Release(res)
		return types.FragmentID{}, c.backendFailure("submit_fragment", err)
	}
	if err := c.checkNewLocked([]types.FragmentID{id}); err != nil {
		return types.FragmentID{}, err
	}
	c.trackLocked(id, res, tx.Body.Type.String(), &expiry)
	c.logger.Info("fragment submitted", "fragment", id.String(), "kind", tx.Body.Type.String(), "counter", res.Counter, "valid_until", expiry.String())
	return id, nil
}

func (c *Controller) submitBatchLocked(ctx context.Context, raws [][]byte) ([]types.FragmentID, error) {
	ids, err := c.backend.SubmitFragments(ctx, raws, c.failFast)
	if err != nil {
		return nil, c.backendFailure("submit_fragments", err)
	}
	if len(ids) != len(raws) {
		return nil, c.backendFailure("submit_fragments", fmt.Errorf("node returned %d ids for %d fragments", len(ids), len(raws)))
	}
	return ids, nil
}

// releaseUnacceptedLocked undoes the reservations of a failed batch. When
// the node reports which fragments it took, those keep their counter and
// debit: they may still land on chain. Everything else is released.
func (c *Controller) releaseUnacceptedLocked(err error, raws [][]byte, reservations []wallet.Reservation) {
	accepted := make(map[types.FragmentID]struct{})
	var batchErr *backend.BatchError
	if errors.As(err, &batchErr) {
		for _, id := range batchErr.Accepted {
			accepted[id] = struct{}{}
		}
	}
	held := 0
	for i := len(reservations) - 1; i >= 0; i-- {
		if _, ok := accepted[types.FragmentIDOf(raws[i])]; ok {
			held++
			continue
		}
		c.state.Release(reservations[i])
	}
	if held > 0 {
		c.logger.Warn("node kept part of a failed batch, counters stay spent",
			"accepted", held, "released", len(reservations)-held, "counter", c.state.Counter())
	}
}

// checkNewLocked fails with ErrBackend when the node hands back an id that is
// already pending or repeated within ids. Nothing is tracked in that case.
func (c *Controller) checkNewLocked(ids []types.FragmentID) error {
	seen := make(map[types.FragmentID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || c.state.IsPending(id) {
			return fmt.Errorf("%w: node returned duplicate fragment id %s", ErrBackend, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// trackLocked records an accepted fragment whose id passed checkNewLocked.
func (c *Controller) trackLocked(id types.FragmentID, res wallet.Reservation, kind string, expiry *types.BlockDate) {
	c.state.Track(id, res)
	c.metrics.RecordSubmitted(kind, 1)
	c.metrics.SetPending(c.state.PendingLen())
	if c.journal != nil {
		entry := storage.JournalEntry{
			ID:          id,
			Kind:        kind,
			Backend:     c.backendName,
			Counter:     res.Counter,
			HasCounter:  res.HasCounter,
			Debit:       res.Debit,
			ValidUntil:  expiry,
			SubmittedAt: c.now().UTC(),
		}
		if err := c.journal.RecordSubmitted(entry); err != nil {
			c.logger.Warn("journal write failed", "fragment", id.String(), "error", err)
		}
	}
}
