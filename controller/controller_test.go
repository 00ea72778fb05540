package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"nhbwallet/backend"
	"nhbwallet/core/types"
	"nhbwallet/storage"
	"nhbwallet/wallet"
)

func TestOperationsRequireWallet(t *testing.T) {
	stub := newStubBackend()
	c := newTestController(t, stub, nil)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["vote"] = c.Vote(ctx, "p1", "yes", types.ValidUntil{})
	_, checks["vote_for"] = c.VoteFor(ctx, "plan", 0, 0, types.ValidUntil{})
	_, checks["vote_batch"] = c.VoteBatch(ctx, []VoteRequest{{ProposalID: "p1", Choice: "yes"}}, types.ValidUntil{})
	_, checks["transfer"] = c.Transfer(ctx, types.AccountID{1}, 10, types.ValidUntil{})
	_, checks["send"] = c.Send(ctx, []byte("raw"))
	_, checks["send_many"] = c.SendMany(ctx, [][]byte{[]byte("raw")})
	_, checks["account"] = c.Account(ctx)
	checks["refresh"] = c.RefreshState(ctx)
	_, checks["vote_statuses"] = c.VoteStatuses(ctx)
	_, checks["pending"] = c.PendingIDs()
	_, checks["confirm_all"] = c.ConfirmAll()
	_, checks["total_value"] = c.TotalValue()
	_, checks["snapshot"] = c.Snapshot()
	_, checks["address"] = c.Address()
	_, checks["settings"] = c.Settings()
	checks["wait"] = c.WaitForPending(ctx, time.Millisecond)
	checks["reconcile"] = c.Reconcile(ctx)

	for op, err := range checks {
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("%s: expected ErrNotInitialized, got %v", op, err)
		}
	}
	if n := stub.totalCalls(); n != 0 {
		t.Fatalf("expected no node calls before recovery, got %d", n)
	}
}

func TestRecoverInvalidWordCountMakesNoBackendCall(t *testing.T) {
	stub := newStubBackend()
	c := newTestController(t, stub, nil)
	words := strings.Fields(testMnemonic)
	phrase := strings.Join(append(words, "abandon"), " ")

	err := c.Recover(context.Background(), wallet.Mnemonic{Phrase: phrase})
	if !errors.Is(err, ErrInvalidWordCount) {
		t.Fatalf("expected ErrInvalidWordCount, got %v", err)
	}
	if n := stub.totalCalls(); n != 0 {
		t.Fatalf("expected no node calls, got %d", n)
	}
	if _, err := c.PendingIDs(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("failed recovery must leave the controller uninitialised, got %v", err)
	}
}

func TestRecoverLoadsSettingsAndAccount(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)

	snap, err := c.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Counter != 5 || snap.Value != 1000 || len(snap.Pending) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !strings.HasPrefix(snap.Address, "ta1") {
		t.Fatalf("expected test address, got %s", snap.Address)
	}
	if stub.callCount("settings") != 1 || stub.callCount("account") != 1 {
		t.Fatalf("unexpected calls %v", stub.calls)
	}
}

func TestRecoverUnknownAccountStartsEmpty(t *testing.T) {
	stub := newStubBackend()
	stub.accountErr = &backend.Error{Op: "account", Status: 404, Err: backend.ErrNotFound}
	c := recoveredController(t, stub, nil)

	value, err := c.TotalValue()
	if err != nil {
		t.Fatalf("total value: %v", err)
	}
	if value != 0 {
		t.Fatalf("expected empty account, got %s", value)
	}
}

func TestRecoverBackendFailureKeepsPreviousSession(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)
	before, _ := c.Address()

	stub.mu.Lock()
	stub.settingsErr = errors.New("connection refused")
	stub.mu.Unlock()
	_, err := c.Generate(context.Background(), 12, nil)
	mustBeBackendError(t, err)

	after, err := c.Address()
	if err != nil || after != before {
		t.Fatalf("previous session lost: %q %v", after, err)
	}
}

func TestVoteChoiceValidation(t *testing.T) {
	stub := newStubBackend()
	stub.proposals = []types.Proposal{yesNoProposal("0xAB01", 3)}
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	_, err := c.Vote(ctx, "ab01", "maybe", types.ValidUntil{})
	if !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("expected ErrInvalidChoice, got %v", err)
	}
	var choiceErr *ChoiceError
	if !errors.As(err, &choiceErr) || len(choiceErr.Options) != 2 {
		t.Fatalf("expected ChoiceError listing options, got %v", err)
	}

	_, err = c.Vote(ctx, "ff00", "yes", types.ValidUntil{})
	if !errors.Is(err, ErrUnknownProposal) {
		t.Fatalf("expected ErrUnknownProposal, got %v", err)
	}
	if stub.callCount("submit") != 0 {
		t.Fatalf("invalid votes reached the node")
	}

	id, err := c.Vote(ctx, "ab01", "yes", types.BySlotShift(5))
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	pending, err := c.PendingIDs()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != id {
		t.Fatalf("vote not tracked: %s", idsString(pending))
	}

	tx := stub.submittedTx(t, 0)
	if err := tx.Verify(); err != nil {
		t.Fatalf("submitted vote does not verify: %v", err)
	}
	body := tx.Body
	if body.Type != types.FragmentVoteCast || body.Counter != 5 || body.Choice != 0 || body.ProposalIndex != 3 || body.VotePlanID != "plan-1" {
		t.Fatalf("unexpected vote body %+v", body)
	}
	if body.Fee != 3 || body.ValidUntil != (types.BlockDate{Epoch: 1, Slot: 45}) {
		t.Fatalf("unexpected fee or expiry %+v", body)
	}
	value, _ := c.TotalValue()
	if value != 997 {
		t.Fatalf("expected fee debited, got %s", value)
	}
}

func TestSubmitFailureReleasesCounter(t *testing.T) {
	stub := newStubBackend()
	stub.proposals = []types.Proposal{yesNoProposal("p1", 0)}
	stub.submitErr = errors.New("connection reset")
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	_, err := c.Vote(ctx, "p1", "no", types.ValidUntil{})
	mustBeBackendError(t, err)
	snap, _ := c.Snapshot()
	if snap.Counter != 5 || snap.Value != 1000 || len(snap.Pending) != 0 {
		t.Fatalf("failed submission changed state: %+v", snap)
	}

	stub.mu.Lock()
	stub.submitErr = nil
	stub.mu.Unlock()
	if _, err := c.Vote(ctx, "p1", "no", types.ValidUntil{}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if got := stub.submittedTx(t, 0).Body.Counter; got != 5 {
		t.Fatalf("expected counter 5 reused, got %d", got)
	}
}

func TestVoteInsufficientFunds(t *testing.T) {
	stub := newStubBackend()
	stub.account = types.AccountState{Value: 2, Counter: 0}
	stub.proposals = []types.Proposal{yesNoProposal("p1", 0)}
	c := recoveredController(t, stub, nil)
	if _, err := c.Vote(context.Background(), "p1", "yes", types.ValidUntil{}); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func tenProposals() ([]types.Proposal, []VoteRequest) {
	proposals := make([]types.Proposal, 10)
	requests := make([]VoteRequest, 10)
	for i := range proposals {
		id := fmt.Sprintf("p%d", i)
		proposals[i] = yesNoProposal(id, uint8(i))
		requests[i] = VoteRequest{ProposalID: id, Choice: "yes"}
	}
	return proposals, requests
}

func TestVoteBatchReconcilePartialRejection(t *testing.T) {
	stub := newStubBackend()
	proposals, requests := tenProposals()
	stub.proposals = proposals
	journal := storage.NewJournal(storage.NewMemDB())
	c := recoveredController(t, stub, func(cfg *Config) { cfg.Journal = journal })
	ctx := context.Background()

	ids, err := c.VoteBatch(ctx, requests, types.BySlotShift(5))
	if err != nil {
		t.Fatalf("vote batch: %v", err)
	}
	if len(ids) != 10 || stub.callCount("submit_batch") != 1 {
		t.Fatalf("expected one batch of 10, got %d ids and %d calls", len(ids), stub.callCount("submit_batch"))
	}
	expiry := types.BlockDate{Epoch: 1, Slot: 45}
	for i := range ids {
		body := stub.submittedTx(t, i).Body
		if body.Counter != uint32(5+i) {
			t.Fatalf("fragment %d signed with counter %d", i, body.Counter)
		}
		if body.ValidUntil != expiry {
			t.Fatalf("fragment %d expires at %s, want %s", i, body.ValidUntil, expiry)
		}
	}
	peak, _ := c.Snapshot()
	if peak.Counter != 15 || peak.Value != 970 {
		t.Fatalf("unexpected post-submission state %+v", peak)
	}

	stub.setLogs(func(_ int, submitted []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error) {
		statuses := make(map[types.FragmentID]types.FragmentStatus)
		for i, id := range submitted {
			if i < 7 {
				statuses[id] = types.InABlock(expiry, "block")
			} else {
				statuses[id] = types.Rejected("expired")
			}
		}
		return statusLogs(statuses), nil
	})
	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	snap, _ := c.Snapshot()
	if len(snap.Pending) != 0 {
		t.Fatalf("expected no pending fragments, got %d", len(snap.Pending))
	}
	if snap.Counter != peak.Counter-3 {
		t.Fatalf("expected counter %d after three rollbacks, got %d", peak.Counter-3, snap.Counter)
	}
	if snap.Value != 1000-7*3 {
		t.Fatalf("expected only confirmed fees debited, got %s", snap.Value)
	}

	entry, err := journal.Get(ids[9])
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if entry.Status.Kind != types.StatusRejected || entry.Counter != 14 || entry.Backend != "stub" {
		t.Fatalf("unexpected journal entry %+v", entry)
	}
	open, err := journal.Unresolved()
	if err != nil || len(open) != 0 {
		t.Fatalf("journal still has %d unresolved entries (%v)", len(open), err)
	}
}

func TestRejectedCountersAreReused(t *testing.T) {
	stub := newStubBackend()
	proposals, requests := tenProposals()
	stub.proposals = proposals
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	if _, err := c.VoteBatch(ctx, requests, types.ValidUntil{}); err != nil {
		t.Fatalf("vote batch: %v", err)
	}
	rejected := map[int]bool{2: true, 5: true, 8: true}
	stub.setLogs(func(_ int, submitted []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error) {
		statuses := make(map[types.FragmentID]types.FragmentStatus)
		for i, id := range submitted {
			if rejected[i] {
				statuses[id] = types.Rejected("bad counter")
			} else {
				statuses[id] = types.InABlock(types.BlockDate{}, "block")
			}
		}
		return statusLogs(statuses), nil
	})
	if err := c.WaitForPending(ctx, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}

	for i, want := range []uint32{7, 10, 13, 15} {
		if _, err := c.VoteFor(ctx, "plan-1", uint8(i), 1, types.ValidUntil{}); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		if got := stub.submittedTx(t, 10+i).Body.Counter; got != want {
			t.Fatalf("vote %d signed with counter %d, want %d", i, got, want)
		}
	}
}

func TestVoteBatchValidatesBeforeReserving(t *testing.T) {
	stub := newStubBackend()
	proposals, requests := tenProposals()
	stub.proposals = proposals
	c := recoveredController(t, stub, nil)

	requests[6].Choice = "abstain"
	_, err := c.VoteBatch(context.Background(), requests, types.ValidUntil{})
	if !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("expected ErrInvalidChoice, got %v", err)
	}
	snap, _ := c.Snapshot()
	if snap.Counter != 5 || snap.Value != 1000 || stub.callCount("submit_batch") != 0 {
		t.Fatalf("invalid batch changed state: %+v", snap)
	}
}

func TestBatchFailureRecordsNothing(t *testing.T) {
	stub := newStubBackend()
	proposals, requests := tenProposals()
	stub.proposals = proposals
	stub.batchErr = &backend.BatchError{
		Accepted: []types.FragmentID{{1}},
		Rejected: []backend.RejectedFragment{{ID: types.FragmentID{2}, Reason: "invalid"}},
	}
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	ids, err := c.SendMany(ctx, [][]byte{[]byte("a"), []byte("b")})
	mustBeBackendError(t, err)
	if ids != nil {
		t.Fatalf("expected no ids on failure, got %v", ids)
	}
	var batchErr *backend.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected the node's batch error to be preserved, got %v", err)
	}

	// none of the vote fragments match the accepted id, so all are released
	_, err = c.VoteBatch(ctx, requests, types.ValidUntil{})
	mustBeBackendError(t, err)
	snap, _ := c.Snapshot()
	if len(snap.Pending) != 0 || snap.Counter != 5 || snap.Value != 1000 {
		t.Fatalf("failed batches left state behind: %+v", snap)
	}
}

func TestPartiallyAcceptedBatchKeepsCountersSpent(t *testing.T) {
	stub := newStubBackend()
	proposals, requests := tenProposals()
	stub.proposals = proposals
	stub.batchFail = func(raws [][]byte) error {
		// fail fast: the first three land, the fourth is refused
		return &backend.BatchError{
			Accepted: []types.FragmentID{
				types.FragmentIDOf(raws[0]),
				types.FragmentIDOf(raws[1]),
				types.FragmentIDOf(raws[2]),
			},
			Rejected: []backend.RejectedFragment{{ID: types.FragmentIDOf(raws[3]), Reason: "invalid"}},
		}
	}
	c := recoveredController(t, stub, nil)
	ctx := context.Background()
	fee := testSettings().Fees.VoteCastFee()

	ids, err := c.VoteBatch(ctx, requests, types.ValidUntil{})
	mustBeBackendError(t, err)
	if ids != nil {
		t.Fatalf("expected no ids on failure, got %v", ids)
	}
	snap, _ := c.Snapshot()
	if len(snap.Pending) != 0 {
		t.Fatalf("failed batch recorded %d pending", len(snap.Pending))
	}
	if snap.Counter != 8 || snap.Value != 1000-3*fee {
		t.Fatalf("accepted fragments must keep counter and debit: %+v", snap)
	}

	if _, err := c.Vote(ctx, "p0", "no", types.ValidUntil{}); err != nil {
		t.Fatalf("follow-up vote: %v", err)
	}
	if got := stub.submittedTx(t, 0).Body.Counter; got != 8 {
		t.Fatalf("follow-up vote signed with counter %d, node holds 5..7", got)
	}
}

func TestBatchDuplicateIDsTrackNothing(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	first, err := c.Send(ctx, []byte("one"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// "one" hashes to the id already pending
	ids, err := c.SendMany(ctx, [][]byte{[]byte("two"), []byte("one")})
	mustBeBackendError(t, err)
	if ids != nil {
		t.Fatalf("expected no ids, got %v", ids)
	}
	pending, _ := c.PendingIDs()
	if len(pending) != 1 || pending[0] != first {
		t.Fatalf("duplicate batch tracked part of itself: %s", idsString(pending))
	}
}

func TestSendTracksRawFragments(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	if _, err := c.Send(ctx, []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	many, err := c.SendMany(ctx, [][]byte{[]byte("two"), []byte("three")})
	if err != nil || len(many) != 2 {
		t.Fatalf("send many: %v %v", many, err)
	}
	pending, _ := c.PendingIDs()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %s", idsString(pending))
	}
	snap, _ := c.Snapshot()
	if snap.Counter != 5 || snap.Value != 1000 {
		t.Fatalf("raw fragments must not reserve counter or value: %+v", snap)
	}

	confirmed, err := c.ConfirmAll()
	if err != nil {
		t.Fatalf("confirm all: %v", err)
	}
	if len(confirmed) != 3 {
		t.Fatalf("expected 3 confirmed, got %d", len(confirmed))
	}
	if pending, _ := c.PendingIDs(); len(pending) != 0 {
		t.Fatalf("confirm all left %d pending", len(pending))
	}
}

func TestConfirmAndRemoveSinglePending(t *testing.T) {
	stub := newStubBackend()
	stub.proposals = []types.Proposal{yesNoProposal("p1", 0), yesNoProposal("p2", 1)}
	journal := storage.NewJournal(storage.NewMemDB())
	c := recoveredController(t, stub, func(cfg *Config) { cfg.Journal = journal })
	ctx := context.Background()

	first, err := c.Vote(ctx, "p1", "yes", types.ValidUntil{})
	if err != nil {
		t.Fatalf("vote p1: %v", err)
	}
	second, err := c.Vote(ctx, "p2", "no", types.ValidUntil{})
	if err != nil {
		t.Fatalf("vote p2: %v", err)
	}

	if ok, err := c.ConfirmTransaction(first); err != nil || !ok {
		t.Fatalf("confirm: %v %v", ok, err)
	}
	if ok, _ := c.ConfirmTransaction(first); ok {
		t.Fatalf("second confirm must report false")
	}
	if ok, err := c.RemovePending(second); err != nil || !ok {
		t.Fatalf("remove: %v %v", ok, err)
	}

	snap, _ := c.Snapshot()
	if len(snap.Pending) != 0 || snap.Counter != 6 || snap.Value != 997 {
		t.Fatalf("unexpected state after confirm and remove: %+v", snap)
	}
	entry, err := journal.Get(second)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if entry.Status.Kind != types.StatusRejected {
		t.Fatalf("removed fragment journaled as %s", entry.Status)
	}

	fresh := newTestController(t, newStubBackend(), nil)
	if _, err := fresh.RemovePending(first); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestTransferDebitsAmountAndFee(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)

	to := types.AccountID{9}
	if _, err := c.Transfer(context.Background(), to, 100, types.ByBlockDate(types.BlockDate{Epoch: 3})); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	body := stub.submittedTx(t, 0).Body
	if body.Type != types.FragmentTransfer || body.Amount != 100 || body.Fee != 3 || body.ValidUntil != (types.BlockDate{Epoch: 3}) {
		t.Fatalf("unexpected transfer body %+v", body)
	}
	value, _ := c.TotalValue()
	if value != 897 {
		t.Fatalf("expected amount and fee debited, got %s", value)
	}
}

func TestWaitForPendingEmptyMakesNoCall(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)
	before := stub.totalCalls()

	for i := 0; i < 2; i++ {
		if err := c.WaitForPending(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stub.totalCalls() != before {
		t.Fatalf("empty wait reached the node")
	}
}

func TestWaitForPendingBudgetExhausted(t *testing.T) {
	stub := newStubBackend()
	proposals, requests := tenProposals()
	stub.proposals = proposals
	c := recoveredController(t, stub, func(cfg *Config) { cfg.PollBudget = 3 })
	ctx := context.Background()

	ids, err := c.VoteBatch(ctx, requests[:4], types.ValidUntil{})
	if err != nil {
		t.Fatalf("vote batch: %v", err)
	}
	stub.setLogs(func(call int, submitted []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error) {
		statuses := make(map[types.FragmentID]types.FragmentStatus)
		// the last fragment never shows up in the log
		for _, id := range submitted[:len(submitted)-1] {
			statuses[id] = types.Pending()
		}
		return statusLogs(statuses), nil
	})

	err = c.WaitForPending(ctx, time.Millisecond)
	if !errors.Is(err, ErrPendingTooLong) {
		t.Fatalf("expected ErrPendingTooLong, got %v", err)
	}
	var tooLong *PendingTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected PendingTooLongError, got %T", err)
	}
	if len(tooLong.IDs) != len(ids) {
		t.Fatalf("expected %d outstanding ids, got %s", len(ids), idsString(tooLong.IDs))
	}
	for i := range ids {
		if tooLong.IDs[i] != ids[i] {
			t.Fatalf("outstanding ids %s, want %s", idsString(tooLong.IDs), idsString(ids))
		}
	}
	if n := stub.callCount("logs"); n != 3 {
		t.Fatalf("expected 3 log queries, got %d", n)
	}
}

func TestWaitForPendingRetriesTransientErrors(t *testing.T) {
	stub := newStubBackend()
	stub.proposals = []types.Proposal{yesNoProposal("p1", 0)}
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	id, err := c.Vote(ctx, "p1", "yes", types.ValidUntil{})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	stub.setLogs(func(call int, _ []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error) {
		if call == 1 {
			return nil, temporaryError{}
		}
		return statusLogs(map[types.FragmentID]types.FragmentStatus{id: types.InABlock(types.BlockDate{}, "b")}), nil
	})
	if err := c.WaitForPending(ctx, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n := stub.callCount("logs"); n != 2 {
		t.Fatalf("expected 2 log queries, got %d", n)
	}
}

func TestWaitForPendingStopsOnHardError(t *testing.T) {
	stub := newStubBackend()
	stub.proposals = []types.Proposal{yesNoProposal("p1", 0)}
	c := recoveredController(t, stub, nil)
	ctx := context.Background()

	if _, err := c.Vote(ctx, "p1", "yes", types.ValidUntil{}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	stub.setLogs(func(int, []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error) {
		return nil, &backend.Error{Op: "fragment logs", Status: 400, Body: "bad request"}
	})
	err := c.WaitForPending(ctx, time.Millisecond)
	mustBeBackendError(t, err)
	if n := stub.callCount("logs"); n != 1 {
		t.Fatalf("expected a single query, got %d", n)
	}
	if pending, _ := c.PendingIDs(); len(pending) != 1 {
		t.Fatalf("hard error must leave the fragment pending")
	}
}

func TestWaitForPendingHonoursCancellation(t *testing.T) {
	stub := newStubBackend()
	stub.proposals = []types.Proposal{yesNoProposal("p1", 0)}
	c := recoveredController(t, stub, nil)

	if _, err := c.Vote(context.Background(), "p1", "yes", types.ValidUntil{}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.WaitForPending(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSwitchBackendKeepsIdentityAndPending(t *testing.T) {
	first := newStubBackend()
	first.proposals = []types.Proposal{yesNoProposal("p1", 0)}
	c := recoveredController(t, first, nil)
	ctx := context.Background()

	address, _ := c.Address()
	id, err := c.Vote(ctx, "p1", "yes", types.ValidUntil{})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}

	broken := newStubBackend()
	broken.settingsErr = temporaryError{}
	mustBeBackendError(t, c.SwitchBackend(ctx, broken, "broken"))

	second := newStubBackend()
	second.settings.Fees = types.LinearFee{Constant: 10}
	second.setLogs(func(int, []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error) {
		return statusLogs(map[types.FragmentID]types.FragmentStatus{id: types.Rejected("unknown")}), nil
	})
	if err := c.SwitchBackend(ctx, second, "second"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if got, _ := c.Address(); got != address {
		t.Fatalf("identity changed across switch: %s != %s", got, address)
	}
	if pending, _ := c.PendingIDs(); len(pending) != 1 || pending[0] != id {
		t.Fatalf("pending fragments lost across switch")
	}
	settings, _ := c.Settings()
	if settings.Fees.Constant != 10 {
		t.Fatalf("settings not reloaded from new node")
	}
	if err := c.WaitForPending(ctx, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if first.callCount("logs") != 0 || second.callCount("logs") != 1 {
		t.Fatalf("reconciliation used the old backend")
	}
	if value, _ := c.TotalValue(); value != 1000 {
		t.Fatalf("rejected vote fee not returned, got %s", value)
	}
}

func TestRefreshStateAdoptsRemoteCounter(t *testing.T) {
	stub := newStubBackend()
	c := recoveredController(t, stub, nil)

	stub.mu.Lock()
	stub.account = types.AccountState{Value: 400, Counter: 9}
	stub.mu.Unlock()
	if err := c.RefreshState(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap, _ := c.Snapshot()
	if snap.Counter != 9 || snap.Value != 400 {
		t.Fatalf("unexpected state after refresh %+v", snap)
	}
	account, err := c.Account(context.Background())
	if err != nil || account.Counter != 9 {
		t.Fatalf("account snapshot: %+v %v", account, err)
	}
}
