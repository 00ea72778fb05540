package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"nhbwallet/core/types"
	"nhbwallet/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var testNow = time.Unix(1700000000, 0).UTC()

func testSettings() types.Settings {
	return types.Settings{
		Block0Hash:     "block0",
		Block0Time:     testNow.Add(-1000 * time.Second),
		SlotDuration:   10,
		SlotsPerEpoch:  60,
		Discrimination: types.DiscriminationTest,
		Fees:           types.LinearFee{Constant: 1, Coefficient: 1, Certificate: 1},
	}
}

type temporaryError struct{}

func (temporaryError) Error() string { return "node busy" }
func (temporaryError) Temporary() bool { return true }

type stubBackend struct {
	mu sync.Mutex

	settings    types.Settings
	settingsErr error
	account     types.AccountState
	accountErr  error
	proposals   []types.Proposal
	statuses    []types.VoteStatus
	submitErr   error
	batchErr    error
	// batchFail, when set, decides the batch outcome from the submitted bytes.
	batchFail func(raws [][]byte) error

	// logs answers FragmentLogs; call counts from 1.
	logs func(call int, submitted []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error)

	calls     map[string]int
	submitted [][]byte
	ids       []types.FragmentID
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		settings: testSettings(),
		account:  types.AccountState{Value: 1000, Counter: 5},
		calls:    make(map[string]int),
	}
}

func (s *stubBackend) record(op string) int {
	s.calls[op]++
	return s.calls[op]
}

func (s *stubBackend) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *stubBackend) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubBackend) Settings(context.Context) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("settings")
	return s.settings, s.settingsErr
}

func (s *stubBackend) AccountState(context.Context, types.AccountID) (types.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("account")
	return s.account, s.accountErr
}

func (s *stubBackend) SubmitFragment(_ context.Context, raw []byte) (types.FragmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("submit")
	if s.submitErr != nil {
		return types.FragmentID{}, s.submitErr
	}
	id := types.FragmentIDOf(raw)
	s.submitted = append(s.submitted, raw)
	s.ids = append(s.ids, id)
	return id, nil
}

func (s *stubBackend) SubmitFragments(_ context.Context, raws [][]byte, _ bool) ([]types.FragmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("submit_batch")
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	if s.batchFail != nil {
		if err := s.batchFail(raws); err != nil {
			return nil, err
		}
	}
	ids := make([]types.FragmentID, len(raws))
	for i, raw := range raws {
		ids[i] = types.FragmentIDOf(raw)
		s.submitted = append(s.submitted, raw)
		s.ids = append(s.ids, ids[i])
	}
	return ids, nil
}

func (s *stubBackend) FragmentLogs(context.Context) (map[types.FragmentID]types.FragmentLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.record("logs")
	if s.logs == nil {
		return map[types.FragmentID]types.FragmentLog{}, nil
	}
	return s.logs(call, append([]types.FragmentID(nil), s.ids...))
}

func (s *stubBackend) Proposals(context.Context) ([]types.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("proposals")
	return s.proposals, nil
}

func (s *stubBackend) VoteStatuses(context.Context, types.AccountID) ([]types.VoteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("vote_statuses")
	return s.statuses, nil
}

func (s *stubBackend) submittedTx(t *testing.T, i int) *types.Transaction {
	t.Helper()
	s.mu.Lock()
	raw := s.submitted[i]
	s.mu.Unlock()
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("decode submitted fragment %d: %v", i, err)
	}
	return tx
}

func (s *stubBackend) setLogs(fn func(call int, submitted []types.FragmentID) (map[types.FragmentID]types.FragmentLog, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = fn
}

func yesNoProposal(id string, index uint8) types.Proposal {
	return types.Proposal{
		ChainProposalID: id,
		Title:           "proposal " + id,
		VotePlanID:      "plan-1",
		ProposalIndex:   index,
		Options: types.VoteOptions{
			{Label: "yes", Choice: 0},
			{Label: "no", Choice: 1},
		},
	}
}

func statusLogs(statuses map[types.FragmentID]types.FragmentStatus) map[types.FragmentID]types.FragmentLog {
	out := make(map[types.FragmentID]types.FragmentLog, len(statuses))
	for id, status := range statuses {
		out[id] = types.FragmentLog{ID: id, Status: status}
	}
	return out
}

func newTestController(t *testing.T, stub *stubBackend, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Backend:      stub,
		BackendName:  "stub",
		PollInterval: time.Millisecond,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Now:          func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func recoveredController(t *testing.T, stub *stubBackend, mutate func(*Config)) *Controller {
	t.Helper()
	c := newTestController(t, stub, mutate)
	if err := c.Recover(context.Background(), wallet.Mnemonic{Phrase: testMnemonic}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return c
}

func mustBeBackendError(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func idsString(ids []types.FragmentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()[:8]
	}
	return strings.Join(parts, ",")
}
