package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"nhbwallet/core/types"
	"nhbwallet/crypto"
	"nhbwallet/storage"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type testNode struct {
	mu        sync.Mutex
	submitted []types.FragmentID
	confirm   bool
}

func (n *testNode) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v0/settings", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(types.Settings{
			Block0Time:     time.Now().Add(-time.Hour).UTC(),
			SlotDuration:   10,
			SlotsPerEpoch:  60,
			Discrimination: types.DiscriminationTest,
			Fees:           types.LinearFee{Constant: 1, Coefficient: 1, Certificate: 1},
		})
	})
	r.Get("/api/v0/account/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"value":1000,"counter":0,"delegation":{},"last_rewards":{"epoch":0,"reward":0}}`)
	})
	r.Get("/api/v0/proposals", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"internal_id":1,"chain_proposal_id":"AB01","proposal_title":"Fund","proposal_summary":"s","chain_voteplan_id":"plan","chain_proposal_index":0,"chain_vote_options":{"yes":0,"no":1}}]`)
	})
	r.Post("/api/v0/message", func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		id := types.FragmentIDOf(raw)
		n.mu.Lock()
		n.submitted = append(n.submitted, id)
		n.mu.Unlock()
		_, _ = io.WriteString(w, id.String())
	})
	r.Get("/api/v0/fragment/logs", func(w http.ResponseWriter, _ *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		logs := make([]types.FragmentLog, 0, len(n.submitted))
		for _, id := range n.submitted {
			status := types.Pending()
			if n.confirm {
				status = types.InABlock(types.BlockDate{Epoch: 1, Slot: 1}, "beef")
			}
			logs = append(logs, types.FragmentLog{ID: id, Status: status})
		}
		_ = json.NewEncoder(w).Encode(logs)
	})
	return r
}

func (n *testNode) submissions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.submitted)
}

type harness struct {
	node      *testNode
	config    string
	secretKey string
	dir       string
}

func newHarness(t *testing.T, confirm bool) *harness {
	t.Helper()
	node := &testNode{confirm: confirm}
	server := httptest.NewServer(node.handler())
	t.Cleanup(server.Close)

	dir := t.TempDir()
	key, err := crypto.KeyFromMnemonic(testMnemonic, nil)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	secretKey := filepath.Join(dir, "wallet.key")
	if err := crypto.WriteSecretKeyFile(secretKey, key); err != nil {
		t.Fatalf("write key: %v", err)
	}

	configPath := filepath.Join(dir, "nhbwallet.toml")
	contents := fmt.Sprintf(`[backend]
address = %q

[wallet]
pin_env = "NHBWALLET_TEST_PIN_UNSET"
password_env = "NHBWALLET_TEST_PASSWORD_UNSET"

[reconcile]
poll_budget = 2

[journal]
path = %q

[logging]
level = "error"
`, server.URL, filepath.Join(dir, "journal"))
	if err := os.WriteFile(configPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &harness{node: node, config: configPath, secretKey: secretKey, dir: dir}
}

func (h *harness) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", h.config}, args...)
	code := run(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRequiresCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "vote-batch") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	h := newHarness(t, true)
	code, _, stderr := h.run("frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
}

func TestRunAddress(t *testing.T) {
	h := newHarness(t, true)
	code, stdout, stderr := h.run("address", "--secret-key", h.secretKey)
	if code != 0 {
		t.Fatalf("address failed: %s", stderr)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	key, _ := crypto.KeyFromMnemonic(testMnemonic, nil)
	var want types.AccountID
	copy(want[:], key.PublicKey())
	if out["account"] != want.String() {
		t.Fatalf("unexpected account %q", out["account"])
	}
	if out["address"] == "" {
		t.Fatalf("expected an address")
	}
}

func TestRunRejectsConflictingSources(t *testing.T) {
	h := newHarness(t, true)
	code, _, stderr := h.run("address", "--secret-key", h.secretKey, "--qr", "code.png")
	if code != 1 || !strings.Contains(stderr, "only one of") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
}

func TestRunVoteWaitsAndJournals(t *testing.T) {
	h := newHarness(t, true)
	code, stdout, stderr := h.run("vote", "--secret-key", h.secretKey, "--proposal", "AB01", "--choice", "yes", "--wait", "--interval", "5ms")
	if code != 0 {
		t.Fatalf("vote failed (%d): %s", code, stderr)
	}
	if !strings.Contains(stdout, "Submitted fragment") {
		t.Fatalf("unexpected output %q", stdout)
	}
	if h.node.submissions() != 1 {
		t.Fatalf("expected one submission, got %d", h.node.submissions())
	}

	code, stdout, stderr = h.run("journal")
	if code != 0 {
		t.Fatalf("journal failed: %s", stderr)
	}
	var entries []storage.JournalEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one journal entry, got %d", len(entries))
	}
	if entries[0].Status.Kind != types.StatusInABlock || entries[0].Counter != 0 || entries[0].Kind != types.FragmentVoteCast.String() {
		t.Fatalf("unexpected journal entry %+v", entries[0])
	}
}

func TestRunVoteReportsPendingTooLong(t *testing.T) {
	h := newHarness(t, false)
	code, _, stderr := h.run("vote", "--secret-key", h.secretKey, "--proposal", "AB01", "--choice", "no", "--wait", "--interval", "1ms")
	if code != exitPendingTooLong {
		t.Fatalf("expected exit %d, got %d: %s", exitPendingTooLong, code, stderr)
	}
	if !strings.Contains(stderr, "still pending") {
		t.Fatalf("unexpected stderr %q", stderr)
	}

	code, stdout, _ := h.run("journal", "--unresolved")
	if code != 0 {
		t.Fatalf("journal failed")
	}
	var entries []storage.JournalEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one unresolved entry, got %d", len(entries))
	}
}

func TestRunVoteBatchRejectsUnknownProposal(t *testing.T) {
	h := newHarness(t, true)
	plan := filepath.Join(h.dir, "votes.yaml")
	contents := "votes:\n  - {proposal: AB01, choice: yes}\n  - {proposal: FF02, choice: yes}\n"
	if err := os.WriteFile(plan, []byte(contents), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	code, _, stderr := h.run("vote-batch", "--secret-key", h.secretKey, "--plan", plan)
	if code != 1 || !strings.Contains(stderr, "FF02") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
	if h.node.submissions() != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestRunExportWritesSecretKey(t *testing.T) {
	h := newHarness(t, true)
	out := filepath.Join(h.dir, "exported.key")
	code, _, stderr := h.run("export", "--secret-key", h.secretKey, "--secret-out", out)
	if code != 0 {
		t.Fatalf("export failed: %s", stderr)
	}
	exported, err := crypto.ReadSecretKeyFile(out)
	if err != nil {
		t.Fatalf("read exported key: %v", err)
	}
	original, _ := crypto.ReadSecretKeyFile(h.secretKey)
	if !bytes.Equal(exported.Bytes(), original.Bytes()) {
		t.Fatalf("exported key differs")
	}
}

func TestRunTransferValidatesFlags(t *testing.T) {
	h := newHarness(t, true)
	if code, _, stderr := h.run("transfer", "--secret-key", h.secretKey, "--amount", "5"); code != 1 || !strings.Contains(stderr, "--to") {
		t.Fatalf("expected missing recipient error, got %d %q", code, stderr)
	}
	to := strings.Repeat("11", types.AccountIDSize)
	if code, _, stderr := h.run("transfer", "--secret-key", h.secretKey, "--to", to); code != 1 || !strings.Contains(stderr, "--amount") {
		t.Fatalf("expected amount error, got %d %q", code, stderr)
	}
	code, _, stderr := h.run("transfer", "--secret-key", h.secretKey, "--to", to, "--amount", "10", "--valid-slots", "5")
	if code != 0 {
		t.Fatalf("transfer failed: %s", stderr)
	}
	if h.node.submissions() != 1 {
		t.Fatalf("expected one submission")
	}
}

func TestSubmitFlagsValidity(t *testing.T) {
	var s submitFlags
	v, err := s.validity()
	if err != nil || v.IsSet() {
		t.Fatalf("expected unset validity, got %v %v", v, err)
	}
	s.validUntil = "4.2"
	v, err = s.validity()
	if err != nil || v != types.ByBlockDate(types.BlockDate{Epoch: 4, Slot: 2}) {
		t.Fatalf("unexpected validity %v %v", v, err)
	}
	s.validFor = time.Minute
	if _, err := s.validity(); err == nil {
		t.Fatalf("expected conflict error")
	}
}

func TestParseRecipient(t *testing.T) {
	key, _ := crypto.KeyFromMnemonic(testMnemonic, nil)
	addr, err := crypto.NewAccountAddress(key.PublicKey(), true)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	fromAddr, err := parseRecipient(addr.String())
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	fromHex, err := parseRecipient("0x" + fromAddr.String())
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if fromAddr != fromHex {
		t.Fatalf("address and hex forms differ")
	}
	if _, err := parseRecipient("zz"); err == nil {
		t.Fatalf("expected error")
	}
}
