package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"nhbwallet/config"
	"nhbwallet/controller"
	"nhbwallet/core/types"
	"nhbwallet/crypto"
	"nhbwallet/storage"
)

const exitPendingTooLong = 2

// submitFlags carry the validity window and the optional reconciliation wait
// of commands that submit fragments.
type submitFlags struct {
	validSlots uint
	validUntil string
	validFor   time.Duration
	wait       bool
	interval   time.Duration
}

func (s *submitFlags) register(fs *flag.FlagSet) {
	fs.UintVar(&s.validSlots, "valid-slots", 0, "expire this many slots after the current one")
	fs.StringVar(&s.validUntil, "valid-until", "", "expire at an absolute epoch.slot block date")
	fs.DurationVar(&s.validFor, "valid-for", 0, "expire at the slot covering now plus this duration")
	fs.BoolVar(&s.wait, "wait", false, "wait until every submitted fragment is confirmed or rejected")
	fs.DurationVar(&s.interval, "interval", 0, "poll interval while waiting, defaults to the config value")
}

// validity returns the zero ValidUntil when no flag was given so the wallet
// default applies.
func (s *submitFlags) validity() (types.ValidUntil, error) {
	set := 0
	if s.validSlots > 0 {
		set++
	}
	if s.validUntil != "" {
		set++
	}
	if s.validFor > 0 {
		set++
	}
	if set > 1 {
		return types.ValidUntil{}, errors.New("use only one of --valid-slots, --valid-until and --valid-for")
	}
	switch {
	case s.validSlots > 0:
		if s.validSlots > uint(^uint32(0)) {
			return types.ValidUntil{}, fmt.Errorf("--valid-slots %d out of range", s.validSlots)
		}
		return types.BySlotShift(uint32(s.validSlots)), nil
	case s.validUntil != "":
		date, err := types.ParseBlockDate(s.validUntil)
		if err != nil {
			return types.ValidUntil{}, err
		}
		return types.ByBlockDate(date), nil
	case s.validFor > 0:
		return types.ByDuration(s.validFor), nil
	}
	return types.ValidUntil{}, nil
}

func runGenerate(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	words := fs.Int("words", 0, "mnemonic length, defaults to the config value")
	secretOut := fs.String("secret-out", "", "also write the key to this secret key file")
	qrOut := fs.String("qr-out", "", "also write the key to this PIN protected QR code (PNG)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, opts, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if *words == 0 {
		*words = a.cfg.Wallet.WordCount
	}
	password, err := a.password.Get()
	if err != nil {
		return fail(stderr, err)
	}
	phrase, err := a.controller.Generate(ctx, *words, []byte(password))
	if err != nil {
		return fail(stderr, err)
	}
	address, err := a.controller.Address()
	if err != nil {
		return fail(stderr, err)
	}
	if err := exportKey(a, *secretOut, *qrOut); err != nil {
		return fail(stderr, err)
	}
	return output(stdout, stderr, map[string]string{"mnemonic": phrase, "address": address})
}

func runAddress(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var rec recoveryFlags
	rec.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	snap, err := a.controller.Snapshot()
	if err != nil {
		return fail(stderr, err)
	}
	return output(stdout, stderr, map[string]string{"address": snap.Address, "account": snap.Account.String()})
}

type pendingView struct {
	ID      types.FragmentID `json:"fragment_id"`
	Counter *uint32          `json:"counter,omitempty"`
	Debit   types.Value      `json:"debit"`
}

type accountView struct {
	Address     string             `json:"address"`
	Account     types.AccountID    `json:"account"`
	Counter     uint32             `json:"counter"`
	NextCounter uint32             `json:"next_counter"`
	Value       types.Value        `json:"value"`
	Remote      types.AccountState `json:"remote"`
	Pending     []pendingView      `json:"pending"`
}

func runAccount(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("account", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var rec recoveryFlags
	rec.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	remote, err := a.controller.Account(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	view, err := viewAccount(a.controller)
	if err != nil {
		return fail(stderr, err)
	}
	view.Remote = remote
	return output(stdout, stderr, view)
}

func viewAccount(c *controller.Controller) (accountView, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return accountView{}, err
	}
	view := accountView{
		Address:     snap.Address,
		Account:     snap.Account,
		Counter:     snap.Counter,
		NextCounter: snap.NextCounter,
		Value:       snap.Value,
		Pending:     make([]pendingView, 0, len(snap.Pending)),
	}
	for _, p := range snap.Pending {
		pv := pendingView{ID: p.ID, Debit: p.Reservation.Debit}
		if p.Reservation.HasCounter {
			counter := p.Reservation.Counter
			pv.Counter = &counter
		}
		view.Pending = append(view.Pending, pv)
	}
	return view, nil
}

func runExport(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var rec recoveryFlags
	rec.register(fs)
	secretOut := fs.String("secret-out", "", "write the key to this secret key file")
	qrOut := fs.String("qr-out", "", "write the key to this PIN protected QR code (PNG)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *secretOut == "" && *qrOut == "" {
		fmt.Fprintln(stderr, "Error: --secret-out or --qr-out is required")
		return 1
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if err := exportKey(a, *secretOut, *qrOut); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, "Key exported.")
	return 0
}

func exportKey(a *app, secretOut, qrOut string) error {
	if secretOut == "" && qrOut == "" {
		return nil
	}
	key, err := a.controller.SecretKey()
	if err != nil {
		return err
	}
	if secretOut != "" {
		if err := crypto.WriteSecretKeyFile(secretOut, key); err != nil {
			return fmt.Errorf("write secret key: %w", err)
		}
	}
	if qrOut != "" {
		pin, err := a.pin.Get()
		if err != nil {
			return err
		}
		f, err := os.OpenFile(qrOut, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return fmt.Errorf("create QR file: %w", err)
		}
		if err := crypto.WriteKeyQR(f, key, pin); err != nil {
			f.Close()
			os.Remove(qrOut)
			return fmt.Errorf("write QR code: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func runProposals(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("proposals", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, opts, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	proposals, err := a.controller.Proposals(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	return output(stdout, stderr, proposals)
}

func runStatuses(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("statuses", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var rec recoveryFlags
	rec.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	statuses, err := a.controller.VoteStatuses(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	return output(stdout, stderr, statuses)
}

func runVote(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vote", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		rec    recoveryFlags
		submit submitFlags
	)
	rec.register(fs)
	submit.register(fs)
	proposal := fs.String("proposal", "", "chain proposal id")
	choice := fs.String("choice", "", "option label, or the raw option index with --vote-plan")
	votePlan := fs.String("vote-plan", "", "vote plan id; votes by --index without reading the proposal list")
	index := fs.Uint("index", 0, "proposal index within --vote-plan")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*choice) == "" {
		fmt.Fprintln(stderr, "Error: --choice is required")
		return 1
	}
	if *votePlan == "" && strings.TrimSpace(*proposal) == "" {
		fmt.Fprintln(stderr, "Error: --proposal or --vote-plan is required")
		return 1
	}
	validUntil, err := submit.validity()
	if err != nil {
		return fail(stderr, err)
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	var id types.FragmentID
	if *votePlan != "" {
		if *index > 255 {
			return fail(stderr, fmt.Errorf("--index %d out of range", *index))
		}
		raw, err := strconv.ParseUint(strings.TrimSpace(*choice), 10, 8)
		if err != nil {
			return fail(stderr, fmt.Errorf("--choice must be an option index with --vote-plan: %w", err))
		}
		id, err = a.controller.VoteFor(ctx, *votePlan, uint8(*index), uint8(raw), validUntil)
		if err != nil {
			return fail(stderr, err)
		}
	} else {
		id, err = a.controller.Vote(ctx, strings.TrimSpace(*proposal), strings.TrimSpace(*choice), validUntil)
		if err != nil {
			return fail(stderr, err)
		}
	}
	fmt.Fprintf(stdout, "Submitted fragment %s\n", id)
	return finishSubmission(ctx, a, &submit, stdout, stderr)
}

func runVoteBatch(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vote-batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		rec    recoveryFlags
		submit submitFlags
	)
	rec.register(fs)
	submit.register(fs)
	planPath := fs.String("plan", "", "YAML vote plan")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *planPath == "" {
		fmt.Fprintln(stderr, "Error: --plan is required")
		return 1
	}
	plan, err := config.LoadVotePlan(*planPath)
	if err != nil {
		return fail(stderr, err)
	}
	validUntil, err := plan.Expiry()
	if err != nil {
		return fail(stderr, err)
	}
	if flagged, err := submit.validity(); err != nil {
		return fail(stderr, err)
	} else if flagged.IsSet() {
		validUntil = flagged
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	requests := make([]controller.VoteRequest, len(plan.Votes))
	for i, vote := range plan.Votes {
		requests[i] = controller.VoteRequest{ProposalID: vote.Proposal, Choice: vote.Choice}
	}
	ids, err := a.controller.VoteBatch(ctx, requests, validUntil)
	if err != nil {
		return fail(stderr, err)
	}
	for _, id := range ids {
		fmt.Fprintf(stdout, "Submitted fragment %s\n", id)
	}
	return finishSubmission(ctx, a, &submit, stdout, stderr)
}

func runTransfer(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transfer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		rec    recoveryFlags
		submit submitFlags
	)
	rec.register(fs)
	submit.register(fs)
	to := fs.String("to", "", "recipient address or hex account id")
	amount := fs.Uint64("amount", 0, "amount to send, in the smallest unit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	recipient, err := parseRecipient(*to)
	if err != nil {
		return fail(stderr, err)
	}
	if *amount == 0 {
		fmt.Fprintln(stderr, "Error: --amount must be positive")
		return 1
	}
	validUntil, err := submit.validity()
	if err != nil {
		return fail(stderr, err)
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	id, err := a.controller.Transfer(ctx, recipient, types.Value(*amount), validUntil)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "Submitted fragment %s\n", id)
	return finishSubmission(ctx, a, &submit, stdout, stderr)
}

func parseRecipient(s string) (types.AccountID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.AccountID{}, errors.New("--to is required")
	}
	if addr, err := crypto.DecodeAddress(s); err == nil {
		var id types.AccountID
		pub := addr.PublicKey()
		if len(pub) != types.AccountIDSize {
			return types.AccountID{}, fmt.Errorf("address %s is not an account address", s)
		}
		copy(id[:], pub)
		return id, nil
	}
	return types.ParseAccountID(s)
}

func runSend(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		rec    recoveryFlags
		submit submitFlags
	)
	rec.register(fs)
	submit.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: at least one fragment file is required")
		return 1
	}
	raws := make([][]byte, 0, fs.NArg())
	for _, path := range fs.Args() {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fail(stderr, err)
		}
		raw, err := hex.DecodeString(strings.TrimSpace(string(contents)))
		if err != nil {
			return fail(stderr, fmt.Errorf("%s: invalid hex fragment: %w", path, err))
		}
		raws = append(raws, raw)
	}

	a, err := openRecovered(ctx, opts, &rec, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	var ids []types.FragmentID
	if len(raws) == 1 {
		id, err := a.controller.Send(ctx, raws[0])
		if err != nil {
			return fail(stderr, err)
		}
		ids = append(ids, id)
	} else {
		ids, err = a.controller.SendMany(ctx, raws)
		if err != nil {
			return fail(stderr, err)
		}
	}
	for _, id := range ids {
		fmt.Fprintf(stdout, "Submitted fragment %s\n", id)
	}
	return finishSubmission(ctx, a, &submit, stdout, stderr)
}

// finishSubmission optionally waits for the submitted fragments and prints
// the resulting wallet state.
func finishSubmission(ctx context.Context, a *app, submit *submitFlags, stdout, stderr io.Writer) int {
	if !submit.wait {
		return 0
	}
	err := a.controller.WaitForPending(ctx, submit.interval)
	var tooLong *controller.PendingTooLongError
	if errors.As(err, &tooLong) {
		fmt.Fprintf(stderr, "Error: %d fragment(s) still pending:\n", len(tooLong.IDs))
		for _, id := range tooLong.IDs {
			fmt.Fprintf(stderr, "  %s\n", id)
		}
		return exitPendingTooLong
	}
	if err != nil {
		return fail(stderr, err)
	}
	view, err := viewAccount(a.controller)
	if err != nil {
		return fail(stderr, err)
	}
	return output(stdout, stderr, view)
}

func runLogs(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, opts, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	logs, err := a.controller.FragmentLogs(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	list := make([]types.FragmentLog, 0, len(logs))
	for _, entry := range logs {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID.Compare(list[j].ID) < 0 })
	return output(stdout, stderr, list)
}

func runJournal(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	unresolved := fs.Bool("unresolved", false, "only list fragments without a terminal status")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	a, err := openApp(ctx, opts, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	var entries []storage.JournalEntry
	if *unresolved {
		entries, err = a.journal.Unresolved()
	} else {
		entries, err = a.journal.List()
	}
	if err != nil {
		return fail(stderr, err)
	}
	if entries == nil {
		entries = []storage.JournalEntry{}
	}
	return output(stdout, stderr, entries)
}

func openRecovered(ctx context.Context, opts globalOptions, rec *recoveryFlags, stderr io.Writer) (*app, error) {
	a, err := openApp(ctx, opts, stderr)
	if err != nil {
		return nil, err
	}
	src, err := rec.source(a)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.controller.Recover(ctx, src); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func output(stdout, stderr io.Writer, v interface{}) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
