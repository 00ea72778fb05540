package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
)

const (
	defaultConfigPath = "./nhbwallet.toml"
	configEnv         = "NHBWALLET_CONFIG"
)

type globalOptions struct {
	configPath string
	node       string
}

type command struct {
	summary string
	run     func(ctx context.Context, opts globalOptions, args []string, stdout, stderr io.Writer) int
}

var commands = map[string]command{
	"generate":   {"create a new wallet and print its mnemonic", runGenerate},
	"address":    {"recover a wallet and print its address", runAddress},
	"account":    {"recover a wallet and print its local and remote state", runAccount},
	"export":     {"write the recovered key as a secret key file or PIN protected QR code", runExport},
	"proposals":  {"list proposals open for voting", runProposals},
	"statuses":   {"list the votes cast by the wallet", runStatuses},
	"vote":       {"cast one vote", runVote},
	"vote-batch": {"cast every vote of a YAML vote plan in one submission", runVoteBatch},
	"transfer":   {"send value to another account", runTransfer},
	"send":       {"submit pre-built hex encoded fragments", runSend},
	"logs":       {"print the node fragment log", runLogs},
	"journal":    {"list recorded submissions", runJournal},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("nhbwallet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	var opts globalOptions
	fs.StringVar(&opts.configPath, "config", envOr(configEnv, defaultConfigPath), "path to the wallet config file")
	fs.StringVar(&opts.node, "node", "", "node address, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", name)
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return cmd.run(ctx, opts, fs.Args()[1:], stdout, stderr)
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Usage: nhbwallet [--config path] [--node address] <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-11s %s\n", name, commands[name].summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
