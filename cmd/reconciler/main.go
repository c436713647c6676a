package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/awg-xui-reconciler/cmd/reconciler/commands"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		commands.Run(args, logger)
	case "sync-once":
		commands.SyncOnce(args, logger)
	case "converge":
		commands.Converge(args, logger)
	case "create":
		commands.Create(args, logger)
	case "edit":
		commands.Edit(args, logger)
	case "delete":
		commands.Delete(args, logger)
	case "unlock":
		commands.Unlock(args, logger)
	case "reset":
		commands.Reset(args, logger)
	case "set-expire":
		commands.SetExpire(args, logger)
	case "cleanup":
		commands.Cleanup(args, logger)
	case "check":
		commands.Check(args, logger)
	case "list":
		commands.List(args, logger)
	case "init":
		commands.Init(args, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: reconciler <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run         Run the reconcile loop, scheduler and bot")
	fmt.Fprintln(os.Stderr, "  sync-once   Run one accounting and panel sync cycle")
	fmt.Fprintln(os.Stderr, "  converge    Converge one account (-name) or all (-all)")
	fmt.Fprintln(os.Stderr, "  create      Create an account")
	fmt.Fprintln(os.Stderr, "  edit        Change expiry, quota or status of an account")
	fmt.Fprintln(os.Stderr, "  delete      Delete an account everywhere")
	fmt.Fprintln(os.Stderr, "  unlock      Issue new keys and a new panel UUID")
	fmt.Fprintln(os.Stderr, "  reset       Move used traffic into the lifetime total")
	fmt.Fprintln(os.Stderr, "  set-expire  Set expiry for several accounts")
	fmt.Fprintln(os.Stderr, "  cleanup     Remove orphaned peers, registry entries and panel clients")
	fmt.Fprintln(os.Stderr, "  check       Report drift between the store, daemon and panel")
	fmt.Fprintln(os.Stderr, "  list        List accounts")
	fmt.Fprintln(os.Stderr, "  init        Write a starter config")
}
