package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/bigbes/awg-xui-reconciler/internal/reconcile"
)

func SyncOnce(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	if err := e.engine.RunCycle(context.Background()); err != nil {
		e.exit("cycle finished with errors", err)
	}
	e.logger.Info("cycle complete")
}

func Converge(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("converge", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "account username")
	all := fs.Bool("all", false, "converge every account")
	fs.Parse(args)
	if *name == "" && !*all {
		fmt.Fprintln(os.Stderr, "error: -name or -all is required")
		fs.Usage()
		os.Exit(1)
	}

	e := mustOpen(*configPath, logger)
	defer e.Close()
	ctx := context.Background()

	names := []string{*name}
	if *all {
		accounts, err := e.engine.Accounts()
		if err != nil {
			e.exit("failed to list accounts", err)
		}
		names = names[:0]
		for _, a := range accounts {
			names = append(names, a.Username)
		}
	}

	var result *multierror.Error
	for _, n := range names {
		if err := e.engine.ConvergeAccount(ctx, n); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		e.logger.Info("converged", "username", n)
	}
	if err := result.ErrorOrNil(); err != nil {
		e.exit("convergence failed", err)
	}
}

func Cleanup(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	report, err := e.engine.RemoveOrphans(context.Background())
	if err != nil {
		e.exit("cleanup failed", err)
	}
	if report.Empty() {
		fmt.Println("No orphans found")
		return
	}
	printList("Registry entries removed", report.RegistryEntries)
	printList("Peer blocks removed", report.PeerKeys)
	printList("Panel clients removed", report.PanelClients)
	if report.Restarted {
		fmt.Println("Daemon restarted")
	}
}

func Check(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	report, err := e.engine.Check(context.Background())
	if err != nil {
		e.exit("check failed", err)
	}
	printSyncReport(report)
	if !report.InSync() {
		e.Close()
		os.Exit(2)
	}
}

func printSyncReport(r *reconcile.SyncReport) {
	if r.InSync() {
		fmt.Println("In sync")
		return
	}
	printList("Missing registry entries", r.MissingRegistry)
	printList("Unknown registry entries", r.UnknownRegistry)
	printList("Missing peers", r.MissingPeers)
	printList("Unknown peers", r.UnknownPeers)
	printList("Missing panel clients", r.MissingPanel)
	printList("Unknown panel clients", r.UnknownPanel)
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s (%d): %s\n", title, len(items), strings.Join(items, ", "))
}
