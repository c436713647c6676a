package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/reconcile"
)

const gib = 1 << 30

func Create(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "account username (required)")
	days := fs.Int64("days", 30, "days until expiry")
	limitGB := fs.Float64("limit-gb", 0, "traffic quota in GiB, 0 for unlimited")
	maxConn := fs.Int("max-conn", 1, "maximum bound installations")
	proxy := fs.Bool("proxy", true, "also create a panel client (ignored when the panel is disabled)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	a, err := e.engine.CreateAccount(context.Background(), reconcile.CreateParams{
		Username:       *name,
		Days:           *days,
		DataLimit:      int64(*limitGB * gib),
		MaxConnections: *maxConn,
		Proxy:          *proxy,
	})
	if err != nil {
		e.exit("failed to create account", err)
	}
	printAccount(a)
	fmt.Println()
	fmt.Println(a.ConnectionString)
	if a.ProxyConfig != "" {
		fmt.Println(a.ProxyConfig)
	}
}

func Edit(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("edit", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "account username (required)")
	days := fs.Int64("days", 0, "new days left; a change renews the account")
	limitGB := fs.Float64("limit-gb", 0, "new traffic quota in GiB, 0 for unlimited")
	status := fs.String("status", "", "force a status (active, limited, expired, disabled)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	e := mustOpen(*configPath, logger)
	defer e.Close()

	cur, err := e.engine.Account(*name)
	if err != nil {
		e.exit("failed to load account", err)
	}
	p := reconcile.EditParams{
		Username:  *name,
		Days:      accountdb.DaysLeft(cur.ExpireUnix, time.Now()),
		DataLimit: cur.DataLimit,
		Status:    accountdb.Status(*status),
	}
	if set["days"] {
		p.Days = *days
	}
	if set["limit-gb"] {
		p.DataLimit = int64(*limitGB * gib)
	}

	a, err := e.engine.EditAccount(context.Background(), p)
	if err != nil {
		e.exit("failed to edit account", err)
	}
	printAccount(a)
}

func Delete(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "account username (required)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	if err := e.engine.DeleteAccount(context.Background(), *name); err != nil {
		e.exit("failed to delete account", err)
	}
	fmt.Printf("Deleted %s\n", *name)
}

func Unlock(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("unlock", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "account username (required)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	a, err := e.engine.UnlockAccount(context.Background(), *name)
	if err != nil {
		e.exit("failed to unlock account", err)
	}
	printAccount(a)
	fmt.Println()
	fmt.Println(a.ConnectionString)
	if a.ProxyConfig != "" {
		fmt.Println(a.ProxyConfig)
	}
}

func Reset(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "account username (required)")
	fs.Parse(args)
	requireFlag(fs, "name", *name)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	a, err := e.engine.ResetAccountUsage(context.Background(), *name)
	if err != nil {
		e.exit("failed to reset usage", err)
	}
	printAccount(a)
}

func SetExpire(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("set-expire", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	days := fs.Int64("days", 0, "days from now (required)")
	fs.Parse(args)
	if *days <= 0 || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: reconciler set-expire -days N user...")
		fs.Usage()
		os.Exit(1)
	}

	e := mustOpen(*configPath, logger)
	defer e.Close()

	notFound, err := e.engine.SetExpiry(context.Background(), *days, fs.Args())
	if err != nil {
		e.exit("failed to set expiry", err)
	}
	fmt.Printf("Updated %d account(s)\n", fs.NArg()-len(notFound))
	for _, n := range notFound {
		fmt.Printf("Not found: %s\n", n)
	}
}

func List(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	status := fs.String("status", "", "only show accounts with this status")
	fs.Parse(args)

	e := mustOpen(*configPath, logger)
	defer e.Close()

	accounts, err := e.engine.Accounts()
	if err != nil {
		e.exit("failed to list accounts", err)
	}

	now := time.Now()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tSTATUS\tADDRESS\tDAYS\tUSED\tLIMIT\tPROXY\tLIFETIME")
	for _, a := range accounts {
		if *status != "" && string(a.Status) != *status {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%v\t%s\n",
			a.Username, a.Status, a.Address,
			accountdb.DaysLeft(a.ExpireUnix, now),
			humanize.IBytes(uint64(a.QuotaUsed())),
			formatLimit(a.DataLimit),
			a.ProxyEnabled,
			humanize.IBytes(uint64(a.TotalTraffic())),
		)
	}
	tw.Flush()
}

func formatLimit(limit int64) string {
	if limit == 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(limit))
}

func printAccount(a *accountdb.Account) {
	fmt.Printf("Username:    %s\n", a.Username)
	fmt.Printf("Status:      %s\n", a.Status)
	fmt.Printf("Address:     %s\n", a.Address)
	fmt.Printf("Public Key:  %s\n", a.PublicKey)
	fmt.Printf("Expires:     %s (%d days)\n", a.Expire().Format(time.DateOnly), accountdb.DaysLeft(a.ExpireUnix, time.Now()))
	fmt.Printf("Quota:       %s of %s\n", humanize.IBytes(uint64(a.QuotaUsed())), formatLimit(a.DataLimit))
	if a.ProxyEnabled {
		fmt.Printf("Panel UUID:  %s\n", a.PanelUUID)
	}
}
