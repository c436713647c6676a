package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/reconcile"
	"github.com/bigbes/awg-xui-reconciler/internal/telegram"
)

// DefaultInterval is the pause between two periodic summaries.
const DefaultInterval = time.Hour

// Engine supplies account data to the observer.
type Engine interface {
	Summarize() (*reconcile.Summary, error)
	Check(ctx context.Context) (*reconcile.SyncReport, error)
	Account(username string) (*accountdb.Account, error)
}

type Options struct {
	Interval time.Duration
	// AllowedUsers restricts private chats to these user IDs. Empty
	// allows everyone.
	AllowedUsers []int64
	Clock        quartz.Clock
	Logger       *slog.Logger
}

// Observer pushes account events and periodic summaries to the
// configured chat and answers bot commands. It implements
// reconcile.Notifier.
type Observer struct {
	bot      *telegram.Bot
	engine   Engine
	interval time.Duration
	allowed  []int64
	clock    quartz.Clock
	events   chan string
	logger   *slog.Logger
}

// New creates a new Observer. If the bot has no chat ID, periodic push
// notifications are disabled but the bot still responds to incoming
// commands.
func New(bot *telegram.Bot, engine Engine, opts Options) *Observer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Observer{
		bot:      bot,
		engine:   engine,
		interval: opts.Interval,
		allowed:  opts.AllowedUsers,
		clock:    opts.Clock,
		events:   make(chan string, 64),
		logger:   opts.Logger,
	}
}

// Run starts the observer. It launches the command polling loop and,
// if a chat_id is configured, the push loop. It returns once ctx is
// cancelled.
func (o *Observer) Run(ctx context.Context) error {
	o.registerCommands(ctx)
	done := make(chan struct{})
	if o.bot.ChatID() != 0 {
		go func() {
			defer close(done)
			o.pushLoop(ctx)
		}()
	} else {
		close(done)
	}
	o.pollLoop(ctx)
	<-done
	return nil
}

// StatusChanged queues a status transition message.
func (o *Observer) StatusChanged(_ context.Context, username string, from, to accountdb.Status) {
	o.enqueue(fmt.Sprintf("%s %s: %s → %s", statusIcon(to), username, from, to))
}

// OrphansRemoved queues a cleanup report.
func (o *Observer) OrphansRemoved(_ context.Context, r *reconcile.OrphanReport) {
	var b strings.Builder
	b.WriteString("🧹 Orphans removed\n")
	writeList(&b, "Registry entries", r.RegistryEntries)
	writeList(&b, "Peer keys", r.PeerKeys)
	writeList(&b, "Panel clients", r.PanelClients)
	if r.Restarted {
		b.WriteString("Daemon restarted\n")
	}
	o.enqueue(b.String())
}

func (o *Observer) enqueue(text string) {
	if o.bot.ChatID() == 0 {
		return
	}
	select {
	case o.events <- text:
	default:
		o.logger.Warn("observer: event queue full, dropping message")
	}
}

func (o *Observer) registerCommands(ctx context.Context) {
	commands := []telegram.BotCommand{
		{Command: "status", Description: "Show account counts and traffic"},
		{Command: "check", Description: "Compare accounts with the daemon and panel"},
		{Command: "config", Description: "Send the client configs of an account"},
		{Command: "help", Description: "Show available commands"},
	}
	if err := o.bot.SetMyCommands(ctx, commands); err != nil {
		o.logger.Error("observer: failed to register bot commands", "err", err)
	}
}

func (o *Observer) pushLoop(ctx context.Context) {
	o.send(ctx, "🟢 Reconciler started")

	ticker := o.clock.NewTicker(o.interval, "observer", "summary")
	defer ticker.Stop("observer", "summary")

	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.send(shutCtx, "🔴 Reconciler stopped")
			cancel()
			return
		case text := <-o.events:
			o.send(ctx, text)
		case <-ticker.C:
			o.send(ctx, o.statusText())
		}
	}
}

func (o *Observer) pollLoop(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := o.bot.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("observer: failed to poll updates", "err", err)
			t := o.clock.NewTimer(5*time.Second, "observer", "poll")
			select {
			case <-ctx.Done():
				t.Stop("observer", "poll")
				return
			case <-t.C:
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			o.handleCommand(ctx, u.Message)
		}
	}
}

func (o *Observer) isAllowed(msg *telegram.Message) bool {
	if len(o.allowed) == 0 {
		return true
	}
	// Group/channel messages are allowed (filtered by chat_id if needed)
	if msg.Chat.Type != "private" {
		return true
	}
	if msg.From == nil {
		return false
	}
	for _, uid := range o.allowed {
		if uid == msg.From.ID {
			return true
		}
	}
	return false
}

func (o *Observer) handleCommand(ctx context.Context, msg *telegram.Message) {
	if !o.isAllowed(msg) {
		o.logger.Debug("observer: ignoring message from unauthorized user", "chat_id", msg.Chat.ID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)
	// Strip @botname suffix from commands (e.g., /status@mybot)
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}

	var reply string
	var asHTML bool
	switch cmd {
	case "/status":
		reply = o.statusText()
	case "/check":
		reply = o.checkText(ctx)
	case "/config":
		if args == "" {
			reply = "Usage: /config &lt;username&gt;"
			asHTML = true
			break
		}
		reply = o.sendConfigs(ctx, msg.Chat.ID, args)
	case "/help", "/start":
		reply = "Available commands:\n" +
			"/status: account counts and traffic\n" +
			"/check: compare accounts with the daemon and panel\n" +
			"/config <username>: send the client configs of an account\n" +
			"/help: show this message"
	default:
		return
	}
	if reply == "" {
		return
	}

	var err error
	if asHTML {
		err = o.bot.SendMessageHTML(ctx, msg.Chat.ID, reply)
	} else {
		err = o.bot.SendMessageTo(ctx, msg.Chat.ID, reply)
	}
	if err != nil {
		o.logger.Error("observer: failed to reply", "chat_id", msg.Chat.ID, "err", err)
	}
}

// sendConfigs uploads the account's configs and returns a reply for
// failures only.
func (o *Observer) sendConfigs(ctx context.Context, chatID int64, username string) string {
	a, err := o.engine.Account(username)
	if errors.Is(err, accountdb.ErrNotFound) {
		return fmt.Sprintf("Account %q not found", username)
	}
	if err != nil {
		o.logger.Error("observer: loading account", "username", username, "err", err)
		return "Failed to load account"
	}
	if a.ConnectionString == "" {
		return fmt.Sprintf("Account %q has no tunnel config", username)
	}

	caption := fmt.Sprintf("%s %s, expires %s", statusIcon(a.Status), a.Username, a.Expire().UTC().Format(time.DateOnly))
	if err := o.bot.SendDocument(ctx, chatID, a.Username+".conf", []byte(a.ConnectionString), caption); err != nil {
		o.logger.Error("observer: sending tunnel config", "username", username, "err", err)
		return "Failed to send tunnel config"
	}
	if a.ProxyConfig != "" {
		if err := o.bot.SendDocument(ctx, chatID, a.Username+"-proxy.json", []byte(a.ProxyConfig), ""); err != nil {
			o.logger.Error("observer: sending proxy config", "username", username, "err", err)
			return "Failed to send proxy config"
		}
	}
	return ""
}

func (o *Observer) send(ctx context.Context, text string) {
	if err := o.bot.SendMessage(ctx, text); err != nil {
		o.logger.Error("observer: failed to send telegram message", "err", err)
	}
}

func (o *Observer) statusText() string {
	s, err := o.engine.Summarize()
	if err != nil {
		o.logger.Error("observer: summarizing accounts", "err", err)
		return "Failed to read accounts"
	}
	return formatSummary(s)
}

func (o *Observer) checkText(ctx context.Context) string {
	r, err := o.engine.Check(ctx)
	if err != nil {
		o.logger.Error("observer: checking sync status", "err", err)
		return "Check failed: " + err.Error()
	}
	return formatSyncReport(r)
}

var summaryOrder = []accountdb.Status{
	accountdb.StatusActive,
	accountdb.StatusLimited,
	accountdb.StatusExpired,
	accountdb.StatusDisabled,
}

func formatSummary(s *reconcile.Summary) string {
	var b strings.Builder
	b.WriteString("📊 Accounts\n\n")
	if s.Total == 0 {
		b.WriteString("No accounts\n")
		return b.String()
	}
	for _, st := range summaryOrder {
		fmt.Fprintf(&b, "%s %s: %d\n", statusIcon(st), st, s.ByStatus[st])
	}
	fmt.Fprintf(&b, "\nTotal: %d\n", s.Total)
	fmt.Fprintf(&b, "Traffic this period: %s\n", humanize.IBytes(uint64(s.QuotaUsed)))
	fmt.Fprintf(&b, "Traffic lifetime: %s\n", humanize.IBytes(uint64(s.LifetimeUsed)))
	return b.String()
}

func formatSyncReport(r *reconcile.SyncReport) string {
	if r.InSync() {
		return "✅ Everything in sync"
	}
	var b strings.Builder
	b.WriteString("⚠️ Drift detected\n")
	writeList(&b, "Missing registry entries", r.MissingRegistry)
	writeList(&b, "Unknown registry entries", r.UnknownRegistry)
	writeList(&b, "Missing peers", r.MissingPeers)
	writeList(&b, "Unknown peers", r.UnknownPeers)
	writeList(&b, "Missing panel clients", r.MissingPanel)
	writeList(&b, "Unknown panel clients", r.UnknownPanel)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", title, strings.Join(items, ", "))
}

func statusIcon(s accountdb.Status) string {
	switch s {
	case accountdb.StatusActive:
		return "🟢"
	case accountdb.StatusLimited:
		return "🟡"
	case accountdb.StatusExpired:
		return "🔴"
	default:
		return "⚪"
	}
}
