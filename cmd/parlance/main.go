// parlance - a streaming chat client for OpenAI-compatible providers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-runewidth"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"

	"github.com/parlancehq/parlance/internal/backend"
	"github.com/parlancehq/parlance/internal/chat"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/contextref"
	"github.com/parlancehq/parlance/internal/ledger"
	"github.com/parlancehq/parlance/internal/logging"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/internal/tools"
	"github.com/parlancehq/parlance/internal/util"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real config comes from the TOML file and the
	// environment.
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "", "config file path (default ~/.parlance/config.toml)")
		modelFlag   = flag.String("model", "", "override the configured model")
		projectFlag = flag.String("project", "", "override the configured project")
		resumeID    = flag.String("resume", "", "resume a saved conversation by id")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("parlance %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return nil
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	if *modelFlag != "" {
		cfg.DefaultModel = *modelFlag
	}
	if *projectFlag != "" {
		cfg.Project = *projectFlag
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}

	app, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	// Hot-reload pricing when the config file changes on disk.
	watcher, err := config.NewWatcher(path, log, app.applyPricing)
	if err != nil {
		log.WithError(err).Warn("config watcher unavailable")
	} else {
		defer watcher.Close()
	}

	if *resumeID != "" {
		if err := app.load(*resumeID); err != nil {
			return fmt.Errorf("resume %s: %w", *resumeID, err)
		}
	}

	return app.repl()
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app owns the assembled subsystems and the REPL state.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	client   *backend.Client
	registry *tools.Registry
	invoker  *tools.Invoker
	builder  *contextref.Builder
	prices   *ledger.Ledger
	usage    *ledger.Storage
	store    *session.Store
	saver    *session.Debouncer

	conv *chat.Conversation
	orch *chat.Orchestrator

	// render state for the in-flight turn
	printed  int
	segments int

	historyFile string
}

func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	stateDir, err := cfg.StateDir()
	if err != nil {
		return nil, err
	}

	client := backend.New(backend.Config{
		APIKey:            cfg.Backend.APIKey,
		BaseURL:           cfg.Backend.BaseURL,
		Model:             cfg.DefaultModel,
		RequestsPerMinute: cfg.Backend.RequestsPerMinute,
	}, log)

	registry := tools.NewRegistry()
	invoker := tools.NewInvoker(log)
	ws := tools.NewWorkspace(cfg.Tools.Workspace)
	var search *tools.WebSearch
	if cfg.Tools.WebSearch {
		search = tools.NewWebSearch()
	}
	tools.RegisterBuiltins(registry, invoker, ws, search)

	for _, base := range cfg.Tools.RemoteServers {
		srv := tools.NewRemoteServer(base)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := tools.RegisterRemote(ctx, registry, invoker, srv)
		cancel()
		if err != nil {
			log.WithError(err).WithField("server", base).Warn("remote tool server skipped")
		}
	}

	var optimizer contextref.Optimizer
	if cfg.Prompt.Optimize {
		optimizer = contextref.NewModelOptimizer(client)
	}
	builder := contextref.NewBuilder(contextref.NewFileResolver(cfg.Tools.Workspace), optimizer, log)

	// Usage persistence is best-effort: a broken database disables
	// history, not chat.
	usage, err := ledger.OpenStorage(filepath.Join(stateDir, "usage.db"))
	if err != nil {
		log.WithError(err).Warn("usage database unavailable, cost history disabled")
		usage = nil
	}
	prices := ledger.New(cfg.PricingTable(), usage, log)

	store, err := session.NewStoreWithDir(filepath.Join(stateDir, "conversations"))
	if err != nil {
		return nil, err
	}
	saver := session.NewDebouncer(store, log)

	a := &app{
		cfg:         cfg,
		log:         log,
		client:      client,
		registry:    registry,
		invoker:     invoker,
		builder:     builder,
		prices:      prices,
		usage:       usage,
		store:       store,
		saver:       saver,
		historyFile: filepath.Join(stateDir, "history"),
	}
	a.bind(chat.NewConversation(cfg.Project))
	return a, nil
}

// bind points the orchestrator at a conversation, preserving the rest
// of the wiring.
func (a *app) bind(conv *chat.Conversation) {
	a.conv = conv
	opts := chat.Options{
		Backend:  a.client,
		Tools:    a.registry,
		Invoker:  a.invoker,
		Builder:  a.builder,
		Ledger:   a.prices,
		Saver:    a.saver,
		Log:      a.log,
		OnUpdate: a.render,
	}
	if system := a.cfg.Prompt.System; system != "" {
		opts.SystemPrompt = func(string, string, []chat.ToolDef) string { return system }
	}
	a.orch = chat.NewOrchestrator(conv, opts)
}

// applyPricing pushes a reloaded config's price table into the ledger.
func (a *app) applyPricing(next *config.Config) {
	for id, p := range next.PricingTable() {
		a.prices.SetPricing(id, p)
	}
	a.log.Info("pricing reloaded from config")
}

func (a *app) load(id string) error {
	conv, err := a.store.Load(a.cfg.Project, id)
	if err != nil {
		return err
	}
	a.bind(conv)
	for _, t := range conv.Turns {
		label := "you"
		if t.Role == chat.RoleAssistant {
			label = "assistant"
		}
		fmt.Printf("%s: %s\n", label, t.Display)
	}
	return nil
}

func (a *app) close() {
	a.saver.Close()
	if a.usage != nil {
		a.usage.Close()
	}
}

// =============================================================================
// STREAM RENDERING
// =============================================================================

// render prints the incremental changes of the in-flight assistant
// turn. Called from the submitting goroutine after every fold.
func (a *app) render(conv *chat.Conversation) {
	last := conv.Last()
	if last == nil || last.Role != chat.RoleAssistant {
		return
	}

	// Announce tool activity as new segments appear.
	for i := a.segments; i < len(last.Segments); i++ {
		seg := last.Segments[i]
		switch seg.Kind {
		case chat.SegmentToolCall:
			fmt.Printf("\n[tool] %s\n", seg.ToolName)
		case chat.SegmentToolResult:
			status := "ok"
			if seg.Status == chat.StatusError {
				status = "failed"
			}
			fmt.Printf("[tool] %s %s\n", seg.ToolName, status)
		}
	}
	a.segments = len(last.Segments)

	text := []rune(chat.JoinText(last.Segments))
	if a.printed < len(text) {
		fmt.Print(string(text[a.printed:]))
		a.printed = len(text)
	}
}

// interruptible runs fn with SIGINT translated into cancel for as long
// as fn is in flight. Every code path that streams a turn goes through
// here so Ctrl-C always means "stop the turn", never "kill the REPL".
func interruptible(cancel func(), fn func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	for {
		select {
		case <-sig:
			fmt.Println("\n(cancelled)")
			cancel()
		case <-done:
			return
		}
	}
}

// send runs one submission, cancelling on SIGINT.
func (a *app) send(display, plain string, items []chat.ContextItem) {
	a.printed = 0
	a.segments = 0

	interruptible(a.orch.Cancel, func() {
		if err := a.orch.Submit(context.Background(), display, plain, items); err != nil {
			a.log.WithError(err).Error("submit failed")
		}
	})
	a.finishTurn()
}

// finishTurn prints whatever the commit path changed after the last
// snapshot, then the turn metrics.
func (a *app) finishTurn() {
	last := a.conv.Last()
	if last == nil || last.Role != chat.RoleAssistant {
		return
	}
	text := []rune(last.Display)
	if a.printed < len(text) {
		fmt.Print(string(text[a.printed:]))
	}
	fmt.Println()

	if m := last.Metrics; m != nil && m.Usage.TotalTokens > 0 {
		fmt.Printf("  %s tokens · %s · first token %s\n",
			util.FormatTokens(m.Usage.TotalTokens),
			util.FormatUSD(m.Usage.Cost),
			m.FirstToken.Round(time.Millisecond))
	}
}

// =============================================================================
// REPL
// =============================================================================

const replHelp = `Commands:
  :help              show this help
  :retry             regenerate the last answer
  :mode ask|agent    switch the tool exposure mode
  :sessions          list saved conversations
  :search <query>    search saved conversations
  :load <id>         switch to a saved conversation
  :export [path]     write the conversation as markdown
  :usage             show token and cost totals
  :new               start a fresh conversation
  :quit              exit

Reference workspace files inline with @path/to/file.`

func (a *app) repl() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(a.historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(a.historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	model, _ := a.client.Model()
	fmt.Printf("parlance %s · %s · project %s\n", Version, model, a.cfg.Project)
	fmt.Println(`Type a message, or :help for commands.`)

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			// Ctrl-C or Ctrl-D at the prompt exits cleanly.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, ":") {
			if quit := a.command(input); quit {
				return nil
			}
			continue
		}

		plain, items := extractFileRefs(input)
		a.send(input, plain, items)
	}
}

// extractFileRefs turns @path tokens into file context items. The
// tokens stay in the prompt text so the model sees what was referenced.
func extractFileRefs(input string) (string, []chat.ContextItem) {
	var items []chat.ContextItem
	for _, tok := range strings.Fields(input) {
		if strings.HasPrefix(tok, "@") && len(tok) > 1 {
			items = append(items, chat.ContextItem{
				Kind: chat.ContextFile,
				Name: strings.TrimPrefix(tok, "@"),
			})
		}
	}
	return input, items
}

// command dispatches one colon command. Returns true to exit.
func (a *app) command(input string) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case ":quit", ":exit", ":q":
		return true

	case ":help":
		fmt.Println(replHelp)

	case ":retry":
		if len(a.conv.Turns) == 0 {
			fmt.Println("Nothing to retry.")
			break
		}
		a.printed = 0
		a.segments = 0
		var retryErr error
		interruptible(a.orch.Cancel, func() {
			retryErr = a.orch.Retry(context.Background(), len(a.conv.Turns)-1)
		})
		if retryErr != nil {
			fmt.Printf("Retry failed: %v\n", retryErr)
			break
		}
		a.finishTurn()

	case ":mode":
		if len(args) != 1 || (args[0] != string(chat.ModeAsk) && args[0] != string(chat.ModeAgent)) {
			fmt.Println("Usage: :mode ask|agent")
			break
		}
		a.conv.Mode = chat.Mode(args[0])
		fmt.Printf("Mode: %s\n", a.conv.Mode)

	case ":sessions":
		metas, err := a.store.List(a.cfg.Project)
		if err != nil {
			fmt.Printf("List failed: %v\n", err)
			break
		}
		printSessionTable(metas)

	case ":search":
		if len(args) == 0 {
			fmt.Println("Usage: :search <query>")
			break
		}
		metas, err := a.store.Search(a.cfg.Project, strings.Join(args, " "))
		if err != nil {
			fmt.Printf("Search failed: %v\n", err)
			break
		}
		printSessionTable(metas)

	case ":load":
		if len(args) != 1 {
			fmt.Println("Usage: :load <id>")
			break
		}
		if err := a.load(args[0]); err != nil {
			fmt.Printf("Load failed: %v\n", err)
		}

	case ":export":
		path := a.conv.ID + ".md"
		if len(args) > 0 {
			path = args[0]
		}
		md := session.ExportMarkdown(a.conv)
		if err := util.AtomicWriteFile(path, []byte(md), 0o644); err != nil {
			fmt.Printf("Export failed: %v\n", err)
			break
		}
		fmt.Printf("Wrote %s\n", path)

	case ":new":
		a.bind(chat.NewConversation(a.cfg.Project))
		fmt.Println("Started a new conversation.")

	case ":usage":
		a.printUsage()

	default:
		fmt.Printf("Unknown command %s (try :help)\n", cmd)
	}
	return false
}

// =============================================================================
// TABLES
// =============================================================================

func printSessionTable(metas []session.Meta) {
	if len(metas) == 0 {
		fmt.Println("No saved conversations.")
		return
	}
	fmt.Printf("%s  %s  %s  %s\n",
		runewidth.FillRight("ID", 12),
		runewidth.FillRight("TITLE", 40),
		runewidth.FillRight("TURNS", 5),
		"UPDATED")
	for _, m := range metas {
		fmt.Printf("%s  %s  %s  %s\n",
			runewidth.FillRight(util.TruncateRunes(m.ID, 12), 12),
			runewidth.FillRight(util.TruncateRunes(m.Title, 40), 40),
			runewidth.FillRight(fmt.Sprintf("%d", m.TurnCount), 5),
			m.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func (a *app) printUsage() {
	if a.usage == nil {
		fmt.Println("Usage history is unavailable.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	requests, total, err := a.usage.Total(ctx)
	if err != nil {
		fmt.Printf("Usage query failed: %v\n", err)
		return
	}
	fmt.Printf("All time: %d requests, %s\n\n", requests, util.FormatUSD(total))

	cats, err := a.usage.ByCategory(ctx, time.Now().AddDate(0, 0, -30))
	if err == nil && len(cats) > 0 {
		fmt.Println("Last 30 days by category:")
		for _, c := range cats {
			fmt.Printf("  %s  %s tokens  %s\n",
				runewidth.FillRight(c.Category, 14),
				runewidth.FillLeft(util.FormatTokens(c.TotalTokens), 12),
				runewidth.FillLeft(util.FormatUSD(c.Cost), 10))
		}
		fmt.Println()
	}

	days, err := a.usage.ByDay(ctx, 7)
	if err == nil && len(days) > 0 {
		fmt.Println("Last 7 days:")
		for _, d := range days {
			fmt.Printf("  %s  %s requests  %s\n",
				d.Day,
				runewidth.FillLeft(fmt.Sprintf("%d", d.Requests), 4),
				runewidth.FillLeft(util.FormatUSD(d.Cost), 10))
		}
	}
}
