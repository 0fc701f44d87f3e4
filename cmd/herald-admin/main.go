package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/helpers"
	"github.com/migadu/herald/ledger"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "inject":
		handleInject()
	case "queues":
		handleQueues()
	case "held":
		handleHeld()
	case "resolve":
		handleResolve()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`HERALD Admin Tool

Usage:
  herald-admin <command> [options]

Commands:
  inject    Enqueue a message file into a queue for a list
  queues    Show per-queue entry counts
  held      List messages held for moderation
  resolve   Apply a moderator decision to a held message
  help      Show this help message

Examples:
  herald-admin inject --list announce --file message.eml
  herald-admin queues
  herald-admin held --list announce
  herald-admin resolve --id 0f3kq2m8b1c4 --disposition approved
  herald-admin queues --config /etc/herald/config.toml

Use 'herald-admin <command> --help' for more information about a command.
`)
}

func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg config.Config) *queue.Store {
	store, err := queue.NewStore(cfg.Queues.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}
	return store
}

func openLedger(cfg config.Config) *ledger.Ledger {
	path := cfg.Ledger.Path
	if path == "" {
		path = filepath.Join(cfg.Queues.Path, "ledger.db")
	}
	l, err := ledger.New(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}
	return l
}

func loadRegistry(cfg config.Config) *lists.Registry {
	var source lists.Source
	if cfg.Lists.Source == "postgres" {
		source = &lists.PostgresSource{Config: cfg.Lists.Postgres}
	} else {
		source = &lists.StaticSource{Defs: cfg.Lists.Static}
	}
	registry, err := source.Load(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: failed to load list definitions: %v\n", err)
		os.Exit(1)
	}
	return registry
}

// handleInject reads a message file and enqueues it directly, the way
// the LMTP front end would. Useful for testing lists and for resubmitting
// messages pulled out of the shunt queue.
func handleInject() {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "Target list name (required)")
	file := fs.String("file", "", "Message file, or '-' for stdin (required)")
	queueName := fs.String("queue", consts.QueueIncoming, "Queue to inject into")
	fs.Parse(os.Args[2:])

	if *listName == "" || *file == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	registry := loadRegistry(cfg)
	list, err := registry.Get(*listName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}

	var raw []byte
	if *file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*file)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: failed to read message: %v\n", err)
		os.Exit(1)
	}

	msg, err := mail.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}

	sender := helpers.CanonicalAddress(msg.Header.Get("From"))
	meta := mail.NewMetadata(list.Name, sender)
	store := openStore(cfg)
	id, err := store.Enqueue(*queueName, msg, meta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Injected %s into %s for list %s\n", id, *queueName, list.Name)
}

func handleQueues() {
	fs := flag.NewFlagSet("queues", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	store := openStore(cfg)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tREADY\tSTAGED")
	for _, q := range consts.AllQueues {
		ready, staged, err := store.Stats(q)
		if err != nil {
			fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\n", q, ready, staged)
	}
	w.Flush()
}

func handleHeld() {
	fs := flag.NewFlagSet("held", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	fs.Parse(os.Args[2:])

	if *listName == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	l := openLedger(cfg)
	defer l.Close()

	holds, err := l.ListPending(context.Background(), *listName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}
	if len(holds) == 0 {
		fmt.Printf("No held messages for list %s\n", *listName)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOLD ID\tMESSAGE ID\tRULE\tREASON\tHELD AT")
	for _, h := range holds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			h.ID, h.MessageID, h.Rule, h.Reason, h.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func handleResolve() {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	holdID := fs.String("id", "", "Hold ID (required)")
	dispositionStr := fs.String("disposition", "", "Decision: approved, rejected, or discarded (required)")
	fs.Parse(os.Args[2:])

	if *holdID == "" || *dispositionStr == "" {
		fs.Usage()
		os.Exit(1)
	}

	disposition, err := ledger.ParseDisposition(*dispositionStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	store := openStore(cfg)
	l := openLedger(cfg)
	defer l.Close()
	registry := loadRegistry(cfg)

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	moderator := ledger.NewModerator(l, store, func() *lists.Registry { return registry }, hostname)

	h, err := moderator.Resolve(context.Background(), *holdID, disposition)
	if err != nil {
		fmt.Fprintf(os.Stderr, "herald-admin: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Hold %s on list %s resolved: %s\n", h.ID, h.List, h.Disposition)
}
