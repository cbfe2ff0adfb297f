// Command ratchetctl inspects and maintains Ratchet's on-disk state:
// checkpointed batch runs and the persistent response cache.
//
// Usage:
//
//	ratchetctl [-config path] runs
//	ratchetctl [-config path] run -id <runID>
//	ratchetctl [-config path] cache stats
//	ratchetctl [-config path] cache clear [-category C [-key K]]
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/ratchet-labs/ratchet/internal/cache"
	"github.com/ratchet-labs/ratchet/internal/checkpoint"
	"github.com/ratchet-labs/ratchet/internal/config"
	"github.com/ratchet-labs/ratchet/internal/ident"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ratchetctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "ratchet.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Log))

	// ── 3. Dispatch the command ──────────────────────────────────────────────
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "runs":
		return listRuns(cfg)
	case "run":
		return showRun(cfg, args[1:])
	case "cache":
		return cacheCmd(cfg, args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// newLogger builds the handler the config asks for. Logs go to stderr so
// stdout stays parseable.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ratchetctl [-config path] <command>

Commands:
  runs                                 list checkpointed runs, newest first
  run -id <runID>                      show one run with its items
  cache stats                          cache entry, size, and hit statistics
  cache clear [-category C [-key K]]   drop the whole cache, one category, or one entry

Flags:
`)
	flag.PrintDefaults()
}

func openStore(cfg *config.Config) (*checkpoint.Store, error) {
	return checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoints.db"))
}

func openCache(cfg *config.Config) (*cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, errors.New("cache is disabled in the config")
	}
	return cache.Open(filepath.Join(cfg.DataDir, "cache.db"), cache.WithDefaultTTL(cfg.CacheTTL()))
}

// ─── runs / run ──────────────────────────────────────────────────────────────

func listRuns(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	metas, err := store.ListRuns()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tITEMS\tCHUNK\tCONC\tDRY\tCREATED")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%v\t%s\n",
			m.ID, m.Status, m.ItemCount, m.ChunkSize, m.Concurrency, m.DryRun,
			time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func showRun(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	id := fs.String("id", "", "run ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("run: -id is required")
	}
	if !ident.ValidRunID(*id) {
		return fmt.Errorf("run: %q is not a run ID", *id)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.LoadRun(*id)
	if err != nil {
		return err
	}

	snap := run.Snapshot()
	fmt.Printf("run %s\n", run.ID)
	fmt.Printf("  status       %s\n", run.Status)
	fmt.Printf("  items        %d (%d succeeded, %d failed, %d skipped, %d pending, %d in flight)\n",
		snap.Total, snap.Succeeded, snap.Failed, snap.Skipped, snap.Pending, snap.InFlight)
	fmt.Printf("  chunk size   %d\n", run.ChunkSize)
	fmt.Printf("  concurrency  %d\n", run.Concurrency)
	fmt.Printf("  dry run      %v\n", run.DryRun)
	fmt.Printf("  created      %s\n", time.UnixMilli(run.CreatedAt).UTC().Format(time.RFC3339))
	fmt.Printf("  updated      %s\n", time.UnixMilli(run.UpdatedAt).UTC().Format(time.RFC3339))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tSTATUS\tATTEMPTS\tREASON")
	for _, it := range run.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", it.ID, it.Status, it.Attempts, it.Reason)
	}
	return w.Flush()
}

// ─── cache ───────────────────────────────────────────────────────────────────

func cacheCmd(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("cache: missing subcommand (stats or clear)")
	}
	switch args[0] {
	case "stats":
		return cacheStats(cfg)
	case "clear":
		return cacheClear(cfg, args[1:])
	default:
		return fmt.Errorf("cache: unknown subcommand %q", args[0])
	}
}

func cacheStats(cfg *config.Config) error {
	c, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("entries  %d\n", st.Entries)
	fmt.Printf("size     %d bytes\n", st.SizeBytes)
	// Hit counters live in process memory, so this invocation only sees its
	// own reads.
	fmt.Printf("hits     %d (this process)\n", st.Hits)
	fmt.Printf("misses   %d (this process)\n", st.Misses)
	fmt.Printf("hit rate %.2f\n", st.HitRate)
	if len(st.Categories) == 0 {
		return nil
	}
	fmt.Println()

	names := make([]string, 0, len(st.Categories))
	for name := range st.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tENTRIES\tBYTES")
	for _, name := range names {
		cs := st.Categories[name]
		fmt.Fprintf(w, "%s\t%d\t%d\n", name, cs.Entries, cs.SizeBytes)
	}
	return w.Flush()
}

func cacheClear(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("cache clear", flag.ContinueOnError)
	category := fs.String("category", "", "clear only this category")
	key := fs.String("key", "", "clear only this entry (requires -category)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key != "" && *category == "" {
		return errors.New("cache clear: -key requires -category")
	}

	c, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	switch {
	case *key != "":
		if err := c.Invalidate(*category, *key); err != nil {
			return err
		}
		fmt.Printf("cleared %s/%s\n", *category, *key)
	case *category != "":
		n, err := c.InvalidateCategory(*category)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d entries in %s\n", n, *category)
	default:
		if err := c.Clear(); err != nil {
			return err
		}
		fmt.Println("cache cleared")
	}
	return nil
}
