// Package main contains the cli implementation of the tool. It uses cobra
// for cli plumbing: one root command, one cobra.Command per operation,
// flags bound to a per-command options struct. The storage engine itself is
// a library (internal/catalog, internal/ingest, internal/merge, ...); this
// binary is a thin operational facade over it (dataset bootstrap, merge,
// gc, fsck), not the primary API surface.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"jagstore/internal/catalog"
	"jagstore/internal/config"
	"jagstore/internal/core"
	"jagstore/internal/merge"
	"jagstore/internal/obslog"
	"jagstore/internal/partstore"
)

type initFlags struct {
	configPath string
	root       string
	alias      string
}

type gcFlags struct {
	configPath  string
	root        string
	graceWindow time.Duration
}

type fsckFlags struct {
	configPath string
	root       string
}

type mergeFlags struct {
	configPath          string
	srcRoot             string
	dstRoot             string
	producerID          string
	copyMode            string
	verifyHash          bool
	allowSchemaMismatch bool
	dryRun              bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "jagstore",
		Short: "Content-addressed columnar dataset storage engine",
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(gcCmd())
	rootCmd.AddCommand(fsckCmd())
	rootCmd.AddCommand(mergeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initObslog sets up structured logging for a command rooted at a dataset
// directory, opening logs/audit.log under that root when audit logging is
// enabled so enabling the config flag has an observable, on-disk effect.
func initObslog(root string, cfg config.Configuration) error {
	obsCfg := obslog.Config{Level: obslog.InfoLevel, JSONOutput: true, AuditEnabled: cfg.Hardening.AuditLogEnabled}
	if cfg.Hardening.AuditLogEnabled && root != "" {
		logDir := filepath.Join(root, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logDir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		obsCfg.AuditOutput = f
	}
	obslog.Init(obsCfg)
	return nil
}

func loadConfig(path string) config.Configuration {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func initCmd() *cobra.Command {
	flags := &initFlags{}
	cmd := &cobra.Command{
		Use:   "init-dataset <alias>",
		Short: "Create a dataset root and catalog, ready for ingest",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			flags.alias = args[0]
			return runInit(flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to jagstore.toml (defaults if omitted)")
	cmd.Flags().StringVar(&flags.root, "root", "", "Dataset root directory (required)")
	return cmd
}

func runInit(flags *initFlags) error {
	if flags.root == "" {
		return fmt.Errorf("--root is required")
	}
	cfg := loadConfig(flags.configPath)
	if err := initObslog(flags.root, cfg); err != nil {
		return err
	}
	log := obslog.WithDataset(obslog.ComponentCatalog, flags.alias)

	if err := os.MkdirAll(flags.root, 0o755); err != nil {
		return fmt.Errorf("create dataset root: %w", err)
	}

	cat, err := catalog.Open(catalogPath(flags.root), false, false)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	ctx := context.Background()
	if err := cat.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}

	ds := core.Dataset{
		Alias: flags.alias,
		Root:  flags.root,
		Scheme: core.StorageScheme{
			Version: 1,
			Hash:    "blake2b-128",
			Depth:   2,
			Seglen:  2,
		},
	}
	if err := cat.EnsureDataset(ctx, ds, "{}", "{}"); err != nil {
		return fmt.Errorf("ensure dataset: %w", err)
	}

	log.Info().Str("root", flags.root).Msg("dataset initialized")
	fmt.Printf("initialized dataset %q at %s\n", flags.alias, flags.root)
	return nil
}

func gcCmd() *cobra.Command {
	flags := &gcFlags{}
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim dead parts and empty soft-deleted subsets past the grace window",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGC(flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to jagstore.toml (defaults if omitted)")
	cmd.Flags().StringVar(&flags.root, "root", "", "Dataset root directory (required)")
	cmd.Flags().DurationVar(&flags.graceWindow, "grace", 24*time.Hour, "Minimum age of a dead part before it is reclaimed")
	return cmd
}

func runGC(flags *gcFlags) error {
	if flags.root == "" {
		return fmt.Errorf("--root is required")
	}
	cfg := loadConfig(flags.configPath)
	if err := initObslog(flags.root, cfg); err != nil {
		return err
	}
	log := obslog.WithComponent(obslog.ComponentCatalog)

	cat, err := catalog.Open(catalogPath(flags.root), false, false)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	result, err := cat.GCCommit(context.Background(), flags.root, flags.graceWindow)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}

	log.Info().Int("parts_unlinked", result.PartsUnlinked).Int("subsets_dropped", result.SubsetsDropped).Msg("gc complete")
	fmt.Printf("reclaimed %d part(s), dropped %d empty subset(s)\n", result.PartsUnlinked, result.SubsetsDropped)
	return nil
}

func fsckCmd() *cobra.Command {
	flags := &fsckFlags{}
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Report orphan and missing part files without mutating anything",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runFsck(flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to jagstore.toml (defaults if omitted)")
	cmd.Flags().StringVar(&flags.root, "root", "", "Dataset root directory (required)")
	return cmd
}

func runFsck(flags *fsckFlags) error {
	if flags.root == "" {
		return fmt.Errorf("--root is required")
	}
	_ = loadConfig(flags.configPath)

	cat, err := catalog.Open(catalogPath(flags.root), true, false)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	report, err := cat.FsckDataset(context.Background(), flags.root)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}

	fmt.Printf("scanned %d file(s), %d catalog part(s)\n", report.FilesScanned, report.PartsScanned)
	fmt.Printf("orphan files: %d\n", len(report.OrphanFiles))
	for _, f := range report.OrphanFiles {
		fmt.Printf("  orphan: %s\n", f)
	}
	fmt.Printf("missing files: %d\n", len(report.MissingFiles))
	for _, f := range report.MissingFiles {
		fmt.Printf("  missing: %s\n", f)
	}
	if len(report.OrphanFiles) > 0 || len(report.MissingFiles) > 0 {
		os.Exit(1)
	}
	return nil
}

func mergeCmd() *cobra.Command {
	flags := &mergeFlags{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Replay a source dataset's unmerged batches into a destination dataset",
		Long: `Merge replays every batch a destination dataset's catalog has not yet
recorded for the given producer, copying part files (hardlink, reflink, or
byte copy) instead of re-hashing row data. A destination with a different
schema fingerprint is rejected unless --allow-fork is set, in which case the
merge proceeds as a deliberate fork.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMerge(flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to jagstore.toml (defaults if omitted)")
	cmd.Flags().StringVar(&flags.srcRoot, "src", "", "Source dataset root (required)")
	cmd.Flags().StringVar(&flags.dstRoot, "dst", "", "Destination dataset root (required)")
	cmd.Flags().StringVar(&flags.producerID, "producer", "", "Producer id whose batches to replay (required)")
	cmd.Flags().StringVar(&flags.copyMode, "copy-mode", "hardlink", "Part transfer mode: hardlink, reflink, or copy")
	cmd.Flags().BoolVar(&flags.verifyHash, "verify-hash", true, "Recompute and compare payload digests after every copy")
	cmd.Flags().BoolVar(&flags.allowSchemaMismatch, "allow-fork", false, "Allow merge into a destination with a different schema fingerprint")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Report what would be merged without writing anything")
	return cmd
}

func runMerge(flags *mergeFlags) error {
	if flags.srcRoot == "" || flags.dstRoot == "" || flags.producerID == "" {
		return fmt.Errorf("--src, --dst, and --producer are required")
	}
	cfg := loadConfig(flags.configPath)
	if err := initObslog(flags.dstRoot, cfg); err != nil {
		return err
	}
	log := obslog.WithComponent(obslog.ComponentMerge)

	srcCat, err := catalog.Open(catalogPath(flags.srcRoot), true, false)
	if err != nil {
		return fmt.Errorf("open source catalog: %w", err)
	}
	defer func() { _ = srcCat.Close() }()

	dstCat, err := catalog.Open(catalogPath(flags.dstRoot), false, false)
	if err != nil {
		return fmt.Errorf("open destination catalog: %w", err)
	}
	defer func() { _ = dstCat.Close() }()

	dstStore := partstore.New(flags.dstRoot, core.StorageScheme{Version: 1, Hash: "blake2b-128", Depth: 2, Seglen: 2})

	req := merge.Request{
		SrcRoot:             flags.srcRoot,
		SrcCatalog:          srcCat,
		SrcProducerID:       flags.producerID,
		DstRoot:             flags.dstRoot,
		DstCatalog:          dstCat,
		DstStore:            dstStore,
		DstAlias:            filepath.Base(flags.dstRoot),
		DstScheme:           core.StorageScheme{Version: 1, Hash: "blake2b-128", Depth: 2, Seglen: 2},
		CopyMode:            merge.CopyMode(flags.copyMode),
		VerifyHash:          flags.verifyHash,
		AllowSchemaMismatch: flags.allowSchemaMismatch,
		DryRun:              flags.dryRun,
	}

	plan, err := merge.Run(context.Background(), req)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	log.Info().
		Bool("forked", plan.Forked).
		Int("batches_merged", len(plan.BatchesMerged)).
		Int("parts_copied", plan.PartsCopied).
		Int("parts_skipped", plan.PartsSkipped).
		Msg("merge complete")
	fmt.Printf("merged %d batch(es), copied %d part(s), skipped %d duplicate part(s)\n",
		len(plan.BatchesMerged), plan.PartsCopied, plan.PartsSkipped)
	if plan.Forked {
		fmt.Println("note: destination schema fingerprint differed; merged as a fork")
	}
	return nil
}

func catalogPath(root string) string {
	return root + "/catalog.db"
}
