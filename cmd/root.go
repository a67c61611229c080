package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	internal "github.com/ZanzyTHEbar/treesnap/treesnap"
	"github.com/ZanzyTHEbar/treesnap/treesnap/config"
	"github.com/ZanzyTHEbar/treesnap/treesnap/contents"
	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   internal.DefaultAppName,
	Short: "Keep a searchable in-memory snapshot of a source tree",
	Long: `treesnap indexes a directory tree into an immutable in-memory snapshot and
answers file name, directory name and text searches against it. A new snapshot
is built off to the side whenever the tree changes and swapped in atomically.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default searches ./config.yaml and ~/.config/treesnap)")
	flags.StringP("root", "r", "", "directory to index")
	flags.StringSlice("ignore", nil, "gitignore-style patterns excluded from the index")
	flags.String("encoding", "", "text encoding of indexed files (auto, utf-8, utf-16le, utf-16be, latin1, windows-1252)")
	flags.Int("workers", 0, "number of parallel workers (0 uses the CPU count)")
	flags.Bool("follow-symlinks", true, "follow symbolic links to directories")
	flags.Int("max-results", 0, "maximum number of results per search")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human readable log output")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	walkLog *slog.Logger
}

func loadRuntime(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadConfigWithFlags(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := internal.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	walkLog := internal.NewSlogger(os.Stderr, cfg.Log.Level)
	slog.SetDefault(walkLog)
	return &app{cfg: cfg, logger: logger, walkLog: walkLog}, nil
}

func (rt *app) newCoordinator(opts ...snapshot.CoordinatorOption) (*snapshot.Coordinator, error) {
	enc, err := contents.ParseEncoding(rt.cfg.Index.Encoding)
	if err != nil {
		return nil, err
	}
	builder := snapshot.NewBuilder(snapshot.BuildOptions{
		Root:           rt.cfg.Index.Root,
		IgnoreFiles:    rt.cfg.Index.IgnoreFiles,
		IgnorePatterns: rt.cfg.Index.IgnorePatterns,
		FollowSymlinks: rt.cfg.Index.FollowSymlinks,
		MaxFileSize:    rt.cfg.Index.MaxFileSize,
		PieceSize:      rt.cfg.Index.PieceSize,
		Encoding:       enc,
		Workers:        rt.cfg.Index.Workers,
	}, snapshot.WithBuilderLogger(rt.logger), snapshot.WithWalkLogger(rt.walkLog))

	opts = append([]snapshot.CoordinatorOption{snapshot.WithLogger(rt.logger)}, opts...)
	return snapshot.NewCoordinator(builder, opts...), nil
}

func (rt *app) build(ctx context.Context, coord *snapshot.Coordinator) (*snapshot.Snapshot, error) {
	snap, err := coord.Rebuild(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to index %s: %w", rt.cfg.Index.Root, err)
	}
	return snap, nil
}
