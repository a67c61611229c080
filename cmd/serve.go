package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZanzyTHEbar/treesnap/treesnap/engine"
	"github.com/ZanzyTHEbar/treesnap/treesnap/filesystem/watcher"
	"github.com/ZanzyTHEbar/treesnap/treesnap/protocol"
	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the snapshot protocol over stdin and stdout",
	Long: `Serve reads newline-delimited JSON requests from stdin and writes responses
and events to stdout. The tree is indexed on start and, with --watch, again
after every batch of file system changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("watch", true, "rebuild the snapshot when files change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord, err := rt.newCoordinator()
	if err != nil {
		return err
	}
	defer coord.Close()

	eng, err := engine.New(coord,
		engine.WithLogger(rt.logger),
		engine.WithBaseContext(ctx),
		engine.WithSearchConfig(rt.cfg.Search),
		engine.WithServerConfig(rt.cfg.Server),
	)
	if err != nil {
		return err
	}

	if rt.cfg.Watch.Enabled {
		wcfg := watcher.DefaultConfig()
		wcfg.DebounceDelay = rt.cfg.Watch.DebounceDelay()
		wcfg.MaxDebounceDelay = rt.cfg.Watch.MaxDebounceDelay()
		w, err := watcher.New(wcfg, watcher.WithLogger(rt.walkLog))
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.Start(ctx, rt.cfg.Index.Root); err != nil {
			return err
		}
		go func() {
			if err := eng.Watch(ctx, w); err != nil {
				rt.logger.Error().Err(err).Msg("Watch loop stopped")
			}
		}()
	}

	if err := coord.Trigger(ctx); err != nil {
		return err
	}

	rt.logger.Info().Str("root", rt.cfg.Index.Root).Bool("watch", rt.cfg.Watch.Enabled).Msg("Serving on stdio")
	transport := protocol.NewStreamTransport(os.Stdin, os.Stdout)
	defer transport.Close()

	err = eng.Serve(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, snapshot.ErrClosed) {
		return nil
	}
	return err
}
