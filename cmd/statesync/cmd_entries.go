package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"statesync/internal/channel"
	"statesync/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	getFallback   string
	expectVersion int64
)

// getCmd prints the value stored under a key
var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value stored under a key",
	Long: `Prints the JSON value stored under KEY and its version.

An absent or undecodable value prints the --fallback value with version 0
(or the stored version when the value is corrupt), exactly as a console
read would see it.`,
	Args: cobra.ExactArgs(1),
	RunE: withSession(runGet),
}

// setCmd writes a JSON value under a key
var setCmd = &cobra.Command{
	Use:   "set KEY JSON",
	Short: "Write a JSON value under a key",
	Long: `Writes JSON under KEY and notifies every running console.

With --expect-version the write only happens if the stored version still
matches (0 = key must be absent); otherwise the command fails with a
conflict and nothing is written.`,
	Args: cobra.ExactArgs(2),
	RunE: withSession(runSet),
}

// keysCmd lists stored keys
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every key in the store",
	Args:  cobra.NoArgs,
	RunE:  withSession(runKeys),
}

// watchCmd streams changes until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch KEY...",
	Short: "Print every change to the given keys until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withSession(runWatch),
}

func init() {
	getCmd.Flags().StringVar(&getFallback, "fallback", "null", "JSON printed when the key is absent or unreadable")
	setCmd.Flags().Int64Var(&expectVersion, "expect-version", -1, "Only write if the stored version matches (0 = absent)")
}

func runGet(cmd *cobra.Command, args []string, s *session) error {
	var fallback json.RawMessage
	if err := json.Unmarshal([]byte(getFallback), &fallback); err != nil {
		return fmt.Errorf("--fallback is not valid JSON: %w", err)
	}

	value, version := channel.ReadVersioned(s.ch, args[0], fallback)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", value)
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(fmt.Sprintf("version %d", version)))
	return nil
}

func runSet(cmd *cobra.Command, args []string, s *session) error {
	key, raw := args[0], args[1]
	var value json.RawMessage
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("value is not valid JSON: %w", err)
	}

	var version int64
	var err error
	if expectVersion >= 0 {
		version, err = s.ch.WriteVersioned(key, value, expectVersion)
	} else {
		version, err = s.ch.Put(key, value)
	}
	if err != nil {
		return err
	}
	logger.Debug("Value written", zap.String("key", key), zap.Int64("version", version))
	fmt.Fprintf(cmd.OutOrStdout(), "%s written (version %d)\n", keyStyle.Render(key), version)
	return nil
}

func runKeys(cmd *cobra.Command, args []string, s *session) error {
	keys, err := s.ch.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string, s *session) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handlers run on the watcher goroutine; keep output lines whole.
	var outMu sync.Mutex
	out := cmd.OutOrStdout()
	for _, key := range args {
		unsubscribe := s.ch.SubscribeEvents(key, func(ev channel.ChangeEvent) bool {
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintf(out, "%s v%d %s\n", keyStyle.Render(ev.Key), ev.Version, ev.Value)
			return true
		})
		defer unsubscribe()
	}

	logger.Info("Watching keys", zap.Strings("keys", args), zap.String("origin", s.ch.Origin()))
	logging.Get(logging.CategoryCLI).Info("Watching %v", args)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ch.Run(ctx)
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	return g.Wait()
}
