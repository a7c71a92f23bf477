package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/schediq/internal/mirror"
	"github.com/agentworkforce/schediq/internal/refresher"
	"github.com/agentworkforce/schediq/internal/resource"
	"github.com/agentworkforce/schediq/internal/viewserver"
)

func syncCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the local snapshot from the planning API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if strings.TrimSpace(kind) == "" {
				a.store.RefreshAll(cmd.Context())
			} else {
				k, err := resource.ParseKind(kind)
				if err != nil {
					return err
				}
				a.store.RefreshOne(cmd.Context(), k)
			}
			status := a.store.Status()
			if err := printJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if status.LastError != "" {
				return errors.New(status.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "refresh only this kind (teams, members, modules, tasks)")
	return cmd
}

func serveCmd(opts *rootOptions) *cobra.Command {
	var listen string
	var trace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the snapshot to local views and refresh it in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("listen") {
				a.cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("trace") {
				a.cfg.Trace = trace
			}
			ctx := cmd.Context()
			logger := log.Default()

			if a.cfg.Trace {
				shutdown, err := installStdoutTracing(os.Stderr)
				if err != nil {
					return err
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(flushCtx)
				}()
			}

			var changes <-chan struct{}
			if fileBackend, ok := a.mirror.Backend().(*mirror.FileBackend); ok && a.cfg.WatchMirror {
				changes, err = fileBackend.Watch(ctx, 0, logger)
				if err != nil {
					return fmt.Errorf("watch mirror: %w", err)
				}
			}
			r, err := refresher.New(a.store, refresher.Options{
				Interval: a.cfg.Interval,
				Jitter:   a.cfg.IntervalJitter,
				Schedule: a.cfg.Schedule,
				Timeout:  a.cfg.RequestTimeout * time.Duration(max(a.cfg.RetryAttempts, 1)),
				Changes:  changes,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr: a.cfg.ListenAddr,
				Handler: viewserver.NewServerWithConfig(a.store, viewserver.ServerConfig{
					AllowOrigins: a.cfg.AllowOrigins,
					Gatherer:     a.registry,
					Logger:       logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Printf("schediq listening on %s", a.cfg.ListenAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()
			refreshDone := make(chan error, 1)
			go func() { refreshDone <- r.Run(ctx) }()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			<-refreshDone
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&trace, "trace", false, "export call traces to stderr")
	return cmd
}

func showCmd(opts *rootOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "show [teams|members|modules|tasks|assignments|analysis|overview]",
		Short: "Print the mirrored snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if refresh {
				a.store.RefreshAll(cmd.Context())
			}
			state, cache := a.store.Snapshot()
			what := ""
			if len(args) == 1 {
				what = strings.ToLower(strings.TrimSpace(args[0]))
			}
			out := cmd.OutOrStdout()
			switch what {
			case "":
				return printJSON(out, map[string]any{"state": state, "analysis": cache})
			case "overview", "dashboard":
				return printJSON(out, a.store.Overview())
			case "assignments":
				return printJSON(out, state.Assignments)
			case "analysis":
				return printJSON(out, cache)
			}
			kind, err := resource.ParseKind(what)
			if err != nil {
				return err
			}
			switch kind {
			case resource.KindTeams:
				return printJSON(out, state.Teams)
			case resource.KindMembers:
				return printJSON(out, state.Members)
			case resource.KindModules:
				return printJSON(out, state.Modules)
			default:
				return printJSON(out, state.Tasks)
			}
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh from the planning API first")
	return cmd
}

func analyzeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <task-id>",
		Short: "Run a feasibility analysis for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			result, err := a.store.Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func commitCmd(opts *rootOptions) *cobra.Command {
	var planFile string
	var force bool
	cmd := &cobra.Command{
		Use:   "commit <task-id>",
		Short: "Commit a task's execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var plan map[string]json.RawMessage
			if planFile != "" {
				data, err := os.ReadFile(planFile)
				if err != nil {
					return fmt.Errorf("read plan: %w", err)
				}
				if err := json.Unmarshal(data, &plan); err != nil {
					return fmt.Errorf("parse plan: %w", err)
				}
			} else if cached, ok := a.cachedPlan(args[0]); ok {
				plan = cached
			}
			if len(plan) == 0 {
				a.store.RefreshOne(cmd.Context(), resource.KindTasks)
			}
			if err := a.store.Commit(cmd.Context(), args[0], plan, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "JSON file holding the plan (default: cached analysis plan or the task's team work)")
	cmd.Flags().BoolVar(&force, "force", false, "commit even when the analysis reported conflicts")
	return cmd
}

func (a *app) cachedPlan(taskID string) (map[string]json.RawMessage, bool) {
	_, cache := a.store.Snapshot()
	result, ok := cache[taskID]
	if !ok || len(result.Plan) == 0 {
		return nil, false
	}
	return result.Plan, true
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <PLANNING|ON_HOLD|COMPLETED|CANCELLED>",
		Short: "Set a task's status directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.SetStatus(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], strings.ToUpper(strings.TrimSpace(args[1])))
			return nil
		},
	}
}

func clearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the mirrored snapshot and analysis cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
			return nil
		},
	}
}
