package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/honzar/filesmanager/storage"
)

func formatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show roots, free space and the current selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, _, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			st, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "current: %s (optimal: %s)\n", st.Current, st.Optimal)
				fmt.Fprintf(w, "configuration changed: %v\n", st.ConfigChanged)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ROOT\tAVAILABLE\tFREE\tPATH")
				for _, r := range st.Roots {
					fmt.Fprintf(tw, "%s\t%v\t%s\t%s\n", r.Root, r.Available, formatBytes(r.Free), r.Path)
				}
				tw.Flush()
			})
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "migrate <primary|secondary|optimal>",
		Short: "Move the content tree to another root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			m, _, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer m.Close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			cb := storage.CallbackFuncs{
				OnStart: func(t *storage.Task) {
					fmt.Fprintf(out, "moving %s -> %s (task %s)\n", t.Source, t.Target, t.ID)
				},
				OnSuccess: func(t *storage.Task) {
					fmt.Fprintf(out, "done, %s copied\n", formatBytes(t.Bytes()))
					if t.SourceLeaked() {
						fmt.Fprintf(out, "warning: old %s tree could not be removed; run purge %s\n", t.Source, t.Source)
					}
				},
				OnError: func(_ *storage.Task, err error) {
					fmt.Fprintf(out, "failed: %v\n", err)
				},
				OnAlreadyDone: func(t *storage.Task) {
					fmt.Fprintf(out, "already on %s\n", t.Target)
				},
			}

			var task *storage.Task
			if args[0] == "optimal" {
				task, err = m.MigrateToOptimal(ctx, cb)
			} else {
				target, perr := storage.ParseRoot(args[0])
				if perr != nil {
					return perr
				}
				task, err = m.MigrateTo(ctx, target, cb)
			}
			if errors.Is(err, storage.ErrMigrationInProgress) {
				return &exitError{code: 3, msg: err.Error()}
			}
			if err != nil {
				return err
			}
			if noWait {
				return nil
			}
			if err := task.Wait(ctx); err != nil {
				return &exitError{code: 2, msg: err.Error()}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the migration has started")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past migrations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, _, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			recs, err := m.History(ctx, limit)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), recs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tSOURCE\tTARGET\tSTATE\tBYTES\tERROR")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.StartedAt.Format(time.DateTime), r.Source, r.Target, r.State, formatBytes(r.Bytes), r.Error)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries, -1 for all")
	return cmd
}

func newPromptCmd(a *app) *cobra.Command {
	var mark bool
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Report whether the user should be asked to switch roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, _, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			if mark {
				return m.MarkPrompted(ctx)
			}
			should, err := m.ShouldPrompt(ctx, a.cfg.PromptInterval)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]bool{"shouldPrompt": should}, func(w io.Writer) {
				fmt.Fprintln(w, should)
			})
		},
	}
	cmd.Flags().BoolVar(&mark, "mark", false, "record that the user was just asked")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <primary|secondary>",
		Short: "Empty a root that is not in use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := storage.ParseRoot(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, _, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer m.Close(ctx)
			return m.Purge(ctx, root)
		},
	}
}

func newFilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "files <primary|secondary|default> [dir]",
		Short: "List files stored under a root",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := storage.ParseRoot(args[0])
			if err != nil {
				return err
			}
			dir := ""
			if len(args) == 2 {
				dir = args[1]
			}
			ctx := cmd.Context()
			m, _, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer m.Close(ctx)

			files, err := m.ListFiles(ctx, root, dir)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), files, func(w io.Writer) {
				for _, f := range files {
					fmt.Fprintln(w, f)
				}
			})
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the storage API and watch the root topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			m, provider, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer m.Close(context.WithoutCancel(ctx))

			monitor := storage.NewMonitor(m, storage.MonitorOptions{
				Interval:    a.cfg.CheckInterval,
				WatchPaths:  storage.WatchPaths(provider),
				AutoMigrate: a.cfg.AutoMigrate,
			})
			go monitor.Run(ctx)

			r := mux.NewRouter()
			storage.NewHandlers(m, a.cfg.PromptInterval).Register(r)
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", a.cfg.Listen)

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("listen", ":8090", "HTTP listen address")
	cmd.Flags().Duration("check-interval", time.Minute, "periodic topology check, 0 disables")
	cmd.Flags().Bool("auto-migrate", false, "migrate to the optimal root automatically")
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		for key, flag := range map[string]string{
			"listen":         "listen",
			"check_interval": "check-interval",
			"auto_migrate":   "auto-migrate",
		} {
			if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		return nil
	}
	return cmd
}
