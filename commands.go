package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/harrisonrobin/taskmirror/pkg/api"
	"github.com/harrisonrobin/taskmirror/pkg/auth"
	"github.com/harrisonrobin/taskmirror/pkg/config"
	"github.com/harrisonrobin/taskmirror/pkg/model"
	"github.com/harrisonrobin/taskmirror/pkg/orgmode"
	"github.com/harrisonrobin/taskmirror/pkg/taskwarrior"
)

const shutdownTimeout = 15 * time.Second

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "taskmirror",
		Short:         "Keep tasks, reminders, a Google calendar and a remote replica in step",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.config/taskmirror/config.toml)")
	root.PersistentFlags().StringVar(&flags.calendar, "calendar", "", "Google Calendar name to sync with (overrides config)")
	root.PersistentFlags().BoolVar(&flags.noCalendar, "no-calendar", false, "run without the Google Calendar mirror")

	root.AddCommand(
		authCmd(flags),
		setCalendarCmd(flags),
		serveCmd(flags),
		sweepCmd(flags),
		syncCmd(flags),
		importCmd(flags),
		rescheduleCmd(flags),
	)
	return root
}

func authCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with Google Calendar, replacing any cached token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, dir, err := loadConfig(flags)
			if err != nil {
				return err
			}
			flow := auth.NewFlow(dir, nil)
			if err := flow.Reset(); err != nil {
				return err
			}
			if _, err := flow.Client(cmd.Context(), auth.Scopes); err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Authentication successful! Token saved to %s\n", flow.TokenPath())
			return nil
		},
	}
}

func setCalendarCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-calendar NAME",
		Short: "Set the default Google Calendar name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			err := config.Update(path, func(cfg *config.Config) { cfg.Calendar = args[0] })
			if err != nil {
				return fmt.Errorf("error saving config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default calendar set to: %s\n", args[0])
			return nil
		},
	}
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the sweep and sync cadences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.Recover())
			api.Register(e, a.engine, a.logger)

			runDone := make(chan error, 1)
			go func() { runDone <- a.engine.Run(ctx) }()

			srvErr := make(chan error, 1)
			go func() {
				a.logger.WithField("addr", addr).Info("http api listening")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					srvErr <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-srvErr:
				stop()
				<-runDone
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				a.logger.WithError(err).Warn("http shutdown")
			}
			return <-runDone
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func sweepCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fire overdue alerts once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			n := a.engine.Sweep(cmd.Context())
			if err := flush(cmd.Context(), a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fired %d overdue alert(s)\n", n)
			return nil
		},
	}
}

func syncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one pull and push pass against the remote store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.engine.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			if err := flush(cmd.Context(), a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled %d, pushed %d in %d batch(es), %s\n",
				res.Pulled, res.Pushed, res.Batches, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func importCmd(flags *globalFlags) *cobra.Command {
	var fromTask bool
	var orgFiles []string
	var category string
	cmd := &cobra.Command{
		Use:   "import [FILTER...]",
		Short: "Import taskwarrior tasks from `task export` JSON on stdin, or Org-mode TODO headings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			loc, err := a.cfg.Loc()
			if err != nil {
				return err
			}

			incoming, err := readImport(cmd, args, fromTask, orgFiles, loc)
			if err != nil {
				return err
			}
			if category != "" {
				incoming = orgmode.FilterTasks(incoming, category)
			}

			created, updated := 0, 0
			for _, t := range incoming {
				if _, exists := a.engine.Get(t.ID); exists {
					if _, err := a.engine.UpdateTask(t); err != nil {
						return err
					}
					updated++
					continue
				}
				if _, err := a.engine.CreateTask(t); err != nil {
					a.logger.WithError(err).WithField("task", t.ID).Warn("skipping task")
					continue
				}
				created++
			}
			if err := flush(cmd.Context(), a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new and %d updated task(s)\n", created, updated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromTask, "from-task", false, "run task export with FILTER instead of reading stdin")
	cmd.Flags().StringSliceVar(&orgFiles, "org", nil, "Org-mode files to import instead of taskwarrior JSON")
	cmd.Flags().StringVar(&category, "category", "", "only import tasks in this category")
	return cmd
}

func readImport(cmd *cobra.Command, args []string, fromTask bool, orgFiles []string, loc *time.Location) ([]model.Task, error) {
	if len(orgFiles) > 0 {
		return orgmode.ParseFiles(orgFiles, loc)
	}
	client := taskwarrior.NewClient()
	var twTasks []taskwarrior.Task
	var err error
	if fromTask {
		twTasks, err = client.GetTasks(args)
	} else {
		twTasks, err = client.ParseTasks(cmd.InOrStdin())
	}
	if err != nil {
		return nil, err
	}
	return taskwarrior.Convert(twTasks, loc), nil
}

func rescheduleCmd(flags *globalFlags) *cobra.Command {
	var offset int
	var disable bool
	cmd := &cobra.Command{
		Use:   "reschedule",
		Short: "Change the reminder offset and re-arm every reminder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			prefs := a.engine.ReminderPreferences()
			if cmd.Flags().Changed("offset") {
				if offset < 0 {
					return fmt.Errorf("offset must not be negative")
				}
				prefs.Offset = time.Duration(offset) * time.Minute
			}
			if cmd.Flags().Changed("disable") {
				prefs.Enabled = !disable
			}
			n := a.engine.SetReminderPreferences(cmd.Context(), prefs)

			path := flags.configPath
			if path == "" {
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			err = config.Update(path, func(cfg *config.Config) {
				cfg.Reminders.Enabled = prefs.Enabled
				cfg.Reminders.OffsetMinutes = int(prefs.Offset / time.Minute)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %d reminder(s) at %s before the alert\n", n, prefs.Offset)
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "minutes before the alert time to remind")
	cmd.Flags().BoolVar(&disable, "disable", false, "turn reminders off")
	return cmd
}

func flush(ctx context.Context, a *app) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := a.engine.Flush(ctx); err != nil {
		return fmt.Errorf("waiting for pending effects: %w", err)
	}
	return nil
}
