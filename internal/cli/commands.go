package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyike/PolishGo/config"
	"github.com/dyike/PolishGo/internal/logging"
	"github.com/dyike/PolishGo/internal/service"
	"github.com/dyike/PolishGo/models"
	"github.com/dyike/PolishGo/pkg/app"
)

type rootOptions struct {
	configDir string
	logLevel  string
	owner     string
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "polishgo",
		Short: "PolishGo - segmented LLM text optimization",
		Long: `PolishGo splits long Chinese documents into segments and runs them through
polish, enhance or emotion-rewrite stages against an OpenAI-compatible model,
checkpointing after every segment so failed sessions resume where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "Directory holding config.json (user config dir if empty)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.owner, "owner", service.DefaultOwner, "Owner the sessions belong to")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newSessionsCmd(opts),
		newChangesCmd(opts),
		newRetryCmd(opts),
		newExportCmd(opts),
		newDeleteCmd(opts),
		newCancelCmd(opts),
		newQueueCmd(opts),
		newPromptCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func (o *rootOptions) manager() (*config.Manager, error) {
	var mgrOpts []config.ManagerOption
	if o.configDir != "" {
		mgrOpts = append(mgrOpts, config.WithConfigDir(o.configDir))
	}
	mgrOpts = append(mgrOpts, config.WithLogger(logging.Discard()))
	return config.NewManager(mgrOpts...)
}

// openApp builds the application. With processing off, workers never start
// and sessions created here stay queued for `polishgo serve`.
func (o *rootOptions) openApp(ctx context.Context, stderr io.Writer, processing bool, extra ...app.AppOption) (*app.App, error) {
	mgr, err := o.manager()
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	appOpts := []app.AppOption{
		app.WithLogger(logging.New(level, cfg.LogFormat, stderr)),
		app.WithEventSink(func(string, string) {}),
	}
	if !processing {
		appOpts = append(appOpts, app.WithoutProcessing())
	}
	appOpts = append(appOpts, extra...)
	return app.New(ctx, mgr, appOpts...)
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, errorStyle.Render("close: "+err.Error()))
	}
}

// withApp runs fn against a non-processing app.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := o.openApp(ctx, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer closeApp(a)
	return fn(ctx, a)
}

// progressSink prints one line per session event.
func progressSink(w io.Writer) app.AppOption {
	return app.WithEventSink(func(topic, payload string) {
		if !strings.HasPrefix(topic, "session.") {
			return
		}
		if p, ok := progressFromEvent(payload); ok {
			fmt.Fprintln(w, RenderProgress(p))
		}
	})
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

func readInput(cmd *cobra.Command, path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		mode string
		wait bool
		out  string
		yes  bool
	)
	cmd := &cobra.Command{
		Use:   "run <file|->",
		Short: "Create a session from a text file and process it",
		Long: `Create an optimization session from a UTF-8 text file ("-" reads stdin).
By default the session is processed in this process and the command waits for it;
with --wait=false it is only queued and a running "polishgo serve" picks it up.
Example: polishgo run thesis.txt --mode polish_then_enhance --out thesis.polished.txt --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if mode == "" {
				if args[0] != "-" && isTerminal(os.Stdin) {
					m, err := PromptForMode()
					if err != nil {
						return err
					}
					mode = string(m)
				} else {
					mode = string(models.ModePolishOnly)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.openApp(ctx, cmd.ErrOrStderr(), wait, app.WithoutRecovery(), progressSink(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer closeApp(a)

			rec, err := a.Service.CreateSession(ctx, models.CreateSessionParams{
				Owner:          opts.owner,
				OriginalText:   text,
				ProcessingMode: models.ProcessingMode(mode),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d segments, %s)\n",
				titleStyle.Render("Session"), rec.ID, rec.TotalSegments, rec.Mode)
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), pendingStyle.Render("Queued. Start `polishgo serve` to process it."))
				return nil
			}
			return waitAndReport(ctx, cmd, a, opts.owner, rec.ID, out, yes)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Processing mode: polish_only, polish_then_enhance, emotion_rewrite")
	cmd.Flags().BoolVar(&wait, "wait", true, "Process in this process and wait for the session to finish")
	cmd.Flags().StringVar(&out, "out", "", "Write the exported text here when the session completes")
	cmd.Flags().BoolVar(&yes, "yes", false, "Acknowledge academic integrity for --out without prompting")
	return cmd
}

// waitAndReport blocks until the session ends, prints its status and
// optionally exports it.
func waitAndReport(ctx context.Context, cmd *cobra.Command, a *app.App, owner, sessionID, out string, yes bool) error {
	p, err := a.Service.Wait(ctx, sessionID, 300*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), inProgressStyle.Render(
				"Interrupted. The session keeps its checkpoint; `polishgo serve` resumes it."))
			return nil
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), RenderStatus(p))
	if p.Status != models.StatusCompleted {
		return fmt.Errorf("session %s", p.Status)
	}
	if out == "" {
		return nil
	}
	return exportTo(ctx, cmd, a, owner, sessionID, out, yes)
}

func exportTo(ctx context.Context, cmd *cobra.Command, a *app.App, owner, sessionID, out string, yes bool) error {
	if !yes {
		ok, err := ConfirmAcademicIntegrity()
		if err != nil {
			return err
		}
		if !ok {
			return service.ErrAckRequired
		}
	}
	res, err := a.Service.Export(ctx, models.ExportParams{
		SessionID:   sessionID,
		Owner:       owner,
		Format:      "txt",
		Acknowledge: true,
	})
	if err != nil {
		return err
	}
	if out == "-" {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Content)
		return err
	}
	if err := os.WriteFile(out, []byte(res.Content+"\n"), 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", completedStyle.Render("Exported to"), out)
	return nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process queued sessions until interrupted",
		Long: `Recover sessions interrupted by a previous process, then keep dispatching
queued sessions (for example ones created with "run --wait=false").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.openApp(ctx, cmd.ErrOrStderr(), true, progressSink(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer closeApp(a)

			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("Serving. Ctrl-C to stop."))
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := a.Service.DispatchQueued(ctx); err != nil && ctx.Err() == nil {
						a.Logger.Warn("dispatch queued sessions", "error", err)
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "How often to look for newly queued sessions")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Service.Status(ctx, models.SessionParams{SessionID: args[0], Owner: opts.owner})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderStatus(p))
				return nil
			})
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Service.ListSessions(ctx, models.ListSessionsParams{
					Owner: opts.owner, Limit: limit, Offset: offset,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderSessions(list))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list (at most 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Sessions to skip")
	return cmd
}

func newChangesCmd(opts *rootOptions) *cobra.Command {
	var asJSON, all bool
	cmd := &cobra.Command{
		Use:   "changes <session-id>",
		Short: "Show the latest before/after text per segment and stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				params := models.SessionParams{SessionID: args[0], Owner: opts.owner}
				var changes []models.ChangeRecord
				var err error
				if all {
					changes, err = a.Service.ChangeLog(ctx, params)
				} else {
					changes, err = a.Service.Changes(ctx, params)
				}
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(changes)
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderChanges(changes))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print change records as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "Show every attempt, not only the latest per segment and stage")
	return cmd
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	var (
		wait bool
		out  string
		yes  bool
	)
	cmd := &cobra.Command{
		Use:   "retry <session-id>",
		Short: "Resume a failed session from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.openApp(ctx, cmd.ErrOrStderr(), wait, app.WithoutRecovery(), progressSink(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Service.Retry(ctx, models.SessionParams{SessionID: args[0], Owner: opts.owner}); err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), pendingStyle.Render("Requeued."))
				return nil
			}
			return waitAndReport(ctx, cmd, a, opts.owner, args[0], out, yes)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "Process in this process and wait for the session to finish")
	cmd.Flags().StringVar(&out, "out", "", "Write the exported text here when the session completes")
	cmd.Flags().BoolVar(&yes, "yes", false, "Acknowledge academic integrity for --out without prompting")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		out string
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a completed session as plain text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return exportTo(ctx, cmd, a, opts.owner, args[0], out, yes)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	cmd.Flags().BoolVar(&yes, "yes", false, "Acknowledge academic integrity without prompting")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session with its segments and change records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := ConfirmDelete(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Service.Delete(ctx, models.SessionParams{SessionID: args[0], Owner: opts.owner}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), completedStyle.Render("Deleted "+args[0]))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Stop a queued or running session before its next segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Service.Cancel(ctx, models.SessionParams{SessionID: args[0], Owner: opts.owner}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), inProgressStyle.Render("Cancelled "+args[0]))
				return nil
			})
		},
	}
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue [session-id]",
		Short: "Show model-call admission occupancy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				fmt.Fprintln(cmd.OutOrStdout(), RenderQueue(a.Service.QueueStatus(id)))
				return nil
			})
		},
	}
}

func newPromptCmd(opts *rootOptions) *cobra.Command {
	promptCmd := &cobra.Command{
		Use:   "prompt",
		Short: "Show or customize stage system prompts",
	}

	promptCmd.AddCommand(&cobra.Command{
		Use:   "show <polish|enhance|emotion_rewrite>",
		Short: "Show the system prompt a stage runs with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				info, err := a.Service.Prompt(ctx, models.PromptParams{Owner: opts.owner, Task: args[0]})
				if err != nil {
					return err
				}
				source := "built-in"
				if info.Custom {
					source = "custom"
				}
				fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render(info.Task+" ("+source+")"))
				fmt.Fprintln(cmd.OutOrStdout(), boxStyle.Render(info.Content))
				return nil
			})
		},
	})

	var file string
	setCmd := &cobra.Command{
		Use:   "set <polish|enhance|emotion_rewrite>",
		Short: "Replace a stage's instructions with your own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var content string
				if file != "" {
					text, err := readInput(cmd, file)
					if err != nil {
						return err
					}
					content = text
				} else {
					text, err := PromptForText(args[0], "")
					if err != nil {
						return err
					}
					content = text
				}
				if err := a.Service.SetPrompt(ctx, models.PromptParams{Owner: opts.owner, Task: args[0], Content: content}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), completedStyle.Render("Saved custom prompt for "+args[0]))
				return nil
			})
		},
	}
	setCmd.Flags().StringVarP(&file, "file", "f", "", "Read the prompt from a file (- for stdin)")
	promptCmd.AddCommand(setCmd)

	promptCmd.AddCommand(&cobra.Command{
		Use:   "reset <polish|enhance|emotion_rewrite>",
		Short: "Go back to the built-in prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Service.ResetPrompt(ctx, models.PromptParams{Owner: opts.owner, Task: args[0]}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), completedStyle.Render("Reset "+args[0]))
				return nil
			})
		},
	})
	return promptCmd
}

// newConfigCmd creates the config command
func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := opts.manager()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(mgr.Get().Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render(mgr.Path()))
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [config.json]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if len(args) == 1 {
				loaded, err := config.Load(args[0])
				if err != nil {
					return err
				}
				cfg = loaded
			} else {
				mgr, err := opts.manager()
				if err != nil {
					return err
				}
				cfg = mgr.Get()
			}
			var problems []string
			if err := cfg.Validate(); err != nil {
				problems = append(problems, err.Error())
			}
			if strings.TrimSpace(cfg.DefaultAPIKey) == "" {
				problems = append(problems, "no default API key (set OPENAI_API_KEY or default_api_key)")
			}
			if strings.TrimSpace(cfg.DefaultModel) == "" {
				problems = append(problems, "no default model")
			}
			if err := cfg.EnsureDirectories(); err != nil {
				problems = append(problems, err.Error())
			}
			if len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("✗ "+p))
				}
				return fmt.Errorf("configuration has %d problem(s)", len(problems))
			}
			fmt.Fprintln(cmd.OutOrStdout(), completedStyle.Render("✓ configuration is valid"))
			return nil
		},
	})

	return configCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "PolishGo %s\n", service.Version)
		},
	}
}
