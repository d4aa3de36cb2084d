package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/axelgadomski420/hugex-sub000/internal/config"
	"github.com/axelgadomski420/hugex-sub000/internal/executor"
	"github.com/axelgadomski420/hugex-sub000/internal/executor/local"
	"github.com/axelgadomski420/hugex-sub000/internal/executor/remote"
	"github.com/axelgadomski420/hugex-sub000/internal/job"
	"github.com/axelgadomski420/hugex-sub000/internal/orchestrator"
	"github.com/axelgadomski420/hugex-sub000/internal/publish"
)

// app holds everything a subcommand needs once configuration is loaded.
type app struct {
	cfg   *config.Config
	store *job.SQLStore
	orc   *orchestrator.Orchestrator
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func newRootCmd(stop context.CancelFunc) *cobra.Command {
	var cfgPath, logLevel string
	a := &app{}

	root := &cobra.Command{
		Use:           "hugex",
		Short:         "Dispatch coding tasks to agents and collect their changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogging(logLevel)
			return a.setup(cfgPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to hugex.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newWorkerCmd(a, stop),
		newPublishCmd(a),
		newJobsCmd(a),
		newLogsCmd(a),
	)
	return root
}

func (a *app) setup(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	store, err := job.OpenStore(filepath.Join(cfg.DataDir, "hugex.db"))
	if err != nil {
		return err
	}
	logs, err := job.NewLogStore(filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		store.Close()
		return err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		store.Close()
		return err
	}
	a.cfg = cfg
	a.store = store
	a.orc = &orchestrator.Orchestrator{
		Store:   store,
		Logs:    logs,
		Backend: backend,
		Publisher: &publish.Publisher{
			BotName:  cfg.Git.BotName,
			BotEmail: cfg.Git.BotEmail,
			Timeout:  cfg.Git.Timeout.Std(),
		},
		DefaultEnv:     cfg.Env,
		DefaultSecrets: cfg.Secrets,
	}
	return nil
}

func newBackend(cfg *config.Config) (executor.Backend, error) {
	switch cfg.Backend {
	case config.BackendRemote:
		return remote.New(cfg.Remote), nil
	case config.BackendLocal:
		return local.New(cfg.Local)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		title      string
		repo       string
		branch     string
		envFlags   []string
		secretList []string
		doPublish  bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Create a job, execute it and print the resulting change set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := parseKV(envFlags)
			if err != nil {
				return err
			}
			secrets, err := parseKV(secretList)
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")
			if title == "" {
				title = firstLine(prompt)
			}
			j := job.New(title, prompt, repo)
			j.RepoBranch = branch

			merged, err := a.orc.CreateJob(ctx, j, env, secrets)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := a.orc.Process(ctx, j, merged); err != nil {
				return err
			}
			printJob(cmd, a, j.ID.String(), time.Since(start))

			if doPublish {
				res, err := a.orc.PublishBranch(ctx, j.ID.String())
				if err != nil {
					return err
				}
				cmd.Printf("  branch:    %s\n", res.Branch)
				cmd.Printf("  commit:    %s\n", res.Commit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title (defaults to the prompt's first line)")
	cmd.Flags().StringVar(&repo, "repo", "", "repository URL to operate on")
	cmd.Flags().StringVar(&branch, "branch", "", "base branch (defaults to the remote default)")
	cmd.Flags().StringArrayVar(&envFlags, "env", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&secretList, "secret", nil, "secret KEY=VALUE, value never persisted (repeatable)")
	cmd.Flags().BoolVar(&doPublish, "publish", false, "push the change set as a branch on completion")
	return cmd
}

func newWorkerCmd(a *app, stop context.CancelFunc) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process pending jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// Exit when the executable is rebuilt (systemd restarts the
			// service).
			if err := watchExecutable(ctx, stop); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to watch executable: %v\n", err)
			}
			w := &orchestrator.Worker{Orc: a.orc, Interval: interval}
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "sweep interval")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <job-id>",
		Short: "Push a completed job's change set as a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.orc.PublishBranch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("branch: %s\ncommit: %s\n", res.Branch, res.Commit)
			return nil
		},
	}
}

func newJobsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				cmd.Println("no jobs")
				return nil
			}
			for _, j := range jobs {
				cmd.Printf("%s  %-9s  +%d -%d (%d files)  %s\n",
					j.ID, j.Status,
					j.Summary.TotalAdditions, j.Summary.TotalDeletions, j.Summary.TotalFiles,
					j.Title)
				if j.Error != "" {
					cmd.Printf("  error: %s\n", j.Error)
				}
			}
			return nil
		},
	}
}

func newLogsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.orc.Logs.Read(args[0])
			if err != nil {
				return err
			}
			cmd.Print(text)
			if !strings.HasSuffix(text, "\n") {
				cmd.Println()
			}
			return nil
		},
	}
}

// printJob renders a completed job the way the run command reports it.
func printJob(cmd *cobra.Command, a *app, id string, elapsed time.Duration) {
	j, err := a.store.Get(cmd.Context(), id)
	if err != nil {
		cmd.PrintErrf("lookup %s: %v\n", id, err)
		return
	}
	cmd.Printf("\n[%s] %s\n", strings.ToUpper(string(j.Status)), j.Title)
	cmd.Printf("  job:       %s\n", j.ID)
	if j.RemoteJobID != "" {
		cmd.Printf("  remote:    %s\n", j.RemoteJobID)
	}
	if j.Summary.TotalFiles > 0 {
		cmd.Printf("  changes:   +%d -%d across %d files\n",
			j.Summary.TotalAdditions, j.Summary.TotalDeletions, j.Summary.TotalFiles)
		d, err := a.store.GetDiff(cmd.Context(), id)
		if err == nil {
			for _, f := range d.Files {
				cmd.Printf("    %-8s %s\n", f.Status, f.Filename)
			}
		}
	} else {
		cmd.Printf("  changes:   none\n")
	}
	cmd.Printf("  duration:  %.1fs\n", elapsed.Seconds())
}

// parseKV turns repeated KEY=VALUE flags into a map.
func parseKV(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid KEY=VALUE pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return strings.TrimSpace(s)
}
