// cmd/rdev/main.go

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"remotedev/internal/config"
	"remotedev/internal/hostcache"
	"remotedev/internal/keys"
	"remotedev/internal/logging"
	"remotedev/internal/prompt"
	"remotedev/internal/provision"
	"remotedev/internal/relay"
	"remotedev/internal/sshx"
	"remotedev/internal/syncer"
)

var logger = logging.Component("rdev")

func main() {
	logging.Setup()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFlag string
	var pathFlag string

	cmd := &cobra.Command{
		Use:           "rdev",
		Short:         "Provision and work inside devcontainers on remote hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to the project config file")
	cmd.PersistentFlags().StringVarP(&pathFlag, "path", "p", "", "local project directory to mirror")

	cmd.AddCommand(
		startCmd(&configFlag, &pathFlag),
		syncCmd(&configFlag, &pathFlag),
		runCmd(&configFlag, &pathFlag),
		cacheCmd(),
	)
	return cmd
}

// loadEnvironment resolves the config file, applies the --path override and
// validates the result.
func loadEnvironment(configFlag, pathFlag string) (*config.Config, hostcache.Store, error) {
	configPath := configFlag
	if configPath == "" {
		var err error
		if configPath, err = config.GetDefaultConfigPath(); err != nil {
			return nil, nil, err
		}
	}

	manager := config.NewManager(configPath)
	if err := manager.Load(); err != nil {
		return nil, nil, err
	}
	if pathFlag != "" {
		if err := manager.SetLocalDir(pathFlag); err != nil {
			return nil, nil, err
		}
	}
	if err := manager.Validate(); err != nil {
		return nil, nil, err
	}

	store, err := hostcache.NewFileStore("")
	if err != nil {
		return nil, nil, err
	}
	return manager.Config(), store, nil
}

// connect runs the key bootstrap and establishes an authenticated session.
func connect(ctx context.Context, cfg *config.Config, store hostcache.Store) (*sshx.Session, error) {
	if _, err := keys.EnsurePair(store, cfg.HostKey(), keys.KeygenTool{}); err != nil {
		return nil, err
	}
	return sshx.NewEstablisher(store, prompt.NewTerminal()).Establish(ctx, cfg)
}

func startCmd(configFlag, pathFlag *string) *cobra.Command {
	var keepAlive bool
	var autoSync bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Provision the remote devcontainer and optionally keep a shell open",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadEnvironment(*configFlag, *pathFlag)
			if err != nil {
				return fail(err)
			}

			ctx, stop := signalContext()
			defer stop()

			session, err := connect(ctx, cfg, store)
			if err != nil {
				return fail(err)
			}
			defer session.Close()

			transfer, err := session.Transfer()
			if err != nil {
				return fail(err)
			}
			defer transfer.Close()

			if err := provision.New(store).Reconcile(ctx, session, transfer, cfg); err != nil {
				return fail(err)
			}

			if autoSync && keepAlive {
				go func() {
					if err := syncer.New(store).Watch(ctx, cfg, 0); err != nil && ctx.Err() == nil {
						logger.Warnf("file watch stopped: %v", err)
					}
				}()
			}

			switch {
			case keepAlive:
				if err := relay.New(store).Shell(session, cfg); err != nil {
					logger.Warnf("devcontainer shell: %v", err)
				}
			case autoSync:
				if err := syncer.New(store).Watch(ctx, cfg, 0); err != nil && ctx.Err() == nil {
					return fail(err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "open an interactive shell inside the devcontainer")
	cmd.Flags().BoolVar(&autoSync, "auto-sync", false, "mirror local changes while the session is open")
	return cmd
}

func syncCmd(configFlag, pathFlag *string) *cobra.Command {
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the local project into the remote workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadEnvironment(*configFlag, *pathFlag)
			if err != nil {
				return fail(err)
			}

			ctx, stop := signalContext()
			defer stop()

			s := syncer.New(store)
			switch {
			case watch:
				err = s.Watch(ctx, cfg, 0)
			case interval > 0:
				err = s.Loop(ctx, cfg, interval)
			default:
				err = s.Sync(ctx, cfg)
			}
			if err != nil && ctx.Err() == nil {
				return fail(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep mirroring on filesystem changes")
	cmd.Flags().DurationVar(&interval, "interval", 0, "keep mirroring on a fixed interval (e.g. 5s)")
	return cmd
}

func runCmd(configFlag, pathFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command inside the devcontainer workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := loadEnvironment(*configFlag, *pathFlag)
			if err != nil {
				return fail(err)
			}

			ctx, stop := signalContext()
			defer stop()

			session, err := connect(ctx, cfg, store)
			if err != nil {
				return fail(err)
			}
			defer session.Close()

			out, err := relay.New(store).Run(ctx, session, cfg, args)
			if err != nil {
				return fail(err)
			}
			fmt.Print(out)
			return nil
		},
	}
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached host state",
	}

	clear := &cobra.Command{
		Use:   "clear <user@host>",
		Short: "Forget the cached record for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := hostcache.NewFileStore("")
			if err != nil {
				return fail(err)
			}
			if err := store.Delete(args[0]); err != nil {
				return fail(err)
			}
			logger.Infof("cleared cached state for %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(clear)
	return cmd
}

// fail logs the error once and returns it so cobra sets the exit code.
func fail(err error) error {
	logger.Error(err)
	return err
}

// signalContext cancels on SIGINT/SIGTERM so long-running loops and open
// sessions shut down cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
