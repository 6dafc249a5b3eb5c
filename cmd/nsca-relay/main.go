// Command nsca-relay is the receiver: it accepts PSK-authenticated
// connections, authorizes submitted commands against its configured
// identity table, and forwards them to a named command pipe for an
// external monitoring engine to consume.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weiss/nsca-ng/internal/config"
	"github.com/weiss/nsca-ng/internal/protocol"
	"github.com/weiss/nsca-ng/internal/pskconn"
	"github.com/weiss/nsca-ng/internal/sink"
	"github.com/weiss/nsca-ng/internal/xlog"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "nsca-relay",
		Short: "Receive and relay passive check-result submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to configuration file")
	flags.String("listen", "", "address to listen on, e.g. 0.0.0.0:5668")
	flags.String("command-file", "", "named pipe to forward authorized commands to")
	flags.String("temp-directory", os.TempDir(), "directory for overflow dump files")
	flags.Int64("max-queue-size", 10, "maximum pending queue size in MB")
	flags.Int("max-command-size", 0, "maximum bytes a PUSH payload may announce, 0 disables the check")
	flags.String("pid-file", "", "optional PID file path")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-stderr", true, "log to stderr")
	flags.Bool("log-syslog", false, "log to syslog")

	_ = v.BindPFlag("listen", flags.Lookup("listen"))
	_ = v.BindPFlag("command_file", flags.Lookup("command-file"))
	_ = v.BindPFlag("temp_directory", flags.Lookup("temp-directory"))
	_ = v.BindPFlag("max_queue_size", flags.Lookup("max-queue-size"))
	_ = v.BindPFlag("max_command_size", flags.Lookup("max-command-size"))
	_ = v.BindPFlag("pid_file", flags.Lookup("pid-file"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_stderr", flags.Lookup("log-stderr"))
	_ = v.BindPFlag("log_syslog", flags.Lookup("log-syslog"))

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if p, _ := flags.GetString("config"); p != "" {
			v.SetConfigFile(p)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	}

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func run(parent context.Context, v *viper.Viper) error {
	cfg, err := config.LoadReceiver(v)
	if err != nil {
		return err
	}

	logger, err := xlog.New(xlog.Options{
		Level:     xlog.ParseLevel(cfg.LogLevel),
		ToStderr:  cfg.LogStderr,
		UseSyslog: cfg.LogSyslog,
		Tag:       "nsca-relay",
	})
	if err != nil {
		return err
	}

	authTbl, err := config.BuildAuthTable(cfg.Authorize)
	if err != nil {
		return err
	}

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PidFile)
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sk := sink.New(cfg.CommandFile, cfg.TempDirectory, cfg.MaxQueueSizeBytes())
	sk.OnDrop(func(n int) {
		logger.Warnf("dropped %d queued bytes: memory quota exceeded", n)
	})

	go func() {
		if err := sk.Run(ctx); err != nil {
			logger.WithError(err).Error("sink loop exited")
		}
	}()

	go watchSighup(ctx, logger)

	srv, err := pskconn.Listen(ctx, cfg.Listen, idleTimeoutDuration(cfg.Timeout), authTbl.CheckPSK, func(c *pskconn.Conn) {
		entry := logger.WithField("peer", c.PeerLabel())
		entry.Info("connection accepted")

		s := protocol.NewServer(c, authTbl, sk, cfg.MaxCommandSize)
		if err := s.Serve(context.Background()); err != nil {
			entry.WithError(err).Warn("connection closed")
			return
		}
		entry.Info("connection closed cleanly")
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	logger.Infof("listening on %s", srv.Addr())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func idleTimeoutDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// watchSighup re-execs the current binary when SIGHUP arrives, the
// simplest faithful re-expression of "a SIGHUP triggers re-exec":
// configuration is re-read from scratch on the new process image rather
// than hot-swapped in place.
func watchSighup(ctx context.Context, logger interface {
	Info(args ...interface{})
}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	select {
	case <-ch:
		logger.Info("SIGHUP received, re-executing")
		exe, err := os.Executable()
		if err != nil {
			return
		}
		_ = syscall.Exec(exe, os.Args, os.Environ())
	case <-ctx.Done():
	}
}
