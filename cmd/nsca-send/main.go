// Command nsca-send is the submitter: it reads check-result lines (or
// raw commands) from stdin and relays each one to a receiver over a
// PSK-authenticated connection.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/weiss/nsca-ng/internal/config"
	"github.com/weiss/nsca-ng/internal/input"
	"github.com/weiss/nsca-ng/internal/protocol"
	"github.com/weiss/nsca-ng/internal/pskconn"
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
	var configTest bool

	cmd := &cobra.Command{
		Use:   "nsca-send",
		Short: "Submit passive check results to an nsca-ng receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configTest {
				_, err := config.LoadSubmitter(v)
				return err
			}
			return run(cmd.Context(), v, cmd.Flags())
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to configuration file")
	flags.String("server", "", "receiver host name or address")
	flags.Int("port", 5668, "receiver port")
	flags.String("identity", "", "identity to present during the PSK handshake")
	flags.String("password", "", "pre-shared key for identity")
	flags.IntP("delay", "d", 0, "seconds to sleep before the first connection attempt")
	flags.Bool("raw-command", false, "treat each input chunk as a pre-formed COMMAND line instead of a tab-delimited CHECK_RESULT chunk")
	flags.String("field-delimiter", "\t", "CHECK_RESULT mode: byte separating host/service/return-code/output fields within a chunk")
	flags.String("separator", "", "input record separator; defaults to \\x1B in CHECK_RESULT mode, \\n in --raw-command mode")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-stderr", true, "log to stderr")
	flags.Bool("log-syslog", false, "log to syslog")
	flags.BoolVarP(&configTest, "config-test", "C", false, "parse configuration and exit without connecting")

	_ = v.BindPFlag("server", flags.Lookup("server"))
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("identity", flags.Lookup("identity"))
	_ = v.BindPFlag("password", flags.Lookup("password"))
	_ = v.BindPFlag("delay", flags.Lookup("delay"))
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

func run(ctx context.Context, v *viper.Viper, flags *pflag.FlagSet) error {
	cfg, err := config.LoadSubmitter(v)
	if err != nil {
		return err
	}

	rawCommand, _ := flags.GetBool("raw-command")
	fieldDelimArg, _ := flags.GetString("field-delimiter")
	fieldDelim, err := parseByteFlag(fieldDelimArg)
	if err != nil {
		return fmt.Errorf("--field-delimiter: %w", err)
	}

	sepArg, _ := flags.GetString("separator")
	var recordSep byte
	if sepArg == "" {
		if rawCommand {
			recordSep = '\n'
		} else {
			recordSep = '\x1B'
		}
	} else {
		recordSep, err = parseByteFlag(sepArg)
		if err != nil {
			return fmt.Errorf("--separator: %w", err)
		}
	}
	if !rawCommand && recordSep == fieldDelim {
		return fmt.Errorf("--separator and --field-delimiter must differ")
	}

	logger, err := xlog.New(xlog.Options{
		Level:     xlog.ParseLevel(cfg.LogLevel),
		ToStderr:  cfg.LogStderr,
		UseSyslog: cfg.LogSyslog,
		Tag:       "nsca-send",
	})
	if err != nil {
		return err
	}

	if cfg.Delay > 0 {
		time.Sleep(time.Duration(cfg.Delay) * time.Second)
	}

	idle := time.Duration(cfg.Timeout * float64(time.Second))

	addr := net.JoinHostPort(cfg.Server, strconv.Itoa(cfg.Port))
	conn, err := pskconn.Dial(ctx, addr, cfg.Identity, []byte(cfg.Password), idle, true)
	if err != nil {
		logger.WithError(err).Error("connection failed")
		return err
	}
	conn.OnFatal(func(err error) {
		logger.WithError(err).Fatal("fatal transport error")
	})

	client := protocol.NewClient(conn)
	if err := client.Handshake(ctx); err != nil {
		logger.WithError(err).Error("handshake failed")
		return err
	}

	reader := input.New(os.Stdin, recordSep)
	for chunk := range reader.Chunks(ctx) {
		command := string(chunk)
		if !rawCommand {
			var err error
			command, err = protocol.FormatCheckResult(command, fieldDelim)
			if err != nil {
				logger.WithError(err).Errorf("invalid input: %q", chunk)
				return err
			}
		}
		if err := client.SubmitCommand(ctx, command); err != nil {
			logger.WithError(err).Error("submission failed")
			return err
		}
	}

	return client.Quit(ctx)
}

// parseByteFlag resolves a single-byte CLI flag value, accepting either a
// literal one-byte string or a backslash escape sequence, grounded on
// original_source/src/client/send_nsca.c's parse_backslash_escape: the
// common single-letter C escapes, \xHH hex, or a leading-zero octal form.
func parseByteFlag(s string) (byte, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	if len(s) < 2 || s[0] != '\\' {
		return 0, fmt.Errorf("expected a single character or backslash escape, got %q", s)
	}

	switch s[1] {
	case 'a':
		return '\a', checkLen(s, 2)
	case 'b':
		return '\b', checkLen(s, 2)
	case 'f':
		return '\f', checkLen(s, 2)
	case 'n':
		return '\n', checkLen(s, 2)
	case 'r':
		return '\r', checkLen(s, 2)
	case 't':
		return '\t', checkLen(s, 2)
	case 'v':
		return '\v', checkLen(s, 2)
	case '\\':
		return '\\', checkLen(s, 2)
	case 'x':
		if len(s) != 4 {
			return 0, fmt.Errorf("expected \\xHH, got %q", s)
		}
		n, err := strconv.ParseUint(s[2:], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid hex escape %q: %w", s, err)
		}
		return byte(n), nil
	default:
		if s[1] == '0' {
			n, err := strconv.ParseUint(s[1:], 8, 8)
			if err != nil {
				return 0, fmt.Errorf("invalid octal escape %q: %w", s, err)
			}
			return byte(n), nil
		}
		return 0, fmt.Errorf("unrecognized escape sequence %q", s)
	}
}

func checkLen(s string, want int) error {
	if len(s) != want {
		return fmt.Errorf("unexpected trailing characters in %q", s)
	}
	return nil
}
