package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/weiss/nsca-ng/internal/pskconn"
)

// Authorizer resolves whether identity may submit line, a fully
// timestamp-prefixed, newline-terminated command as internal/auth
// expects it.
type Authorizer interface {
	IsAuthorized(identity string, line []byte) bool
}

// Sink is the destination a receiver forwards authorized commands to.
type Sink interface {
	Write(p []byte) error
}

// Server drives the receiver side of the protocol for one connection.
type Server struct {
	conn           *pskconn.Conn
	auth           Authorizer
	sink           Sink
	maxCommandSize int
}

// NewServer wraps an already PSK-authenticated connection.
// maxCommandSize bounds the byte count a PUSH header may announce; 0
// disables the check, matching the receiver's max_command_size config key.
func NewServer(conn *pskconn.Conn, auth Authorizer, sink Sink, maxCommandSize int) *Server {
	return &Server{conn: conn, auth: auth, sink: sink, maxCommandSize: maxCommandSize}
}

// Serve runs the receiver state machine to completion: the pre-handshake
// MOIN/PING probe, then PUSH/NOOP exchanges until QUIT, client BAIL, or a
// fatal error. It returns nil on a clean close (QUIT, BAIL, or an
// answered pre-handshake PING).
func (s *Server) Serve(ctx context.Context) error {
	moinOK, err := s.handshake(ctx)
	if err != nil {
		return err
	}
	if !moinOK {
		return nil
	}

	for {
		line, err := s.conn.ReadLine(ctx)
		if err != nil {
			return fmt.Errorf("protocol: read command: %w", err)
		}

		verb, rest := splitVerb(line)
		switch strings.ToUpper(verb) {
		case cmdPush:
			if err := s.handlePush(ctx, rest); err != nil {
				return err
			}
		case cmdNoop:
			if err := s.conn.WriteLine(ctx, replyOkay); err != nil {
				return fmt.Errorf("protocol: reply to %s: %w", verb, err)
			}
		case cmdQuit:
			return s.conn.WriteLine(ctx, replyOkay)
		case replyBail:
			return nil
		default:
			if err := s.conn.WriteLine(ctx, fmt.Sprintf("%s unexpected request %q", replyFail, verb)); err != nil {
				return fmt.Errorf("protocol: reply to unexpected request: %w", err)
			}
		}
	}
}

// handshake awaits the pre-handshake probe. A PING gets PONG 1 and the
// caller closes the connection (ok=false, err=nil). A well-formed
// MOIN <ver> <nonce> with ver==ProtocolVersion sets the connection id from
// nonce, replies "MOIN <ver>", and returns ok=true. Anything else is a
// parse failure: reply FAIL and re-await the handshake line, matching
// spec's "Parse failures → FAIL <reason> and re-await handshake".
func (s *Server) handshake(ctx context.Context) (ok bool, err error) {
	for {
		line, err := s.conn.ReadLine(ctx)
		if err != nil {
			return false, fmt.Errorf("protocol: read handshake: %w", err)
		}

		verb, rest := splitVerb(line)
		switch strings.ToUpper(verb) {
		case cmdPing:
			return false, s.conn.WriteLine(ctx, replyPong)

		case cmdMoin:
			fields := strings.Fields(rest)
			if len(fields) != 2 {
				if err := s.conn.WriteLine(ctx, fmt.Sprintf("%s cannot parse MOIN", replyFail)); err != nil {
					return false, err
				}
				continue
			}
			version, err := strconv.Atoi(fields[0])
			if err != nil || version < 1 {
				if err := s.conn.WriteLine(ctx, fmt.Sprintf("%s expected protocol version", replyFail)); err != nil {
					return false, err
				}
				continue
			}
			if version != ProtocolVersion {
				if err := s.conn.WriteLine(ctx, fmt.Sprintf("%s protocol version %d not supported", replyFail, version)); err != nil {
					return false, err
				}
				continue
			}
			s.conn.SetConnectionID(fields[1])
			if err := s.conn.WriteLine(ctx, fmt.Sprintf("%s %d", cmdMoin, ProtocolVersion)); err != nil {
				return false, err
			}
			return true, nil

		default:
			if err := s.conn.WriteLine(ctx, fmt.Sprintf("%s expected MOIN", replyFail)); err != nil {
				return false, err
			}
		}
	}
}

func (s *Server) handlePush(ctx context.Context, header string) error {
	n, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || n <= 0 {
		return s.conn.WriteLine(ctx, fmt.Sprintf("%s Expected number of bytes", replyFail))
	}
	if s.maxCommandSize > 0 && n > s.maxCommandSize {
		return s.conn.WriteLine(ctx, fmt.Sprintf("%s PUSH data size too large", replyFail))
	}

	if err := s.conn.WriteLine(ctx, replyOkay); err != nil {
		return fmt.Errorf("protocol: reply to PUSH: %w", err)
	}

	raw, err := s.conn.ReadN(ctx, n)
	if err != nil {
		return fmt.Errorf("protocol: read PUSH payload: %w", err)
	}

	// raw already holds the escaped "[<epoch>] <command>" form the
	// submitter produced; it is forwarded to the sink exactly as received
	// (still escaped) so an embedded newline in check output can never
	// split one command into two lines in the pipe the monitoring engine
	// reads. Unescape is only ever applied by a consumer of the pipe, not
	// by the receiver itself.
	if _, err := Unescape(string(raw)); err != nil {
		return s.conn.WriteLine(ctx, fmt.Sprintf("%s %v", replyFail, err))
	}

	line := append(append([]byte{}, raw...), '\n')

	if !s.auth.IsAuthorized(s.conn.Identity(), line) {
		return s.conn.WriteLine(ctx, fmt.Sprintf("%s You're not authorized", replyFail))
	}

	if err := s.sink.Write(line); err != nil {
		return s.conn.WriteLine(ctx, fmt.Sprintf("%s %v", replyFail, err))
	}

	return s.conn.WriteLine(ctx, replyOkay)
}

// bail sends a best-effort BAIL reply before the caller closes the
// connection, resolving DESIGN.md's "BAIL best-effort" open question:
// the write uses the connection's own idle-timeout deadline and its
// failure is never surfaced, matching the original's fire-and-forget
// tls_write_line before tls_shutdown.
func (s *Server) bail(ctx context.Context, reason string) {
	_ = s.conn.WriteLine(ctx, fmt.Sprintf("%s %s", replyBail, reason))
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}
