package protocol

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/weiss/nsca-ng/internal/pskconn"
)

// Client drives the submitter side of the protocol: MOIN handshake, then
// any number of PUSH/NOOP exchanges, then QUIT.
type Client struct {
	conn *pskconn.Conn
	now  func() time.Time
}

// NewClient wraps an already PSK-authenticated connection. now defaults to
// time.Now; tests may override it for deterministic timestamps.
func NewClient(conn *pskconn.Conn) *Client {
	return &Client{conn: conn, now: time.Now}
}

// nonceSize is the number of random bytes base64-encoded into the MOIN
// nonce, matching original_source/src/client/client.c's
// NUM_SESSION_ID_BYTES.
const nonceSize = 6

// Handshake generates a random nonce, sends "MOIN <version> <nonce>", and
// waits for the receiver's "MOIN <version>" / FAIL / BAIL reply. The
// nonce also becomes this connection's id, the way
// tls_set_connection_id(tls, session_id) sets it client-side.
func (c *Client) Handshake(ctx context.Context) error {
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("protocol: generate nonce: %w", err)
	}
	nonce := base64.StdEncoding.EncodeToString(raw)
	c.conn.SetConnectionID(nonce)

	if err := c.conn.WriteLine(ctx, fmt.Sprintf("%s %d %s", cmdMoin, ProtocolVersion, nonce)); err != nil {
		return fmt.Errorf("protocol: send MOIN: %w", err)
	}

	reply, err := c.conn.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("protocol: read MOIN reply: %w", err)
	}

	switch verb, rest := splitVerb(reply); {
	case strings.EqualFold(verb, cmdMoin):
		version, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return fmt.Errorf("protocol: cannot parse MOIN response: %q", reply)
		}
		if version <= 0 {
			return fmt.Errorf("protocol: expected protocol version: %q", reply)
		}
		if version != ProtocolVersion {
			return fmt.Errorf("protocol: protocol version %d not supported", version)
		}
		return nil
	case hasVerb(reply, replyFail):
		return fmt.Errorf("protocol: receiver refused handshake: %s", reply)
	case hasVerb(reply, replyBail):
		return fmt.Errorf("protocol: receiver bailed: %s", reply)
	default:
		return fmt.Errorf("protocol: unexpected handshake reply: %q", reply)
	}
}

// SubmitCommand sends command, timestamping it first unless it already
// begins with "[" (a raw COMMAND-mode chunk the caller left as-is per
// original_source/src/client/parse.c's parse_command), then escaping the
// whole line, sending the PUSH header, waiting for the receiver's OKAY
// before streaming the payload, and waiting for the receiver's
// per-command reply.
func (c *Client) SubmitCommand(ctx context.Context, command string) error {
	if !strings.HasPrefix(command, "[") {
		command = formatTimestamped(c.now().Unix(), command)
	}
	payload := Escape(command)

	if err := c.conn.WriteLine(ctx, fmt.Sprintf("%s %d", cmdPush, len(payload))); err != nil {
		return fmt.Errorf("protocol: send PUSH header: %w", err)
	}
	ack, err := c.conn.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("protocol: read PUSH header reply: %w", err)
	}
	if ack != replyOkay {
		return fmt.Errorf("protocol: PUSH header refused: %s", ack)
	}
	if err := c.conn.Write(ctx, []byte(payload)); err != nil {
		return fmt.Errorf("protocol: send PUSH payload: %w", err)
	}

	reply, err := c.conn.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("protocol: read PUSH reply: %w", err)
	}

	switch {
	case reply == replyOkay:
		return nil
	case hasVerb(reply, replyFail):
		return fmt.Errorf("protocol: command rejected: %s", reply)
	case hasVerb(reply, replyBail):
		return fmt.Errorf("protocol: receiver bailed: %s", reply)
	default:
		return fmt.Errorf("protocol: unexpected PUSH reply: %q", reply)
	}
}

// Ping sends the pre-handshake PING probe and waits for "PONG 1". It must
// be called instead of, never after, Handshake: the receiver closes the
// connection immediately after replying, so no further requests may
// follow on conn.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.WriteLine(ctx, cmdPing); err != nil {
		return fmt.Errorf("protocol: send PING: %w", err)
	}
	reply, err := c.conn.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("protocol: read PING reply: %w", err)
	}
	if reply != replyPong {
		return fmt.Errorf("protocol: unexpected PING reply: %q", reply)
	}
	return nil
}

// Noop sends a no-op and waits for the reply.
func (c *Client) Noop(ctx context.Context) error {
	return c.simpleExchange(ctx, cmdNoop)
}

func (c *Client) simpleExchange(ctx context.Context, verb string) error {
	if err := c.conn.WriteLine(ctx, verb); err != nil {
		return fmt.Errorf("protocol: send %s: %w", verb, err)
	}
	reply, err := c.conn.ReadLine(ctx)
	if err != nil {
		return fmt.Errorf("protocol: read %s reply: %w", verb, err)
	}
	if reply != replyOkay {
		return fmt.Errorf("protocol: unexpected %s reply: %q", verb, reply)
	}
	return nil
}

// Quit sends QUIT, awaits the receiver's OKAY, and shuts the connection
// down, matching spec's "send QUIT, await OKAY, shut TLS down" submitter
// teardown sequence.
func (c *Client) Quit(ctx context.Context) error {
	if err := c.conn.WriteLine(ctx, cmdQuit); err != nil {
		return c.conn.Shutdown(ctx)
	}
	_, _ = c.conn.ReadLine(ctx)
	return c.conn.Shutdown(ctx)
}

func hasVerb(line, verb string) bool {
	return len(line) >= len(verb) && line[:len(verb)] == verb
}
