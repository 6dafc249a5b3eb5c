// Package protocol implements the line-oriented command-submission
// protocol exchanged over an already PSK-authenticated internal/pskconn
// connection: MOIN version negotiation, PUSH-framed command submission,
// PING/NOOP keepalives, and QUIT/OKAY/FAIL/BAIL replies.
//
// Grounded on original_source/src/client/client.c (submitter state
// machine) and original_source/src/server/server.c (receiver state
// machine).
package protocol

import (
	"fmt"
	"strings"
)

// ProtocolVersion is the only version this implementation negotiates.
const ProtocolVersion = 1

// Command verbs.
const (
	cmdMoin = "MOIN"
	cmdPush = "PUSH"
	cmdPing = "PING"
	cmdNoop = "NOOP"
	cmdQuit = "QUIT"

	replyOkay = "OKAY"
	replyFail = "FAIL"
	replyBail = "BAIL"
	replyPong = "PONG 1"
)

// Escape applies the wire escaping rule: backslash becomes "\\", and an
// embedded newline becomes the two-byte sequence "\n", so a command
// payload that itself contains newlines still travels as a single
// PUSH-framed unit and can still be written as one line to the sink.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("protocol: trailing escape character")
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		default:
			return "", fmt.Errorf("protocol: invalid escape sequence \\%c", s[i])
		}
	}
	return b.String(), nil
}

// formatTimestamped wraps a raw command with the "[<epoch>] " prefix
// internal/auth expects to find before the authorization pattern body.
func formatTimestamped(epoch int64, command string) string {
	return fmt.Sprintf("[%d] %s", epoch, command)
}

// checkResultHostFields and checkResultServiceFields are the field counts
// a CHECK_RESULT-mode input chunk may split into: three fields is a host
// check, four a service check.
// Any other count is a fatal input-format error.
const (
	checkResultHostFields    = 3
	checkResultServiceFields = 4
)

// FormatCheckResult splits a CHECK_RESULT-mode submitter input chunk on
// delim into up to four fields and builds the corresponding
// PROCESS_HOST_CHECK_RESULT (3 fields) or PROCESS_SERVICE_CHECK_RESULT
// (4 fields) command body, grounded on
// original_source/src/client/parse.c's parse_check_result. The result is
// not yet timestamped or escaped; SubmitCommand does both.
func FormatCheckResult(chunk string, delim byte) (string, error) {
	fields := splitFields(chunk, delim, checkResultServiceFields)

	switch len(fields) {
	case checkResultHostFields:
		return fmt.Sprintf("PROCESS_HOST_CHECK_RESULT;%s;%s;%s",
			fields[0], fields[1], fields[2]), nil
	case checkResultServiceFields:
		return fmt.Sprintf("PROCESS_SERVICE_CHECK_RESULT;%s;%s;%s;%s",
			fields[0], fields[1], fields[2], fields[3]), nil
	default:
		return "", fmt.Errorf("protocol: input format incorrect, got %d fields", len(fields))
	}
}

// splitFields splits s on delim into at most max fields; the final field
// absorbs any remaining delim bytes, matching parse_check_result's field
// loop, which stops advancing the field index once n reaches max but
// keeps scanning the input for the rest of the last field's content.
func splitFields(s string, delim byte, max int) []string {
	fields := make([]string, 0, max)
	start := 0
	for i := 0; i < len(s) && len(fields) < max-1; i++ {
		if s[i] == delim {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return append(fields, s[start:])
}
