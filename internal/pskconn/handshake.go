package pskconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// handshake wire format, client->server:
//   [1 byte identity length][identity][16-byte client nonce]
// server->client:
//   [1 byte status: 0 = ok, 1 = rejected][16-byte server nonce]
// On rejection the server closes the connection immediately after sending
// the status byte; no server nonce follows.

const maxIdentityLen = 255

// Dial opens a PSK-authenticated connection to addr, presenting identity
// and psk. autoDie marks the connection as process-fatal on unrecoverable
// transport error, the submitter's posture; the receiver never sets it.
func Dial(ctx context.Context, addr, identity string, psk []byte, idleTimeout time.Duration, autoDie bool) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pskconn: dial %s: %w", addr, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}

	if len(identity) > maxIdentityLen {
		nc.Close()
		return nil, fmt.Errorf("pskconn: identity too long")
	}

	clientNonce, err := randomNonce()
	if err != nil {
		nc.Close()
		return nil, err
	}

	hello := make([]byte, 0, 1+len(identity)+16)
	hello = append(hello, byte(len(identity)))
	hello = append(hello, identity...)
	hello = append(hello, clientNonce...)

	if _, err := nc.Write(hello); err != nil {
		nc.Close()
		return nil, fmt.Errorf("pskconn: send hello: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(nc, status[:]); err != nil {
		nc.Close()
		return nil, fmt.Errorf("pskconn: read status: %w", err)
	}
	if status[0] != 0 {
		nc.Close()
		return nil, ErrAuthFailed
	}

	serverNonce := make([]byte, 16)
	if _, err := io.ReadFull(nc, serverNonce); err != nil {
		nc.Close()
		return nil, fmt.Errorf("pskconn: read server nonce: %w", err)
	}

	c2s, s2c, err := deriveKeys(psk, clientNonce, serverNonce)
	if err != nil {
		nc.Close()
		return nil, err
	}

	_ = nc.SetDeadline(time.Time{})

	return &Conn{
		nc:          nc,
		writeKey:    c2s,
		readKey:     s2c,
		idleTimeout: idleTimeout,
		autoDie:     autoDie,
		peerLabel:   nc.RemoteAddr().String(),
	}, nil
}

// Server accepts PSK-authenticated connections on a listener.
type Server struct {
	ln        net.Listener
	checkPSK  CheckPSK
	onConnect func(*Conn)
	idleOut   time.Duration
}

// Listen starts accepting connections on hostPort, calling checkPSK to
// resolve each presented identity's key and onConnect once per
// successfully authenticated connection, in its own goroutine — the
// direct analogue of the original's "accept repeatedly until the
// listening socket would block" loop, since net.Listener.Accept already
// blocks until ready.
func Listen(ctx context.Context, hostPort string, idleTimeout time.Duration, checkPSK CheckPSK, onConnect func(*Conn)) (*Server, error) {
	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("pskconn: listen %s: %w", hostPort, err)
	}

	s := &Server{ln: ln, checkPSK: checkPSK, onConnect: onConnect, idleOut: idleTimeout}

	go s.acceptLoop(ctx)

	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && !ne.Timeout() {
				return
			}
			continue
		}

		go s.handshakeAndServe(nc)
	}
}

func (s *Server) handshakeAndServe(nc net.Conn) {
	_ = nc.SetDeadline(time.Now().Add(30 * time.Second))

	var idLen [1]byte
	if _, err := io.ReadFull(nc, idLen[:]); err != nil {
		nc.Close()
		return
	}

	identity := make([]byte, idLen[0])
	if _, err := io.ReadFull(nc, identity); err != nil {
		nc.Close()
		return
	}

	clientNonce := make([]byte, 16)
	if _, err := io.ReadFull(nc, clientNonce); err != nil {
		nc.Close()
		return
	}

	psk, ok := s.checkPSK(string(identity))
	if !ok {
		_, _ = nc.Write([]byte{1})
		nc.Close()
		return
	}

	serverNonce, err := randomNonce()
	if err != nil {
		nc.Close()
		return
	}

	var resp [17]byte
	resp[0] = 0
	copy(resp[1:], serverNonce)
	if _, err := nc.Write(resp[:]); err != nil {
		nc.Close()
		return
	}

	c2s, s2c, err := deriveKeys(psk, clientNonce, serverNonce)
	if err != nil {
		nc.Close()
		return
	}

	_ = nc.SetDeadline(time.Time{})

	peerAddr := nc.RemoteAddr().String()
	conn := &Conn{
		nc:          nc,
		readKey:     c2s,
		writeKey:    s2c,
		idleTimeout: s.idleOut,
		autoDie:     false,
		peerLabel:   fmt.Sprintf("%s@%s", identity, peerAddr),
		identity:    string(identity),
	}

	if s.onConnect != nil {
		s.onConnect(conn)
	}
}
