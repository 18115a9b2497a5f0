// Package pump implements the bidirectional byte-pump primitive shared by
// every protocol engine: once a session's backend connection is
// established, client and backend bytes are copied across two goroutines
// until either side closes or the pump's context is cancelled.
package pump

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// halfCloser is implemented by *net.TCPConn and *tls.Conn; Link uses it to
// propagate an EOF on one side as a write-side half-close on the other.
// Link then closes both connections as soon as that first copy returns, so
// a response still in flight in the other direction is not waited for.
type halfCloser interface {
	CloseWrite() error
}

// Result reports which side of a Link ended first and with what error.
type Result struct {
	// Side is "client" or "backend", naming which read loop returned
	// first.
	Side string
	Err  error
}

// Link copies bytes bidirectionally between client and backend until one
// side's read returns (including io.EOF) or ctx is cancelled. It always
// waits for both copy goroutines to finish before returning, so callers can
// rely on both io.Copy calls having stopped touching their connections.
//
// client and backend are closed unconditionally before Link returns: a pump
// has no notion of keep-alive, every protocol engine in this proxy treats
// pump exit as connection teardown.
func Link(ctx context.Context, client, backend net.Conn) Result {
	var wg sync.WaitGroup
	results := make(chan Result, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		closeWrite(backend)
		results <- Result{Side: "client", Err: ignoreEOF(err)}
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backend)
		closeWrite(client)
		results <- Result{Side: "backend", Err: ignoreEOF(err)}
	}()

	var first Result
	select {
	case <-ctx.Done():
		first = Result{Side: "context", Err: ctx.Err()}
	case first = <-results:
	}

	client.Close()
	backend.Close()
	wg.Wait()

	return first
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// CloseQuietly closes c and discards any error, for use in defer chains
// where a close failure carries no actionable information (the connection
// is being torn down regardless).
func CloseQuietly(c io.Closer) {
	if c == nil {
		return
	}
	_ = c.Close()
}

// CloseOnFlush writes payload to conn and then closes it, used by failed
// handshake paths (e.g. a Cassandra AUTH_ERROR response) that must deliver
// one last frame to the client before hanging up. A write error is
// swallowed — the caller is already on the terminal error path.
func CloseOnFlush(conn net.Conn, payload []byte) {
	defer CloseQuietly(conn)
	if len(payload) == 0 {
		return
	}
	_, _ = conn.Write(payload)
}
