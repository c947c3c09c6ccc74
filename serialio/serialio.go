// Package serialio turns a blocking serial source into the non-blocking
// byte port the poll loop reads: a pump goroutine receives into a lock-free
// ring, the loop drains it with Available and ReadByte.
package serialio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"fieldlogger/x/shmring"
)

// DefaultRingSize holds one full serial capture.
const DefaultRingSize = 2048

// recvTimeout bounds one blocking receive so the pump notices shutdown.
const recvTimeout = 250 * time.Millisecond

// Source is a serial device that can block on receive.
type Source interface {
	RecvSomeContext(ctx context.Context, buf []byte) (int, error)
	Write(p []byte) (int, error)
}

// Port is safe for one reader (the poll loop) and one pump.
type Port struct {
	src    Source
	ring   *shmring.Ring
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Open starts the pump. ringSize must be a power of two; 0 selects
// DefaultRingSize.
func Open(ctx context.Context, src Source, ringSize int) *Port {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	cctx, cancel := context.WithCancel(ctx)
	p := &Port{
		src:    src,
		ring:   shmring.New(ringSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.pump(cctx)
	return p
}

func (p *Port) pump(ctx context.Context) {
	defer close(p.done)
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rctx, rcancel := context.WithTimeout(ctx, recvTimeout)
		n, err := p.src.RecvSomeContext(rctx, buf)
		rcancel()
		if n > 0 {
			p.ring.Write(buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.setErr(io.EOF)
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			// receive window elapsed without data
		default:
			p.setErr(err)
		}
	}
}

func (p *Port) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Available is the number of received bytes not yet read.
func (p *Port) Available() int { return p.ring.Available() }

// ReadByte pops one received byte, io.EOF when none is buffered.
func (p *Port) ReadByte() (byte, error) {
	b, ok := p.ring.ReadByte()
	if !ok {
		return 0, io.EOF
	}
	return b, nil
}

func (p *Port) Write(b []byte) (int, error) { return p.src.Write(b) }

// Dropped counts received bytes lost because the ring was full.
func (p *Port) Dropped() uint32 { return p.ring.Dropped() }

// Err returns the last receive error, if any.
func (p *Port) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the pump and waits for it. A source that is an io.Closer is
// closed too, which unblocks a pending read.
func (p *Port) Close() error {
	p.cancel()
	var err error
	if c, ok := p.src.(io.Closer); ok {
		err = c.Close()
	}
	<-p.done
	return err
}

// Stream adapts a blocking io.ReadWriter, such as a host tty or a pipe, to a
// Source. A pending Read only returns when data arrives or the stream closes.
func Stream(rw io.ReadWriter) Source { return stream{rw} }

type stream struct{ rw io.ReadWriter }

func (s stream) RecvSomeContext(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.rw.Read(buf)
}

func (s stream) Write(p []byte) (int, error) { return s.rw.Write(p) }

func (s stream) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
