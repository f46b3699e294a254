package core

import (
	"bufio"
	"context"
	"fmt"
	"math/bits"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Framing constants.
const (
	MinPacketSize        = 1024
	WaitForBufferGrowth  = 1 * time.Second
	minIncomingFrameSize = 500_000
)

// FramedTransport wraps a bidirectional byte-stream connection (typically a
// *tls.Conn or net.Conn) with newline-delimited JSON-RPC framing. Outgoing
// frames are batched and padded to power-of-two packet sizes so an observer
// of the encrypted outer transport sees only a small set of packet lengths.
//
// Ownership: FramedTransport owns the send buffer and the background poller
// goroutine; NotificationSession holds a handle to it, and Interface owns
// the session. Teardown order is interface -> taskgroup cancel -> session
// close -> transport close.
type FramedTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	log    *logrus.Entry

	maxIncomingFrame int
	forceSend        bool

	mu         sync.Mutex
	buf        []byte
	lastSend   time.Time
	writesOpen bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewFramedTransport wraps conn. maxIncomingFrame must exceed 500,000 bytes;
// forceSend=true is used for short-lived, non-subscription sessions such as
// the certificate probe.
func NewFramedTransport(conn net.Conn, maxIncomingFrame int, forceSend bool, log *logrus.Entry) (*FramedTransport, error) {
	if maxIncomingFrame <= minIncomingFrameSize {
		return nil, fmt.Errorf("framing: max incoming frame size must exceed %d bytes", minIncomingFrameSize)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &FramedTransport{
		conn:             conn,
		reader:           bufio.NewReaderSize(conn, maxIncomingFrame),
		log:              log,
		maxIncomingFrame: maxIncomingFrame,
		forceSend:        forceSend,
		lastSend:         time.Now(),
		writesOpen:       true,
		done:             make(chan struct{}),
	}
	if !forceSend {
		go t.poll()
	}
	return t, nil
}

// ReadFrame blocks until the next newline-delimited JSON frame arrives.
func (t *FramedTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.reader.ReadBytes('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.line, nil
	}
}

// Enqueue appends a single framed message (must end in "}\n" or "]\n") to the
// send buffer and runs the padding/flush decision procedure.
func (t *FramedTransport) Enqueue(frame []byte) error {
	if len(frame) == 0 || (frame[len(frame)-1] != '\n') {
		return fmt.Errorf("framing: frame must end in a newline terminator")
	}
	last := frame[len(frame)-2]
	if last != '}' && last != ']' {
		return fmt.Errorf("framing: frame must end in '}' or ']' before the newline")
	}
	t.mu.Lock()
	t.buf = append(t.buf, frame...)
	t.mu.Unlock()
	return t.maybeSend()
}

// poll wakes at least once per WaitForBufferGrowth and drives the send
// decision procedure for long-lived sessions with a non-empty buffer.
func (t *FramedTransport) poll() {
	ticker := time.NewTicker(WaitForBufferGrowth)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			_ = t.maybeSend()
		}
	}
}

// maybeSend decides whether to flush the send buffer now, and if so at
// which of the two candidate packet sizes, padding the chosen frame set
// out to a power-of-two packet length.
func (t *FramedTransport) maybeSend() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buf) == 0 || !t.writesOpen {
		return nil
	}

	payloadLSize := len(t.buf)
	totalLSize := nextPow2(payloadLSize)
	if totalLSize < MinPacketSize {
		totalLSize = MinPacketSize
	}
	npadLSize := totalLSize - payloadLSize

	totalSSize := totalLSize / 2
	if totalSSize < MinPacketSize {
		totalSSize = MinPacketSize
	}
	payloadSSize, npadSSize := 0, -1 // -1 == +inf sentinel (no terminator found)
	if idx := lastNewlineBefore(t.buf, totalSSize); idx >= 0 {
		payloadSSize = idx + 1
		npadSSize = totalSSize - payloadSSize
	}

	elapsed := time.Since(t.lastSend)
	shouldProceed := t.forceSend || elapsed >= WaitForBufferGrowth || payloadLSize >= MinPacketSize
	if !shouldProceed {
		return nil
	}

	useLarge := t.forceSend || npadSSize < 0 || npadLSize <= npadSSize
	var payload int
	var npad int
	if useLarge {
		payload, npad = payloadLSize, npadLSize
	} else {
		payload, npad = payloadSSize, npadSSize
	}

	if payload == 0 || (t.buf[payload-1] != '\n') {
		return fmt.Errorf("framing: chosen payload does not end on a frame terminator")
	}

	out := make([]byte, 0, payload+npad)
	out = append(out, t.buf[:payload-2]...) // strip the "X\n" terminator bytes
	for i := 0; i < npad; i++ {
		out = append(out, ' ')
	}
	out = append(out, t.buf[payload-2], t.buf[payload-1])

	if _, err := t.conn.Write(out); err != nil {
		return fmt.Errorf("framing: write: %w", err)
	}
	t.buf = append([]byte(nil), t.buf[payload:]...)
	t.lastSend = time.Now()

	if t.forceSend && len(t.buf) != 0 {
		return fmt.Errorf("framing: force_send left a non-empty buffer")
	}
	return nil
}

// nextPow2 returns the smallest power of two >= n (n > 0).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// lastNewlineBefore returns the index of the last '\n' strictly before
// limit, or -1 if none exists.
func lastNewlineBefore(buf []byte, limit int) int {
	if limit > len(buf) {
		limit = len(buf)
	}
	for i := limit - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			return i
		}
	}
	return -1
}

// Close stops the poller and closes the underlying connection. Safe to call
// more than once.
func (t *FramedTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.writesOpen = false
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}
