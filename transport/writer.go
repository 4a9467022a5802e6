package transport

import (
	"net"
	"sync"
)

// maxBatch bounds how many queued frames one write syscall carries.
const maxBatch = 64

// Writer serializes frames onto a connection from a bounded queue. Many goroutines
// may Enqueue; a single goroutine owns conn.Write, so frames never interleave.
type Writer struct {
	conn    net.Conn
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	onError func(error)
}

// NewWriter starts the writer goroutine. onError is called once when a write fails.
func NewWriter(conn net.Conn, queueSize int, onError func(error)) *Writer {
	if queueSize < 1 {
		queueSize = 1
	}
	w := &Writer{
		conn:    conn,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		onError: onError,
	}
	go w.writeLoop()
	return w
}

// Enqueue hands frame to the writer without blocking. It reports false when the
// queue is full or the writer has stopped.
func (w *Writer) Enqueue(frame []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.queue <- frame:
		return true
	case <-w.done:
		return false
	default:
		return false
	}
}

// Stop ends the writer goroutine. Frames still queued are discarded.
func (w *Writer) Stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *Writer) writeLoop() {
	batch := make(net.Buffers, 0, maxBatch)
	for {
		select {
		case frame := <-w.queue:
			batch = append(batch[:0], frame)
		drain:
			for len(batch) < maxBatch {
				select {
				case f := <-w.queue:
					batch = append(batch, f)
				default:
					break drain
				}
			}
			bufs := batch
			if _, err := bufs.WriteTo(w.conn); err != nil {
				w.Stop()
				if w.onError != nil {
					w.onError(err)
				}
				return
			}
		case <-w.done:
			return
		}
	}
}
