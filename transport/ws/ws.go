// File: transport/ws/ws.go
// Package ws implements the tagged-message transport over a WebSocket
// connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every tagged operation travels as one binary WebSocket message:
//
//	[tag: 8 bytes little-endian][payload]
//
// A single reader goroutine matches inbound messages against posted
// receives per tag (FIFO); completion callbacks run on a worker pool,
// never on the reader goroutine, so callback code can post follow-up
// operations without stalling the connection.

package ws

import (
	"encoding/binary"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/control"
)

const tagHeaderLen = 8

// operation is one in-flight submit; it doubles as the api.Handle.
type operation struct {
	id        uint64
	dir       api.Direction
	tag       api.Tag
	buf       []byte
	cb        api.CompletionFunc
	status    atomic.Int32
	completed atomic.Bool
	canceled  atomic.Bool
}

var _ api.Handle = (*operation)(nil)

// ID returns the connection-unique operation identifier.
func (o *operation) ID() uint64 { return o.id }

// IsCompleted reports whether the operation reached a terminal state.
func (o *operation) IsCompleted() bool { return o.completed.Load() }

// Status returns the current operation status.
func (o *operation) Status() api.Status {
	if !o.completed.Load() {
		return api.StatusPending
	}
	return api.Status(o.status.Load())
}

// Conn adapts one WebSocket connection to api.Transport.
type Conn struct {
	ws   *websocket.Conn
	log  logrus.FieldLogger
	pool *ants.Pool

	writeMu sync.Mutex

	mu          sync.Mutex
	unmatched   map[api.Tag]*queue.Queue // inbound payloads awaiting a receive
	pendingRecv map[api.Tag]*queue.Queue // posted receives awaiting a payload
	closed      bool

	nextID    atomic.Uint64
	readerEnd chan struct{}
	closeOnce sync.Once
}

var _ api.Transport = (*Conn)(nil)

// NewConn wraps an established WebSocket connection. cfg and log may
// be nil.
func NewConn(wsc *websocket.Conn, cfg *control.Config, log logrus.FieldLogger) (*Conn, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	workers := cfg.DispatchWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	// Nonblocking: a callback running on a pool worker may itself
	// trigger further completions; a blocking Submit from that worker
	// would deadlock the pool. Overload falls back to inline delivery.
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, api.NewError(api.ErrCodeTransport, "dispatch pool creation failed").
			WithContext("cause", err.Error())
	}
	c := &Conn{
		ws:          wsc,
		log:         log.WithField("component", "ws-transport"),
		pool:        pool,
		unmatched:   make(map[api.Tag]*queue.Queue),
		pendingRecv: make(map[api.Tag]*queue.Queue),
		readerEnd:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Dial connects to a ws:// or wss:// peer.
func Dial(url string, cfg *control.Config, log logrus.FieldLogger) (*Conn, error) {
	wsc, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, api.NewError(api.ErrCodeTransport, "websocket dial failed").
			WithContext("url", url).
			WithContext("cause", err.Error())
	}
	return NewConn(wsc, cfg, log)
}

// Upgrader accepts inbound transport connections over HTTP.
type Upgrader struct {
	upgrader websocket.Upgrader
	cfg      *control.Config
	log      logrus.FieldLogger
}

// NewUpgrader builds an Upgrader. cfg and log may be nil.
func NewUpgrader(cfg *control.Config, log logrus.FieldLogger) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg: cfg,
		log: log,
	}
}

// Upgrade turns an HTTP request into a transport connection.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wsc, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, api.NewError(api.ErrCodeTransport, "websocket upgrade failed").
			WithContext("cause", err.Error())
	}
	return NewConn(wsc, u.cfg, u.log)
}

// Submit posts one asynchronous operation.
func (c *Conn) Submit(dir api.Direction, tag api.Tag, buf []byte, onComplete api.CompletionFunc) (api.Handle, error) {
	op := &operation{
		id:  c.nextID.Add(1),
		dir: dir,
		tag: tag,
		buf: buf,
		cb:  onComplete,
	}
	op.status.Store(int32(api.StatusPending))

	switch dir {
	case api.DirSend:
		return c.submitSend(op)
	case api.DirRecv:
		return c.submitRecv(op)
	default:
		return nil, api.NewError(api.ErrCodeUsage, "unknown direction").
			WithContext("dir", int(dir))
	}
}

func (c *Conn) submitSend(op *operation) (api.Handle, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, api.ErrTransportClosed
	}

	frame := make([]byte, tagHeaderLen+len(op.buf))
	binary.LittleEndian.PutUint64(frame, uint64(op.tag))
	copy(frame[tagHeaderLen:], op.buf)

	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, api.NewError(api.ErrCodeTransport, "websocket write failed").
			WithContext("tag", op.tag).
			WithContext("cause", err.Error())
	}

	c.complete(op, api.StatusOK)
	return op, nil
}

func (c *Conn) submitRecv(op *operation) (api.Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, api.ErrTransportClosed
	}
	if q, ok := c.unmatched[op.tag]; ok && q.Length() > 0 {
		payload := q.Remove().([]byte)
		copy(op.buf, payload)
		c.mu.Unlock()
		c.complete(op, api.StatusOK)
		return op, nil
	}
	tagQueue(c.pendingRecv, op.tag).Add(op)
	c.mu.Unlock()
	return op, nil
}

// readLoop is the single consumer of inbound messages.
func (c *Conn) readLoop() {
	defer close(c.readerEnd)
	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("read loop exiting")
			c.failPending()
			return
		}
		if kind != websocket.BinaryMessage || len(frame) < tagHeaderLen {
			c.log.WithFields(logrus.Fields{
				"kind": kind,
				"len":  len(frame),
			}).Warn("dropping malformed transport message")
			continue
		}
		tag := api.Tag(binary.LittleEndian.Uint64(frame))
		payload := frame[tagHeaderLen:]

		c.mu.Lock()
		if rcv := popRecvLocked(c.pendingRecv, tag); rcv != nil {
			copy(rcv.buf, payload)
			c.mu.Unlock()
			c.complete(rcv, api.StatusOK)
			continue
		}
		buffered := make([]byte, len(payload))
		copy(buffered, payload)
		tagQueue(c.unmatched, tag).Add(buffered)
		c.mu.Unlock()
	}
}

// failPending cancels every posted receive when the connection dies.
func (c *Conn) failPending() {
	c.mu.Lock()
	c.closed = true
	var orphans []*operation
	for _, q := range c.pendingRecv {
		for q.Length() > 0 {
			op := q.Remove().(*operation)
			if !op.canceled.Load() {
				orphans = append(orphans, op)
			}
		}
	}
	c.pendingRecv = make(map[api.Tag]*queue.Queue)
	c.mu.Unlock()

	for _, op := range orphans {
		c.complete(op, api.StatusCanceled)
	}
}

// complete marks the operation terminal and dispatches its callback on
// the worker pool. Must not be called under c.mu.
func (c *Conn) complete(op *operation, status api.Status) {
	if !op.completed.CompareAndSwap(false, true) {
		return
	}
	op.status.Store(int32(status))
	if op.cb == nil {
		return
	}
	cb := op.cb
	if err := c.pool.Submit(func() { cb(op, status) }); err != nil {
		// Pool saturated or released: deliver inline rather than block.
		cb(op, status)
	}
}

// Cancel aborts a posted receive. Sends complete at submit and are
// past cancellation.
func (c *Conn) Cancel(h api.Handle) error {
	op, ok := h.(*operation)
	if !ok {
		return api.NewError(api.ErrCodeUsage, "foreign handle")
	}
	if op.IsCompleted() || op.dir != api.DirRecv {
		return nil
	}
	op.canceled.Store(true)
	c.complete(op, api.StatusCanceled)
	return nil
}

// Close tears the connection down: pending receives complete with
// StatusCanceled, the reader drains, the dispatch pool is released.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
		<-c.readerEnd
		c.pool.Release()
	})
	return err
}

func tagQueue(m map[api.Tag]*queue.Queue, tag api.Tag) *queue.Queue {
	q, ok := m[tag]
	if !ok {
		q = queue.New()
		m[tag] = q
	}
	return q
}

func popRecvLocked(m map[api.Tag]*queue.Queue, tag api.Tag) *operation {
	q, ok := m[tag]
	if !ok {
		return nil
	}
	for q.Length() > 0 {
		op := q.Remove().(*operation)
		if op.canceled.Load() {
			continue
		}
		return op
	}
	return nil
}
