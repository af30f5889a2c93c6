// Package audit records who opened which shell, without ever making a
// session wait for the record to be written.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/node-registration/relay/internal/buffer"
	"github.com/node-registration/relay/internal/logging"
	"github.com/node-registration/relay/internal/model"
)

const (
	// DefaultQueueSize bounds the number of pending events.
	DefaultQueueSize = 256

	lookupTimeout = 5 * time.Second
	writeTimeout  = 5 * time.Second
	flushTimeout  = 10 * time.Second
)

// Event is what the relay knows at the moment a session is opened.
type Event struct {
	Actor         string
	NodeID        string
	ShellUsername string
	At            time.Time
}

// Sink persists audit entries.
type Sink interface {
	Write(ctx context.Context, entry model.AuditEntry) error
}

// NodeDirectory resolves a node id to its display hostname.
type NodeDirectory interface {
	Hostname(ctx context.Context, nodeID string) (string, error)
}

// Recorder queues events and writes them from a single worker. Record
// never blocks; when the queue is full the oldest pending event is lost.
type Recorder struct {
	queue *buffer.Ring[Event]
	sink  Sink
	nodes NodeDirectory
	log   zerolog.Logger

	done chan struct{}
	once sync.Once
}

// NewRecorder creates a Recorder. nodes may be nil, in which case entries
// are written without a hostname.
func NewRecorder(sink Sink, nodes NodeDirectory, queueSize int, log zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		queue: buffer.NewRing[Event](queueSize),
		sink:  sink,
		nodes: nodes,
		log:   logging.Component(log, "audit"),
		done:  make(chan struct{}),
	}
}

// Record enqueues ev.
func (r *Recorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if r.queue.Push(ev) {
		r.log.Warn().
			Uint64("dropped_total", r.queue.Dropped()).
			Msg("audit queue full, dropped oldest event")
	}
}

// Pending returns the number of events not yet written.
func (r *Recorder) Pending() int {
	return r.queue.Len()
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	for {
		ev, err := r.queue.Pop(ctx)
		if err != nil {
			break
		}
		r.write(ctx, ev)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, ev := range r.queue.Drain() {
		r.write(flushCtx, ev)
	}
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) write(ctx context.Context, ev Event) {
	entry := model.AuditEntry{
		Actor:         ev.Actor,
		Action:        model.AuditActionSSHConnect,
		TargetNode:    ev.NodeID,
		ShellUsername: ev.ShellUsername,
		CreatedAt:     ev.At,
	}
	entry.TargetHostname = r.hostname(ctx, ev.NodeID)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.sink.Write(writeCtx, entry); err != nil {
		r.log.Error().Err(err).
			Str("actor", ev.Actor).
			Str("node", ev.NodeID).
			Msg("failed to write audit log")
	}
}

func (r *Recorder) hostname(ctx context.Context, nodeID string) string {
	if r.nodes == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	host, err := r.nodes.Hostname(lookupCtx, nodeID)
	if err != nil {
		if !errors.Is(err, model.ErrNodeNotFound) {
			r.log.Warn().Err(err).Str("node", nodeID).Msg("hostname lookup failed")
		}
		return ""
	}
	return host
}

// MultiSink writes every entry to each sink in turn and returns the
// joined errors.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, entry model.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
