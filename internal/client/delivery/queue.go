// Package delivery is the outbound delivery queue: at-least-once
// transmission of session commands with ack correlation by message id,
// stuck detection and bounded retry.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
	"github.com/dkeye/roomsync/internal/metrics"
	"github.com/dkeye/roomsync/internal/protocol"
)

var ErrAckTimeout = errors.New("no acknowledgement within timeout")

// Sender is the transmitting side, normally the connection manager.
type Sender interface {
	Connected() bool
	Send(env protocol.Envelope) error
}

type Options struct {
	// MaxRetryAttempts bounds the number of transmissions of one message.
	MaxRetryAttempts int
	AckTimeout       time.Duration
	SweepInterval    time.Duration
	// DeliveredMemory is how many delivered ids are remembered to absorb
	// duplicate acks.
	DeliveredMemory int
}

func DefaultOptions() Options {
	return Options{
		MaxRetryAttempts: 3,
		AckTimeout:       10 * time.Second,
		SweepInterval:    5 * time.Second,
		DeliveredMemory:  4096,
	}
}

type Queue struct {
	sender  Sender
	opts    Options
	metrics *metrics.Client
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	live      map[string]*Message
	order     []string
	dead      map[string]*Message
	delivered *lru.Cache[string, struct{}]

	kick    chan struct{}
	results *core.Broadcaster[Result]

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(sender Sender, opts Options, m *metrics.Client) *Queue {
	def := DefaultOptions()
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.AckTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.DeliveredMemory <= 0 {
		opts.DeliveredMemory = def.DeliveredMemory
	}
	if m == nil {
		m = metrics.NewClient(nil)
	}
	delivered, _ := lru.New[string, struct{}](opts.DeliveredMemory)
	return &Queue{
		sender:    sender,
		opts:      opts,
		metrics:   m,
		logger:    log.With().Str("module", "client.delivery").Logger(),
		now:       time.Now,
		live:      make(map[string]*Message),
		dead:      make(map[string]*Message),
		delivered: delivered,
		kick:      make(chan struct{}, 1),
		results:   core.NewBroadcaster[Result](),
	}
}

// Results subscribes to delivered and permanently failed messages.
func (q *Queue) Results(buf int) (<-chan Result, func()) { return q.results.Subscribe(buf) }

// Enqueue stores a new pending message and returns its id without
// waiting for transmission.
func (q *Queue) Enqueue(session domain.SessionID, event string, payload any) (string, error) {
	id := uuid.NewString()
	return id, q.EnqueueWithID(id, session, event, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen message id. Re-enqueueing
// a known id is a no-op.
func (q *Queue) EnqueueWithID(id string, session domain.SessionID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	now := q.now()

	q.mu.Lock()
	_, isLive := q.live[id]
	_, isDead := q.dead[id]
	if isLive || isDead || q.delivered.Contains(id) {
		q.mu.Unlock()
		q.logger.Debug().Str("message_id", id).Msg("duplicate enqueue ignored")
		return nil
	}
	q.live[id] = &Message{
		ID:        id,
		Session:   session,
		Event:     event,
		Payload:   raw,
		Status:    Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.order = append(q.order, id)
	q.mu.Unlock()

	q.metrics.Delivery.WithLabelValues(Pending.String()).Inc()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Flush transmits, in submission order, every pending message and every
// failed one that still has attempts left. It stops at the first send
// error so later messages never overtake earlier ones.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

func (q *Queue) flushLocked() {
	if !q.sender.Connected() {
		return
	}
	for _, id := range slices.Clone(q.order) {
		m, ok := q.live[id]
		if !ok {
			continue
		}
		if m.Status == Failed {
			q.setStatus(m, Pending)
		}
		if m.Status != Pending {
			continue
		}
		if err := q.transmitLocked(m); err != nil {
			return
		}
	}
}

func (q *Queue) transmitLocked(m *Message) error {
	env := protocol.Envelope{Type: m.Event, ID: m.ID, Session: m.Session, Payload: m.Payload}
	err := q.sender.Send(env)
	if errors.Is(err, core.ErrNotConnected) {
		return err
	}
	m.Attempt++
	if err != nil {
		q.failLocked(m, err)
		return err
	}
	q.setStatus(m, Sent)
	q.logger.Debug().Str("message_id", m.ID).Str("event", m.Event).Int("attempt", m.Attempt).Msg("sent")
	return nil
}

func (q *Queue) setStatus(m *Message, s Status) {
	m.Status = s
	m.UpdatedAt = q.now()
	q.metrics.Delivery.WithLabelValues(s.String()).Inc()
}

// failLocked moves m to failed; once attempts are exhausted it becomes
// terminal and is reported.
func (q *Queue) failLocked(m *Message, cause error) {
	m.LastError = cause
	q.setStatus(m, Failed)
	if m.Attempt < q.opts.MaxRetryAttempts {
		q.logger.Warn().Err(cause).Str("message_id", m.ID).Int("attempt", m.Attempt).Msg("delivery failed, will retry")
		return
	}
	q.buryLocked(m, fmt.Errorf("%w after %d attempts: %w", core.ErrDeliveryFailed, m.Attempt, cause))
}

func (q *Queue) buryLocked(m *Message, err error) {
	m.Terminal = true
	m.Status = Failed
	q.removeLocked(m.ID)
	q.dead[m.ID] = m
	q.metrics.Delivery.WithLabelValues("dead").Inc()
	q.logger.Error().Err(err).Str("message_id", m.ID).Str("event", m.Event).Msg("delivery failed permanently")
	q.results.Publish(Result{Message: *m, Err: err})
}

func (q *Queue) removeLocked(id string) {
	delete(q.live, id)
	if i := slices.Index(q.order, id); i >= 0 {
		q.order = slices.Delete(q.order, i, i+1)
	}
}

// Ack applies the remote acknowledgement for id. It reports whether the
// ack changed anything; repeated acks for the same id never do.
func (q *Queue) Ack(id string, ack protocol.AckPayload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.live[id]
	if !ok {
		if q.delivered.Contains(id) {
			q.logger.Debug().Str("message_id", id).Msg("duplicate ack ignored")
		} else if _, dead := q.dead[id]; dead {
			q.logger.Warn().Str("message_id", id).Bool("ok", ack.OK).Msg("ack for permanently failed message ignored")
		}
		return false
	}
	if !ack.OK {
		cause := protocol.ErrorOf(ack.Code)
		if cause == nil {
			cause = errors.New(ack.Error)
		}
		m.LastError = cause
		q.buryLocked(m, fmt.Errorf("%w: rejected by server: %w", core.ErrDeliveryFailed, cause))
		return true
	}
	q.removeLocked(id)
	q.delivered.Add(id, struct{}{})
	q.setStatus(m, Delivered)
	q.logger.Debug().Str("message_id", id).Msg("delivered")
	q.results.Publish(Result{Message: *m})
	return true
}

// Sweep fails pending/sent messages that waited longer than the ack
// timeout, then retries failed ones if the channel is up.
func (q *Queue) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, id := range slices.Clone(q.order) {
		m, ok := q.live[id]
		if !ok || (m.Status != Pending && m.Status != Sent) {
			continue
		}
		if now.Sub(m.UpdatedAt) >= q.opts.AckTimeout {
			q.failLocked(m, ErrAckTimeout)
		}
	}
	q.flushLocked()
}

// Start runs the flush/sweep loop until Stop or ctx ends. It is idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.run(ctx)
	q.signal()
}

// Stop ends the loop and waits for it; queued messages are kept.
func (q *Queue) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel == nil {
		return
	}
	q.cancel()
	q.cancel = nil
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
			q.Flush()
		case <-ticker.C:
			q.Sweep()
		}
	}
}

// Get returns a copy of the message with id.
func (q *Queue) Get(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.live[id]; ok {
		return *m, true
	}
	if m, ok := q.dead[id]; ok {
		return *m, true
	}
	if q.delivered.Contains(id) {
		return Message{ID: id, Status: Delivered}, true
	}
	return Message{}, false
}

// Outstanding returns live messages in submission order.
func (q *Queue) Outstanding() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.live[id])
	}
	return out
}

// DeadLetters returns the permanently failed messages.
func (q *Queue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.dead))
	for _, m := range q.dead {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Forget drops a dead letter once the caller has handled it.
func (q *Queue) Forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dead, id)
}

// DropSession discards live messages addressed to session.
func (q *Queue) DropSession(session domain.SessionID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range slices.Clone(q.order) {
		if q.live[id].Session == session {
			q.removeLocked(id)
			n++
		}
	}
	return n
}

// Close stops the loop and releases result subscribers.
func (q *Queue) Close() {
	q.Stop()
	q.results.Close()
}
