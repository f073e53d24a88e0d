// Package brokertest provides an in-memory broker implementing the broker
// interfaces, with call accounting and fault injection for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
)

// PollInterval is how often a blocked ReceiveMessages re-checks for messages.
var PollInterval = 2 * time.Millisecond

// DefaultLockDuration is the session lock duration reported by accepted sessions.
var DefaultLockDuration = time.Minute

// Broker is an in-memory namespace.
type Broker struct {
	mu       sync.Mutex
	entities map[string]*entity
	conns    []*Conn
	dials    int
	seq      int64
	closeLog []string

	// DialErr, when set, fails every Dial.
	DialErr error
	// AcceptErr is consulted before every session acceptance. sessionID is ""
	// for next-available acceptance.
	AcceptErr func(target broker.Target, sessionID string) error
	// ReceiveErr is consulted on every ReceiveMessages call.
	ReceiveErr func(target broker.Target, sessionID string) error
	// StateErr is consulted on every GetSessionState call.
	StateErr func(sessionID string) error
	// CloseErr is returned by every receiver Close after the receiver is closed.
	CloseErr error
	// CompleteErr is consulted on every CompleteMessage call.
	CompleteErr func(msg *broker.Message) error

	// Policies records the retry policy of every Dial.
	Policies []broker.RetryPolicy
}

type entity struct {
	available []*broker.Message
	locked    map[string]*broker.Message
	sessions  map[string]*sessionState

	completed []string
	abandoned []string
	deleted   []string
	sent      []*broker.OutboundMessage
}

type sessionState struct {
	state  []byte
	locked bool
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{entities: make(map[string]*entity)}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, connectionString string, policy broker.RetryPolicy) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.Policies = append(b.Policies, policy)
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Conns returns every connection handed out.
func (b *Broker) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// Enqueue appends a message to target. SequenceNumber, MessageID and
// EnqueuedTime are filled when empty.
func (b *Broker) Enqueue(target broker.Target, msg *broker.Message) *broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	cp := *msg
	if cp.SequenceNumber == 0 {
		cp.SequenceNumber = b.seq
	}
	if cp.MessageID == "" {
		cp.MessageID = fmt.Sprintf("msg-%d", cp.SequenceNumber)
	}
	if cp.EnqueuedTime.IsZero() {
		cp.EnqueuedTime = time.Now().UTC()
	}
	e := b.entity(target)
	e.available = append(e.available, &cp)
	if cp.SessionID != "" {
		b.session(e, cp.SessionID)
	}
	return &cp
}

// EnqueueText is a shortcut for a text body message.
func (b *Broker) EnqueueText(target broker.Target, sessionID, body string) *broker.Message {
	return b.Enqueue(target, &broker.Message{Body: []byte(body), SessionID: sessionID, ContentType: "text/plain"})
}

// CreateSession makes a session known to the broker without messages.
func (b *Broker) CreateSession(target broker.Target, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session(b.entity(target), sessionID)
}

// SetState stores session state directly.
func (b *Broker) SetState(target broker.Target, sessionID string, state []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session(b.entity(target), sessionID).state = state
}

// State returns the stored session state.
func (b *Broker) State(target broker.Target, sessionID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session(b.entity(target), sessionID).state
}

// Locked reports whether a session lock is held.
func (b *Broker) Locked(target broker.Target, sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session(b.entity(target), sessionID).locked
}

// Completed returns completed message ids in completion order.
func (b *Broker) Completed(target broker.Target) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.entity(target).completed...)
}

// Abandoned returns abandoned message ids.
func (b *Broker) Abandoned(target broker.Target) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.entity(target).abandoned...)
}

// Deleted returns ids settled on delivery in receive-and-delete mode.
func (b *Broker) Deleted(target broker.Target) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.entity(target).deleted...)
}

// Pending returns how many messages are neither settled nor locked.
func (b *Broker) Pending(target broker.Target) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entity(target).available)
}

// Sent returns messages sent to entity.
func (b *Broker) Sent(entityName string) []*broker.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*broker.OutboundMessage(nil), b.entity(broker.QueueTarget(entityName)).sent...)
}

// CloseLog returns the first close of every receiver, session receiver,
// sender and connection in the order they happened, as "receiver:<target>",
// "session:<target>/<id>", "sender:<entity>" and "connection".
func (b *Broker) CloseLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closeLog...)
}

func (b *Broker) logClose(what string) {
	b.mu.Lock()
	b.closeLog = append(b.closeLog, what)
	b.mu.Unlock()
}

func (b *Broker) entity(target broker.Target) *entity {
	key := target.String()
	e, ok := b.entities[key]
	if !ok {
		e = &entity{locked: make(map[string]*broker.Message), sessions: make(map[string]*sessionState)}
		b.entities[key] = e
	}
	return e
}

func (b *Broker) session(e *entity, id string) *sessionState {
	s, ok := e.sessions[id]
	if !ok {
		s = &sessionState{}
		e.sessions[id] = s
	}
	return s
}

// Conn is an in-memory broker.Connection.
type Conn struct {
	broker *Broker

	mu         sync.Mutex
	closed     bool
	closeCalls int
	receivers  []*Receiver
	accepts    int
	senders    []*Sender
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrConnectionClosing
	}
	return nil
}

func (c *Conn) NewReceiver(ctx context.Context, target broker.Target, opts broker.ReceiverOptions) (broker.Receiver, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	r := &Receiver{conn: c, target: target, mode: opts.Mode}
	c.track(r)
	return r, nil
}

func (c *Conn) AcceptSession(ctx context.Context, target broker.Target, sessionID string, opts broker.ReceiverOptions) (broker.SessionReceiver, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.accepts++
	c.mu.Unlock()

	b := c.broker
	if b.AcceptErr != nil {
		if err := b.AcceptErr(target, sessionID); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	s := b.session(b.entity(target), sessionID)
	if s.locked {
		b.mu.Unlock()
		return nil, errspkg.Newf(errspkg.ErrSessionUnavailable, errors.New("session is locked by another receiver"), "Failed to accept session %q", sessionID)
	}
	s.locked = true
	b.mu.Unlock()
	return c.newSessionReceiver(target, sessionID, opts), nil
}

func (c *Conn) AcceptNextSession(ctx context.Context, target broker.Target, opts broker.ReceiverOptions) (broker.SessionReceiver, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.accepts++
	c.mu.Unlock()

	b := c.broker
	if b.AcceptErr != nil {
		if err := b.AcceptErr(target, ""); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	e := b.entity(target)
	chosen := ""
	for _, msg := range e.available {
		if msg.SessionID == "" {
			continue
		}
		if s := b.session(e, msg.SessionID); !s.locked {
			chosen = msg.SessionID
			s.locked = true
			break
		}
	}
	b.mu.Unlock()
	if chosen == "" {
		return nil, errspkg.New(errspkg.ErrNoSessionsAvailable, "Failed to accept next session", errors.New("no unlocked session has messages"))
	}
	return c.newSessionReceiver(target, chosen, opts), nil
}

func (c *Conn) newSessionReceiver(target broker.Target, sessionID string, opts broker.ReceiverOptions) *SessionReceiver {
	sr := &SessionReceiver{
		Receiver:    Receiver{conn: c, target: target, mode: opts.Mode, sessionID: sessionID},
		lockedUntil: time.Now().Add(DefaultLockDuration),
	}
	c.track(&sr.Receiver)
	return sr
}

func (c *Conn) track(r *Receiver) {
	c.mu.Lock()
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()
}

func (c *Conn) NewSender(entityName string) (broker.Sender, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s := &Sender{conn: c, entity: entityName}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closeCalls++
	first := c.closeCalls == 1
	c.closed = true
	c.mu.Unlock()
	if first {
		c.broker.logClose("connection")
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// AcceptCalls returns how many session acceptances reached the broker.
func (c *Conn) AcceptCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepts
}

// Receivers returns every receiver opened on this connection, sessions included.
func (c *Conn) Receivers() []*Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Receiver(nil), c.receivers...)
}

// Senders returns every sender opened on this connection.
func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

// Receiver is an in-memory broker.Receiver.
type Receiver struct {
	conn      *Conn
	target    broker.Target
	mode      broker.ReceiveMode
	sessionID string

	mu            sync.Mutex
	closeCalls    int
	completeCalls map[string]int
}

func (r *Receiver) ReceiveMessages(ctx context.Context, maxMessages int) ([]*broker.Message, error) {
	if maxMessages <= 0 {
		return nil, fmt.Errorf("maxMessages must be positive, got %d", maxMessages)
	}
	for {
		if r.Closed() {
			return nil, errspkg.New(errspkg.ErrTransport, "Receiver closed", errors.New("link detached"))
		}
		b := r.conn.broker
		if b.ReceiveErr != nil {
			if err := b.ReceiveErr(r.target, r.sessionID); err != nil {
				return nil, err
			}
		}
		if msgs := r.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

func (r *Receiver) take(maxMessages int) []*broker.Message {
	b := r.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entity(r.target)
	var out []*broker.Message
	rest := e.available[:0:0]
	for _, msg := range e.available {
		if len(out) < maxMessages && msg.SessionID == r.sessionID {
			delivered := *msg
			delivered.DeliveryCount++
			if r.mode == broker.ReceiveModeReceiveAndDelete {
				e.deleted = append(e.deleted, delivered.MessageID)
			} else {
				e.locked[delivered.MessageID] = &delivered
			}
			out = append(out, &delivered)
			continue
		}
		rest = append(rest, msg)
	}
	e.available = rest
	return out
}

func (r *Receiver) CompleteMessage(ctx context.Context, msg *broker.Message) error {
	r.mu.Lock()
	if r.completeCalls == nil {
		r.completeCalls = make(map[string]int)
	}
	r.completeCalls[msg.MessageID]++
	r.mu.Unlock()

	b := r.conn.broker
	if b.CompleteErr != nil {
		if err := b.CompleteErr(msg); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entity(r.target)
	if _, ok := e.locked[msg.MessageID]; !ok {
		return errspkg.New(errspkg.ErrTransport, "Failed to complete message "+msg.MessageID, errors.New("message lock lost"))
	}
	delete(e.locked, msg.MessageID)
	e.completed = append(e.completed, msg.MessageID)
	return nil
}

func (r *Receiver) AbandonMessage(ctx context.Context, msg *broker.Message) error {
	b := r.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entity(r.target)
	locked, ok := e.locked[msg.MessageID]
	if !ok {
		return errspkg.New(errspkg.ErrTransport, "Failed to abandon message "+msg.MessageID, errors.New("message lock lost"))
	}
	delete(e.locked, msg.MessageID)
	e.abandoned = append(e.abandoned, msg.MessageID)
	e.available = append([]*broker.Message{locked}, e.available...)
	return nil
}

func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closeCalls++
	first := r.closeCalls == 1
	r.mu.Unlock()

	b := r.conn.broker
	if first {
		b.mu.Lock()
		if r.sessionID != "" {
			b.session(b.entity(r.target), r.sessionID).locked = false
			b.closeLog = append(b.closeLog, "session:"+r.target.String()+"/"+r.sessionID)
		} else {
			b.closeLog = append(b.closeLog, "receiver:"+r.target.String())
		}
		b.mu.Unlock()
	}
	return b.CloseErr
}

// Closed reports whether Close was called at least once.
func (r *Receiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls > 0
}

// CloseCalls returns how many times Close was called.
func (r *Receiver) CloseCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls
}

// CompleteCalls returns how many times msgID was completed through this receiver.
func (r *Receiver) CompleteCalls(msgID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeCalls[msgID]
}

// SessionIDValue returns the session this receiver is bound to, or "".
func (r *Receiver) SessionIDValue() string { return r.sessionID }

// Mode returns the receive mode the receiver was opened with.
func (r *Receiver) Mode() broker.ReceiveMode { return r.mode }

// SessionReceiver is an in-memory broker.SessionReceiver.
type SessionReceiver struct {
	Receiver

	lockMu      sync.Mutex
	lockedUntil time.Time
	renewals    int
}

func (s *SessionReceiver) SessionID() string { return s.sessionID }

func (s *SessionReceiver) GetSessionState(ctx context.Context) ([]byte, error) {
	b := s.conn.broker
	if b.StateErr != nil {
		if err := b.StateErr(s.sessionID); err != nil {
			return nil, err
		}
	}
	return b.State(s.target, s.sessionID), nil
}

func (s *SessionReceiver) SetSessionState(ctx context.Context, state []byte) error {
	if s.Closed() {
		return errspkg.New(errspkg.ErrTransport, "Failed to set session state", errors.New("receiver closed"))
	}
	s.conn.broker.SetState(s.target, s.sessionID, append([]byte(nil), state...))
	return nil
}

func (s *SessionReceiver) RenewSessionLock(ctx context.Context) error {
	if s.Closed() {
		return errspkg.New(errspkg.ErrTransport, "Failed to renew session lock", errors.New("receiver closed"))
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	s.renewals++
	s.lockedUntil = time.Now().Add(DefaultLockDuration)
	return nil
}

func (s *SessionReceiver) LockedUntil() time.Time {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return s.lockedUntil
}

// SetLockedUntil overrides the reported lock expiry.
func (s *SessionReceiver) SetLockedUntil(t time.Time) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	s.lockedUntil = t
}

// Renewals returns how many times the lock was renewed.
func (s *SessionReceiver) Renewals() int {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return s.renewals
}

// Sender is an in-memory broker.Sender.
type Sender struct {
	conn   *Conn
	entity string

	mu         sync.Mutex
	closeCalls int
}

func (s *Sender) Send(ctx context.Context, msgs ...*broker.OutboundMessage) error {
	s.mu.Lock()
	closed := s.closeCalls > 0
	s.mu.Unlock()
	if closed {
		return errspkg.New(errspkg.ErrTransport, "Failed to send", errors.New("sender closed"))
	}
	b := s.conn.broker
	for _, m := range msgs {
		b.mu.Lock()
		e := b.entity(broker.QueueTarget(s.entity))
		e.sent = append(e.sent, m)
		b.mu.Unlock()
		b.Enqueue(broker.QueueTarget(s.entity), &broker.Message{
			MessageID:             m.MessageID,
			Body:                  append([]byte(nil), m.Body...),
			ContentType:           m.ContentType,
			SessionID:             m.SessionID,
			CorrelationID:         m.CorrelationID,
			Subject:               m.Subject,
			ApplicationProperties: m.ApplicationProperties,
		})
	}
	return nil
}

func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closeCalls++
	first := s.closeCalls == 1
	s.mu.Unlock()
	if first {
		s.conn.broker.logClose("sender:" + s.entity)
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *Sender) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
