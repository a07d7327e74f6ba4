// Package poller polls the processing status of one subject at a time.
//
// A StatusPoller owns at most one session. Starting a new session invalidates the
// previous one before any new request or timer is issued, and results that belong to
// an invalidated session are dropped on arrival, so a slow response for a file the
// user has already navigated away from can never overwrite fresher state.
package poller

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opsdash/splitmanager/internal/model"
)

// DefaultInterval is the delay between two fetches of the same session
const DefaultInterval = 5 * time.Second

// Kind classifies a poll result
type Kind int

const (
	KindPending Kind = iota
	KindReady
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindReady:
		return "ready"
	default:
		return "terminal"
	}
}

// Result is one status observation. Payload is nil until the backend has produced one.
type Result[T any] struct {
	Status  model.StatusCode
	Message string
	Payload *T
}

// Kind derives the result variant from the status and payload presence
func (r Result[T]) Kind() Kind {
	if !r.Status.IsContinuation() {
		return KindTerminal
	}
	if r.Payload != nil {
		return KindReady
	}
	return KindPending
}

// FetchFunc asks the backend for the current status of subjectID
type FetchFunc[T any] func(ctx context.Context, subjectID string) (Result[T], error)

// Callbacks receive the outcome of each completed fetch cycle. Exactly one of them is
// called per cycle and none is called for a session after it was cancelled or superseded.
// Callbacks never run concurrently with each other. Start, Cancel and Close wait for a
// running callback to return, except when called from inside that callback.
// Nil callbacks are skipped.
type Callbacks[T any] struct {
	OnPending  func(subjectID string, r Result[T])
	OnReady    func(subjectID string, r Result[T])
	OnTerminal func(subjectID string, r Result[T])
	OnError    func(subjectID string, err error)
}

type options struct {
	interval    time.Duration
	maxDuration time.Duration
	clock       Clock
	logger      *zap.Logger
}

// Option configures a StatusPoller
type Option func(*options)

// WithInterval sets the delay between fetches
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithMaxDuration bounds a session. Zero means poll until a terminal status.
func WithMaxDuration(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.maxDuration = d
		}
	}
}

// WithClock replaces the timer source
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

type session struct {
	gen     uint64
	subject string
	ctx     context.Context
	cancel  context.CancelFunc
	timer   Timer
	started time.Time
	fetches int
	// invalidated is set once the session is cancelled or superseded, guarded by p.mu
	invalidated bool
}

// StatusPoller repeatedly fetches the status of the active subject
type StatusPoller[T any] struct {
	fetch       FetchFunc[T]
	cb          Callbacks[T]
	interval    time.Duration
	maxDuration time.Duration
	clock       Clock
	logger      *zap.Logger

	mu      sync.Mutex
	current *session
	// latest may outlive current while its final outcome is being delivered
	latest *session
	gen    uint64
	closed bool

	// deliverMu is held while a callback runs; deliverer is the id of that goroutine
	deliverMu sync.Mutex
	deliverer atomic.Uint64
}

// New creates an idle poller
func New[T any](fetch FetchFunc[T], cb Callbacks[T], opts ...Option) *StatusPoller[T] {
	o := options{
		interval: DefaultInterval,
		clock:    RealClock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &StatusPoller[T]{
		fetch:       fetch,
		cb:          cb,
		interval:    o.interval,
		maxDuration: o.maxDuration,
		clock:       o.clock,
		logger:      o.logger,
	}
}

// Start makes subjectID the active subject. Any existing session is cancelled first,
// even when it polls the same subject. The first fetch is issued immediately.
func (p *StatusPoller[T]) Start(subjectID string) error {
	if subjectID == "" {
		return ErrEmptySubject
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.cancelLocked()

	p.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:     p.gen,
		subject: subjectID,
		ctx:     ctx,
		cancel:  cancel,
		started: p.clock.Now(),
	}
	p.current = s
	p.latest = s
	p.mu.Unlock()

	p.awaitDelivery()

	p.logger.Debug("poll session started", zap.String("subject", subjectID), zap.Uint64("session", s.gen))

	go p.cycle(s)
	return nil
}

// Cancel ends the active session, if any
func (p *StatusPoller[T]) Cancel() {
	p.mu.Lock()
	s := p.cancelLocked()
	p.mu.Unlock()

	p.awaitDelivery()

	if s != nil {
		p.logger.Debug("poll session cancelled", zap.String("subject", s.subject), zap.Uint64("session", s.gen))
	}
}

// Close cancels the active session and rejects further Start calls
func (p *StatusPoller[T]) Close() {
	p.mu.Lock()
	p.closed = true
	p.cancelLocked()
	p.mu.Unlock()

	p.awaitDelivery()
}

// IsPolling reports whether an active, non-terminal session exists
func (p *StatusPoller[T]) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Subject returns the active subject id or "" when idle
func (p *StatusPoller[T]) Subject() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.subject
}

// cancelLocked must be called with p.mu held
func (p *StatusPoller[T]) cancelLocked() *session {
	if p.latest != nil {
		p.latest.invalidated = true
	}
	s := p.current
	if s == nil {
		return nil
	}
	p.current = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	return s
}

type outcome[T any] struct {
	kind   Kind
	result Result[T]
	err    error
}

func (o outcome[T]) done() bool {
	return o.err != nil || o.kind == KindTerminal
}

func classify[T any](res Result[T], err error) outcome[T] {
	if err != nil {
		if IsNotReady(err) {
			return outcome[T]{
				kind:   KindPending,
				result: Result[T]{Status: model.StatusProcessing, Message: err.Error()},
			}
		}
		return outcome[T]{err: err}
	}
	return outcome[T]{kind: res.Kind(), result: res}
}

// cycle runs one fetch for s and, if s is still current, delivers and reschedules
func (p *StatusPoller[T]) cycle(s *session) {
	p.mu.Lock()
	if p.current != s {
		p.mu.Unlock()
		return
	}
	s.timer = nil
	if p.maxDuration > 0 && s.fetches > 0 && p.clock.Now().Sub(s.started) > p.maxDuration {
		p.current = nil
		s.cancel()
		p.mu.Unlock()

		p.logger.Warn("poll session timed out", zap.String("subject", s.subject), zap.Duration("max", p.maxDuration))
		p.deliver(s, outcome[T]{err: ErrPollTimeout})
		return
	}
	s.fetches++
	attempt := s.fetches
	p.mu.Unlock()

	res, err := p.safeFetch(s)

	p.mu.Lock()
	if p.current != s {
		p.mu.Unlock()
		p.logger.Debug("discarding stale poll result",
			zap.String("subject", s.subject),
			zap.Uint64("session", s.gen),
			zap.Int("attempt", attempt),
		)
		return
	}
	o := classify(res, err)
	if o.done() {
		p.current = nil
		s.cancel()
	}
	p.mu.Unlock()

	if o.err != nil {
		p.logger.Warn("poll failed", zap.String("subject", s.subject), zap.Int("attempt", attempt), zap.Error(o.err))
	} else {
		p.logger.Debug("poll result",
			zap.String("subject", s.subject),
			zap.Int("attempt", attempt),
			zap.Stringer("kind", o.kind),
			zap.String("status", string(o.result.Status)),
		)
	}

	p.deliver(s, o)

	if !o.done() {
		p.reschedule(s)
	}
}

func (p *StatusPoller[T]) reschedule(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != s {
		return
	}
	s.timer = p.clock.AfterFunc(p.interval, func() { p.cycle(s) })
}

func (p *StatusPoller[T]) safeFetch(s *session) (res Result[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller: fetch panicked: %v", r)
		}
	}()
	return p.fetch(s.ctx, s.subject)
}

// awaitDelivery blocks until no callback is running. A callback that cancels or
// restarts its own poller does not wait for itself.
func (p *StatusPoller[T]) awaitDelivery() {
	if id := goid(); id != 0 && p.deliverer.Load() == id {
		return
	}
	p.deliverMu.Lock()
	p.deliverMu.Unlock() //nolint:staticcheck // barrier
}

// deliver runs the callback for o unless s was invalidated in the meantime. The
// check and the callback share deliverMu, so once Start, Cancel or Close returns
// the session they invalidated gets no further callbacks.
func (p *StatusPoller[T]) deliver(s *session, o outcome[T]) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	live := !s.invalidated
	p.mu.Unlock()
	if !live {
		p.logger.Debug("discarding poll result of invalidated session",
			zap.String("subject", s.subject),
			zap.Uint64("session", s.gen),
		)
		return
	}

	p.deliverer.Store(goid())
	defer p.deliverer.Store(0)

	subject := s.subject
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll callback panicked", zap.String("subject", subject), zap.Any("panic", r))
		}
	}()

	if o.err != nil {
		if p.cb.OnError != nil {
			p.cb.OnError(subject, o.err)
		}
		return
	}

	switch o.kind {
	case KindPending:
		if p.cb.OnPending != nil {
			p.cb.OnPending(subject, o.result)
		}
	case KindReady:
		if p.cb.OnReady != nil {
			p.cb.OnReady(subject, o.result)
		}
	default:
		if p.cb.OnTerminal != nil {
			p.cb.OnTerminal(subject, o.result)
		}
	}
}

// goid returns the id of the calling goroutine, or 0 if it cannot be parsed
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 42 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
