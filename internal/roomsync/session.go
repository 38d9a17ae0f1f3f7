// Package roomsync keeps the message view of one chat room consistent while
// history and live traffic arrive concurrently.
package roomsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat-sync/internal/channel"
	"chat-sync/internal/history"
	"chat-sync/internal/models"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotEntered     = errors.New("session has not entered a room")
	ErrAlreadyEntered = errors.New("session already entered a room")
	// ErrRelayNotice wraps system notices from the relay, such as a rate
	// limit warning for a message it refused.
	ErrRelayNotice = errors.New("relay notice")
)

// Observer receives the full ordered view after every change. It is called
// from background goroutines and must not call back into the Session.
type Observer func(view []models.Message)

// WarningHandler receives non-fatal failures: history fetch errors, dropped
// inbound messages and reconnect attempts.
type WarningHandler func(err error)

// DeliveryError is returned by SendMessage when the message is shown locally
// but could not be handed to the live channel.
type DeliveryError struct {
	Key string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message shown locally but not delivered: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithWarningHandler(h WarningHandler) Option {
	return func(s *Session) { s.warn = h }
}

func WithHistoryTimeout(d time.Duration) Option {
	return func(s *Session) { s.historyTimeout = d }
}

// WithBackoff sets the reconnect schedule. A nil factory disables reconnects.
func WithBackoff(factory func() backoff.BackOff) Option {
	return func(s *Session) { s.newBackoff = factory }
}

func WithoutReconnect() Option {
	return func(s *Session) { s.newBackoff = nil }
}

// Session is the only component the UI talks to. It owns the Store and the
// live channel of a single room for the lifetime between EnterRoom and
// LeaveRoom; a Session is not reusable after LeaveRoom.
type Session struct {
	loader         history.Loader
	channel        channel.Channel
	log            zerolog.Logger
	now            func() time.Time
	warn           WarningHandler
	historyTimeout time.Duration
	newBackoff     func() backoff.BackOff

	mu           sync.Mutex
	roomID       string
	localUserID  string
	remoteUserID string
	store        *Store
	observer     Observer
	entered      bool
	closed       bool
	cancel       context.CancelFunc

	// notifyMu serializes observer calls and lets LeaveRoom wait out the last one.
	notifyMu sync.Mutex
	dropped  chan error
	// wg tracks the connection supervisor only.
	wg sync.WaitGroup
}

func NewSession(loader history.Loader, ch channel.Channel, log zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		loader:         loader,
		channel:        ch,
		log:            log.With().Str("component", "session").Logger(),
		now:            time.Now,
		historyTimeout: 15 * time.Second,
		newBackoff:     defaultBackoff,
		dropped:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// EnterRoom creates the room's Store and starts the history backfill and the
// live channel connection concurrently. It returns once both are started;
// their failures are reported to the warning handler.
func (s *Session) EnterRoom(ctx context.Context, roomID, localUserID, remoteUserID string, observer Observer) error {
	for _, f := range []struct{ name, value string }{
		{"RoomID", roomID},
		{"LocalUserID", localUserID},
		{"RemoteUserID", remoteUserID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &models.ValidationError{Field: f.name, Reason: "is required"}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.entered {
		s.mu.Unlock()
		return ErrAlreadyEntered
	}
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.roomID = roomID
	s.localUserID = localUserID
	s.remoteUserID = remoteUserID
	s.store = NewStore(roomID)
	s.observer = observer
	s.entered = true
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info().
		Str("room", roomID).
		Str("user", localUserID).
		Str("peer", remoteUserID).
		Msg("entering room")

	// History results are dropped after LeaveRoom rather than waited for.
	go s.backfill(sessionCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(sessionCtx)
	}()
	return nil
}

// SendMessage shows the message locally, notifies the observer, then hands it
// to the live channel. A transport failure is returned as a *DeliveryError and
// the optimistic entry stays in the view. Nothing is retried.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.entered {
		s.mu.Unlock()
		return ErrNotEntered
	}
	store := s.store
	msg := models.Message{
		RoomID:    s.roomID,
		SenderID:  s.localUserID,
		Text:      text,
		Timestamp: s.now().UTC().Truncate(time.Millisecond),
	}
	s.mu.Unlock()

	key, err := store.AppendLocal(msg)
	if err != nil {
		return err
	}
	s.notify()

	if err := s.channel.Send(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("room", msg.RoomID).Msg("send failed, message kept locally")
		return &DeliveryError{Key: key, Err: err}
	}
	return nil
}

// LeaveRoom tears the channel down, abandons any in-flight history result and
// stops observer callbacks. It is safe to call more than once.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entered := s.entered
	cancel := s.cancel
	room := s.roomID
	s.mu.Unlock()

	if !entered {
		return nil
	}

	cancel()
	err := s.channel.Disconnect()
	s.wg.Wait()
	// A connect attempt may have completed while the supervisor was stopping.
	if err2 := s.channel.Disconnect(); err == nil {
		err = err2
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	s.store = nil
	s.observer = nil
	s.mu.Unlock()
	s.notifyMu.Unlock()

	s.log.Info().Str("room", room).Msg("left room")
	if err != nil {
		return fmt.Errorf("disconnect live channel: %w", err)
	}
	return nil
}

// View returns the current ordered messages.
func (s *Session) View() ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, ErrSessionClosed
	case !s.entered:
		return nil, ErrNotEntered
	}
	return s.store.View(), nil
}

func (s *Session) State() channel.State {
	return s.channel.State()
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) RemoteUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUserID
}

func (s *Session) backfill(ctx context.Context) {
	room := s.RoomID()
	loadCtx := ctx
	if s.historyTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, s.historyTimeout)
		defer cancel()
	}

	messages, err := s.loader.Load(loadCtx, room)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.warnf(fmt.Errorf("load history for room %s: %w", room, err))
		return
	}

	valid := lo.Filter(messages, func(m models.Message, _ int) bool {
		if err := m.Validate(); err != nil {
			s.warnf(fmt.Errorf("drop history message: %w", err))
			return false
		}
		return m.RoomID == room
	})
	s.log.Debug().Str("room", room).Int("fetched", len(messages)).Int("valid", len(valid)).Msg("history loaded")
	s.apply(valid...)
}

// supervise opens the live channel and, when it drops, reopens it on the
// backoff schedule followed by a fresh backfill to cover the gap.
func (s *Session) supervise(ctx context.Context) {
	s.connect(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.dropped:
			s.warnf(fmt.Errorf("live channel dropped: %w", err))
			if s.newBackoff == nil {
				continue
			}
			s.connect(ctx, true)
		}
	}
}

func (s *Session) connect(ctx context.Context, backfillAfter bool) {
	s.mu.Lock()
	room, user := s.roomID, s.localUserID
	s.mu.Unlock()

	var b backoff.BackOff
	for {
		err := s.channel.Connect(ctx, room, user, inbound{s})
		if err == nil {
			s.log.Info().Str("room", room).Msg("live channel connected")
			if backfillAfter {
				go s.backfill(ctx)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.warnf(fmt.Errorf("connect live channel: %w", err))
		if s.newBackoff == nil {
			return
		}
		if b == nil {
			b = s.newBackoff()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// apply merges messages and notifies the observer when the view changed,
// including when an optimistic entry is confirmed by its echo.
func (s *Session) apply(messages ...models.Message) {
	if len(messages) == 0 {
		return
	}
	s.mu.Lock()
	store := s.store
	closed := s.closed
	s.mu.Unlock()
	if closed || store == nil {
		return
	}

	applied, adopted, err := store.merge(messages)
	if err != nil {
		s.warnf(fmt.Errorf("drop inbound message: %w", err))
		return
	}
	if applied > 0 || adopted > 0 {
		s.notify()
	}
}

func (s *Session) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	store, observer, closed := s.store, s.observer, s.closed
	s.mu.Unlock()
	if closed || store == nil || observer == nil {
		return
	}
	observer(store.View())
}

func (s *Session) warnf(err error) {
	s.log.Warn().Err(err).Msg("chat sync warning")
	if s.warn != nil {
		s.warn(err)
	}
}

// inbound adapts the Session to channel.Handler.
type inbound struct {
	s *Session
}

func (h inbound) OnMessage(msg models.Message) {
	h.s.apply(msg)
}

func (h inbound) OnNotice(text string) {
	h.s.warnf(fmt.Errorf("%w: %s", ErrRelayNotice, text))
}

func (h inbound) OnStateChange(state channel.State, err error) {
	h.s.log.Debug().Str("state", state.String()).Err(err).Msg("live channel state")
	if state != channel.Disconnected || err == nil {
		return
	}
	select {
	case h.s.dropped <- err:
	default:
	}
}
