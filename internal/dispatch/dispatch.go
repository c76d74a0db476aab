// Package dispatch routes inbound events to registered handlers and
// delivers outbound events to sessions, rooms and the whole server.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/metrics"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/protocol"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/registry"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/room"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
)

const tracerName = "awlog/dispatch"

// Handler reacts to one inbound event from a session.
type Handler interface {
	Handle(ctx context.Context, s *session.Session, ev protocol.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *session.Session, ev protocol.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s *session.Session, ev protocol.Event) error {
	return f(ctx, s, ev)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for handler failures.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics records dispatch counts and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher holds the handler table and the delivery paths.
type Dispatcher struct {
	registry *registry.Registry
	rooms    *room.Manager
	log      zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates a dispatcher delivering through reg and rooms.
func New(reg *registry.Registry, rooms *room.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		rooms:    rooms,
		log:      zerolog.Nop(),
		handlers: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// On appends h to the handlers for name. Handlers run in registration order.
func (d *Dispatcher) On(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], h)
}

// Handlers reports how many handlers are registered for name.
func (d *Dispatcher) Handlers(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

// DispatchInbound runs every handler registered for ev.Name. A failing or
// panicking handler is logged and counted; the remaining handlers still run.
// It returns the number of handlers that failed.
func (d *Dispatcher) DispatchInbound(ctx context.Context, s *session.Session, ev protocol.Event) int {
	d.mu.RLock()
	hs := append([]Handler(nil), d.handlers[ev.Name]...)
	d.mu.RUnlock()

	ctx, span := d.tracer.Start(ctx, "dispatch "+ev.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("awlog.session_id", s.ID()),
			attribute.String("awlog.event", ev.Name),
			attribute.Int("awlog.args", len(ev.Args)),
			attribute.Int("awlog.handlers", len(hs)),
		),
	)
	defer span.End()

	d.metrics.EventReceived(ev.Name)
	start := time.Now()

	failed := 0
	for i, h := range hs {
		if err := d.run(ctx, h, s, ev); err != nil {
			failed++
			span.RecordError(err)
			d.metrics.HandlerError(ev.Name)
			d.log.Error().
				Err(err).
				Str("session", s.ID()).
				Str("event", ev.Name).
				Int("handler", i).
				Msg("Event handler failed")
		}
	}

	d.metrics.ObserveDispatch(ev.Name, time.Since(start))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) failed", failed))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return failed
}

func (d *Dispatcher) run(ctx context.Context, h Handler, s *session.Session, ev protocol.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, s, ev)
}

// EmitTo delivers ev to a single session.
func (d *Dispatcher) EmitTo(identity string, ev protocol.Event) error {
	s, err := d.registry.Lookup(identity)
	if err != nil {
		return err
	}
	frame, err := frameFor(ev)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// BroadcastToRoom delivers ev to every member of name except exclude. An
// absent room is a no-op. It returns the number of sessions that accepted the
// event.
func (d *Dispatcher) BroadcastToRoom(name string, ev protocol.Event, exclude string) int {
	return d.BroadcastToRooms([]string{name}, ev, exclude)
}

// BroadcastToRooms delivers ev once to every member of any of the rooms,
// except exclude.
func (d *Dispatcher) BroadcastToRooms(names []string, ev protocol.Event, exclude string) int {
	seen := make(map[string]struct{})
	var targets []string
	for _, name := range names {
		for _, id := range d.rooms.Members(name) {
			if id == exclude {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	frame, err := frameFor(ev)
	if err != nil {
		d.log.Error().Err(err).Str("event", ev.Name).Msg("Error encoding broadcast")
		return 0
	}

	delivered := 0
	for _, id := range targets {
		s, err := d.registry.Lookup(id)
		if err != nil {
			continue
		}
		if d.deliver(s, frame, ev.Name) {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll delivers ev to every registered session except exclude.
func (d *Dispatcher) BroadcastAll(ev protocol.Event, exclude string) int {
	frame, err := frameFor(ev)
	if err != nil {
		d.log.Error().Err(err).Str("event", ev.Name).Msg("Error encoding broadcast")
		return 0
	}
	return d.BroadcastFrame(frame, exclude)
}

// BroadcastFrame delivers a raw frame to every registered session except
// exclude.
func (d *Dispatcher) BroadcastFrame(frame session.Frame, exclude string) int {
	delivered := 0
	for _, s := range d.registry.Sessions() {
		if s.ID() == exclude {
			continue
		}
		if d.deliver(s, frame, "") {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(s *session.Session, frame session.Frame, event string) bool {
	if err := s.Send(frame); err != nil {
		d.log.Debug().
			Err(err).
			Str("session", s.ID()).
			Str("event", event).
			Msg("Skipping session during broadcast")
		return false
	}
	return true
}

func frameFor(ev protocol.Event) (session.Frame, error) {
	if ev.Name == protocol.EventBinary {
		return session.BinaryFrame(ev.Binary), nil
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return session.Frame{}, err
	}
	return session.TextFrame(data), nil
}
