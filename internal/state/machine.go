package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/riddles/gamewrapper/internal/events"
	"github.com/riddles/gamewrapper/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one phase of the match lifecycle.
type State string

const (
	Setup    State = "SETUP"
	Running  State = "RUNNING"
	Complete State = "COMPLETE"
	Failed   State = "FAILED"
)

var allowedTransitions = map[State]map[State]struct{}{
	Setup: {
		Running: {},
		Failed:  {},
	},
	Running: {
		Complete: {},
		Failed:   {},
	},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Complete || s == Failed
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithPublisher publishes every accepted transition as a MatchState event.
func WithPublisher(publisher events.Publisher) Option {
	return func(machine *Machine) {
		machine.publisher = publisher
	}
}

// WithClock overrides the clock used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	MatchID   string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	MatchID   string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for match lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition match %q from %q to %q: %s",
		e.MatchID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the lifecycle of one match, starting in Setup.
type Machine struct {
	mu        sync.Mutex
	matchID   string
	current   State
	publisher events.Publisher
	tracer    trace.Tracer
	now       func() time.Time
	history   []TransitionRecord
}

// NewMachine builds the lifecycle machine for matchID.
func NewMachine(matchID string, options ...Option) (*Machine, error) {
	normalizedID := strings.TrimSpace(matchID)
	if normalizedID == "" {
		return nil, errors.New("match id must not be empty")
	}

	machine := &Machine{
		matchID: normalizedID,
		current: Setup,
		tracer:  otel.Tracer("gamewrapper/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}

	return machine, nil
}

// Current returns the match's lifecycle state.
func (m *Machine) Current() State {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the match to toState if the lifecycle allows it.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.mu.Lock()
	fromState := m.current
	span.SetAttributes(
		attribute.String("match_id", m.matchID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			"match",
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			MatchID:   m.matchID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for match lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		MatchID:   m.matchID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	m.mu.Unlock()

	if m.publisher != nil {
		severity := events.SeverityInfo
		if toState == Failed {
			severity = events.SeverityError
		}
		m.publisher.Publish(events.Event{
			Type:       events.EventTypeMatchState,
			Timestamp:  record.Timestamp,
			EntityType: "match",
			EntityID:   m.matchID,
			Payload: events.MatchStatePayload{
				From:   string(fromState),
				To:     string(toState),
				Reason: normalizedReason,
			},
			Severity: severity,
		})
	}

	span.SetStatus(codes.Ok, "state transition accepted")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
