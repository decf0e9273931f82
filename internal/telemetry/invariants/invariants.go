// Package invariants records broken match invariants as span events.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TimeBankWithinBounds requires every player time bank to stay in [0, max].
	TimeBankWithinBounds = "time_bank_within_bounds"
	// DisabledPlayerSilent requires disabled players to stay silent for the rest of the match.
	DisabledPlayerSilent = "disabled_player_silent"
	// StateTransitionLegal requires match transitions to follow the lifecycle machine.
	StateTransitionLegal = "state_transition_legal"

	eventName = "invariant.violation"
)

// Violation describes one broken invariant.
type Violation struct {
	Invariant string
	Where     string
	Reason    string
	Fields    map[string]string
}

// Record adds an invariant.violation event to the span in ctx. Without a span
// in ctx, the event gets a short span of its own.
func Record(ctx context.Context, v Violation) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", v.Invariant),
		attribute.String("where_detected", v.Where),
		attribute.String("why_violated", v.Reason),
	}
	keys := make([]string, 0, len(v.Fields))
	for key := range v.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := strings.TrimSpace(v.Fields[key]); value != "" {
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		_, span = otel.Tracer("gamewrapper/invariants").Start(ctx, eventName)
		defer span.End()
	}
	span.AddEvent(eventName, trace.WithAttributes(attrs...))
}

// CheckTimeBankWithinBounds reports a bank outside [0, maxMillis].
func CheckTimeBankWithinBounds(ctx context.Context, where string, playerID int, bankMillis, maxMillis int64) bool {
	if bankMillis >= 0 && bankMillis <= maxMillis {
		return true
	}
	Record(ctx, Violation{
		Invariant: TimeBankWithinBounds,
		Where:     where,
		Reason:    fmt.Sprintf("time_bank=%dms outside [0, %dms]", bankMillis, maxMillis),
		Fields: map[string]string{
			"player_id":    strconv.Itoa(playerID),
			"time_bank_ms": strconv.FormatInt(bankMillis, 10),
			"max_ms":       strconv.FormatInt(maxMillis, 10),
		},
	})
	return false
}

// CheckDisabledPlayerSilent reports a move from a player past its timeout budget.
func CheckDisabledPlayerSilent(ctx context.Context, where string, playerID int, response string) bool {
	if response == "" {
		return true
	}
	Record(ctx, Violation{
		Invariant: DisabledPlayerSilent,
		Where:     where,
		Reason:    "disabled player returned a non-empty response",
		Fields:    map[string]string{"player_id": strconv.Itoa(playerID)},
	})
	return false
}

// CheckStateTransitionLegal reports a lifecycle transition the machine rejected.
func CheckStateTransitionLegal(ctx context.Context, where, entityType, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Record(ctx, Violation{
		Invariant: StateTransitionLegal,
		Where:     where,
		Reason:    fmt.Sprintf("illegal transition for %s from %s to %s", entityType, from, to),
		Fields: map[string]string{
			"entity_type": entityType,
			"from_state":  from,
			"to_state":    to,
		},
	})
	return false
}
