package match

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/riddles/gamewrapper/internal/events"
	"github.com/riddles/gamewrapper/internal/procio"
	"github.com/riddles/gamewrapper/internal/session"
)

type fakeEngine struct {
	instructions []string
	answers      map[string]string
	configured   []string
	sent         []string
	configureErr error
	sendErr      error
	finishCalls  atomic.Int32
}

func (f *fakeEngine) Configure(messages ...string) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configured = append(f.configured, messages...)
	return nil
}

func (f *fakeEngine) Send(line string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeEngine) Ask(ctx context.Context, line string) (string, error) {
	if err := f.Send(line); err != nil {
		return "", err
	}
	answer, ok := f.answers[line]
	if !ok {
		return "", fmt.Errorf("%w: %w", session.ErrEngineUnavailable, procio.ErrReadTimeout)
	}
	return answer, nil
}

func (f *fakeEngine) GetResponse(context.Context) (string, error) {
	if len(f.instructions) == 0 {
		return "", fmt.Errorf("%w: %w", session.ErrEngineUnavailable, procio.ErrStreamClosed)
	}
	line := f.instructions[0]
	f.instructions = f.instructions[1:]
	return line, nil
}

func (f *fakeEngine) Stdout() string { return "" }

func (f *fakeEngine) Stderr() string { return "engine stderr" }

func (f *fakeEngine) Finish() { f.finishCalls.Add(1) }

// fakePlayer answers asks from a script. An empty script entry is a missed
// response; disableAfter, when positive, disables the player after that many
// missed responses.
type fakePlayer struct {
	id           int
	responses    []string
	disableAfter int

	asks        []string
	sent        []string
	notes       []string
	errors      int
	finishCalls atomic.Int32
}

func (f *fakePlayer) ID() int { return f.id }

func (f *fakePlayer) Send(line string) { f.sent = append(f.sent, line) }

func (f *fakePlayer) Ask(_ context.Context, line string) string {
	f.asks = append(f.asks, line)
	if f.Disabled() || len(f.responses) == 0 {
		return ""
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	if response == "" {
		f.errors++
	}
	return response
}

func (f *fakePlayer) AddNote(text string) { f.notes = append(f.notes, text) }

func (f *fakePlayer) Disabled() bool {
	return f.disableAfter > 0 && f.errors >= f.disableAfter
}

func (f *fakePlayer) Errors() int { return f.errors }

func (f *fakePlayer) Dump() string { return fmt.Sprintf("dump of %d", f.id) }

func (f *fakePlayer) Stdout() string { return "" }

func (f *fakePlayer) Stderr() string { return fmt.Sprintf("stderr of %d", f.id) }

func (f *fakePlayer) Finish() { f.finishCalls.Add(1) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func players(list ...*fakePlayer) []Player {
	out := make([]Player, len(list))
	for i, player := range list {
		out[i] = player
	}
	return out
}
