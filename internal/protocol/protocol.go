// Package protocol holds the line grammar spoken between the wrapper and the
// engine: the startup handshake the wrapper sends and the instructions the
// engine answers with.
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// Start tells the engine the handshake is over.
	Start = "start"
	// AskDetails requests the engine's game details after the game ended.
	AskDetails = "details"
	// AskGame requests the engine's played-game record after the game ended.
	AskGame = "game"

	// SettingTimebankMax is the wrapper setting carrying the bank ceiling in ms.
	SettingTimebankMax = "timebank_max"
	// SettingTimePerMove is the wrapper setting carrying the per-turn credit in ms.
	SettingTimePerMove = "time_per_move"
	// SettingMaxTimeouts is the wrapper setting carrying the timeout budget.
	SettingMaxTimeouts = "max_timeouts"
)

// Kind classifies an engine instruction.
type Kind string

const (
	// KindNoop is a blank line.
	KindNoop Kind = "noop"
	// KindAsk relays a message to one player and expects its response back.
	KindAsk Kind = "ask"
	// KindSend delivers a message to one or all players.
	KindSend Kind = "send"
	// KindWarning appends an engine note to one or all player dumps.
	KindWarning Kind = "warning"
	// KindEnd ends the game loop.
	KindEnd Kind = "end"
)

var (
	// ErrUnknownInstruction reports a line outside the instruction grammar.
	ErrUnknownInstruction = errors.New("unknown engine instruction")
	// ErrMalformedSetting reports an engine setting that cannot be sent as one line.
	ErrMalformedSetting = errors.New("malformed engine setting")
)

// UnknownPlayerError reports an instruction addressed to a player the match
// does not have.
type UnknownPlayerError struct {
	PlayerID int
	Players  int
}

func (e *UnknownPlayerError) Error() string {
	return fmt.Sprintf("engine addressed unknown player %d (match has %d players)", e.PlayerID, e.Players)
}

// Instruction is one parsed engine line.
type Instruction struct {
	Kind     Kind
	PlayerID int
	All      bool
	Message  string
	Raw      string
}

// Target returns "all" for broadcasts and the player id otherwise.
func (i Instruction) Target() string {
	if i.All {
		return "all"
	}
	return strconv.Itoa(i.PlayerID)
}

// Validate checks the instruction's addressee against the number of players.
func (i Instruction) Validate(players int) error {
	switch i.Kind {
	case KindAsk, KindSend, KindWarning:
	default:
		return nil
	}
	if i.All {
		return nil
	}
	if i.PlayerID < 0 || i.PlayerID >= players {
		return &UnknownPlayerError{PlayerID: i.PlayerID, Players: players}
	}
	return nil
}

// Parse reads one engine line.
//
//	bot <id> ask <message>
//	bot <id|all> send <message>
//	bot <id|all> warning <message>
//	end
//
// The message is kept verbatim after the single separating space. A blank line
// parses as KindNoop.
func Parse(line string) (Instruction, error) {
	raw := strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Instruction{Kind: KindNoop, Raw: raw}, nil
	}
	if trimmed == string(KindEnd) {
		return Instruction{Kind: KindEnd, Raw: raw}, nil
	}

	head, rest := nextField(raw)
	if head != "bot" {
		return Instruction{}, unknown(raw)
	}
	target, rest := nextField(rest)
	action, message := nextField(rest)
	if target == "" || action == "" {
		return Instruction{}, unknown(raw)
	}

	instruction := Instruction{Kind: Kind(action), Message: message, Raw: raw}
	if target == "all" {
		instruction.All = true
	} else {
		id, err := strconv.Atoi(target)
		if err != nil || id < 0 {
			return Instruction{}, unknown(raw)
		}
		instruction.PlayerID = id
	}

	switch instruction.Kind {
	case KindSend, KindWarning:
		return instruction, nil
	case KindAsk:
		if instruction.All {
			return Instruction{}, fmt.Errorf("%w: ask needs a single player: %q", ErrUnknownInstruction, raw)
		}
		return instruction, nil
	default:
		return Instruction{}, unknown(raw)
	}
}

// BotIDs renders the player roster line.
func BotIDs(players int) string {
	ids := make([]string, players)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return "bot_ids " + strings.Join(ids, ",")
}

// Settings renders one settings line per key, sorted by key.
func Settings(settings map[string]string) ([]string, error) {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		value := settings[key]
		if key == "" || strings.ContainsAny(key, " \t\r\n") {
			return nil, fmt.Errorf("%w: key %q", ErrMalformedSetting, key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("%w: value of %q spans lines", ErrMalformedSetting, key)
		}
		lines = append(lines, fmt.Sprintf("settings %s %s", key, value))
	}
	return lines, nil
}

// Handshake returns the full startup sequence: roster, settings, start.
func Handshake(players int, settings map[string]string) ([]string, error) {
	lines, err := Settings(settings)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(lines)+2)
	out = append(out, BotIDs(players))
	out = append(out, lines...)
	out = append(out, Start)
	return out, nil
}

func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	field, rest, _ := strings.Cut(s, " ")
	return field, rest
}

func unknown(raw string) error {
	return fmt.Errorf("%w: %q", ErrUnknownInstruction, raw)
}
