package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseInstructions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want Instruction
	}{
		{
			name: "ask single player",
			line: "bot 0 ask action move",
			want: Instruction{Kind: KindAsk, PlayerID: 0, Message: "action move", Raw: "bot 0 ask action move"},
		},
		{
			name: "send single player keeps message verbatim",
			line: "bot 1 send update game field 0,0,.,1  ",
			want: Instruction{Kind: KindSend, PlayerID: 1, Message: "update game field 0,0,.,1  ", Raw: "bot 1 send update game field 0,0,.,1  "},
		},
		{
			name: "broadcast",
			line: "bot all send update game round 3",
			want: Instruction{Kind: KindSend, All: true, Message: "update game round 3", Raw: "bot all send update game round 3"},
		},
		{
			name: "warning",
			line: "bot 1 warning illegal move",
			want: Instruction{Kind: KindWarning, PlayerID: 1, Message: "illegal move", Raw: "bot 1 warning illegal move"},
		},
		{
			name: "broadcast warning",
			line: "bot all warning round limit reached",
			want: Instruction{Kind: KindWarning, All: true, Message: "round limit reached", Raw: "bot all warning round limit reached"},
		},
		{
			name: "send without message",
			line: "bot 0 send",
			want: Instruction{Kind: KindSend, PlayerID: 0, Raw: "bot 0 send"},
		},
		{
			name: "end",
			line: "end",
			want: Instruction{Kind: KindEnd, Raw: "end"},
		},
		{
			name: "end with trailing carriage return",
			line: "end\r",
			want: Instruction{Kind: KindEnd, Raw: "end"},
		},
		{
			name: "blank line",
			line: "   ",
			want: Instruction{Kind: KindNoop, Raw: "   "},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.line, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parse %q = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseRejectsUnknownInstructions(t *testing.T) {
	t.Parallel()

	lines := []string{
		"hello engine",
		"bot",
		"bot 0",
		"bot x ask action move",
		"bot -1 send hi",
		"bot 0 shout hi",
		"bot all ask action move",
		"ending",
	}
	for _, line := range lines {
		line := line
		t.Run(line, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse(line); !errors.Is(err, ErrUnknownInstruction) {
				t.Fatalf("parse %q error = %v, want ErrUnknownInstruction", line, err)
			}
		})
	}
}

func TestValidateChecksPlayerRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		instruction Instruction
		players     int
		wantErr     bool
	}{
		{name: "known player", instruction: Instruction{Kind: KindAsk, PlayerID: 1}, players: 2},
		{name: "broadcast", instruction: Instruction{Kind: KindSend, All: true}, players: 2},
		{name: "end ignores ids", instruction: Instruction{Kind: KindEnd, PlayerID: 9}, players: 2},
		{name: "out of range", instruction: Instruction{Kind: KindAsk, PlayerID: 2}, players: 2, wantErr: true},
		{name: "warning out of range", instruction: Instruction{Kind: KindWarning, PlayerID: 5}, players: 1, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.instruction.Validate(tt.players)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			var unknownPlayer *UnknownPlayerError
			if !errors.As(err, &unknownPlayer) {
				t.Fatalf("error = %v, want UnknownPlayerError", err)
			}
			if unknownPlayer.PlayerID != tt.instruction.PlayerID || unknownPlayer.Players != tt.players {
				t.Fatalf("unknown player error = %+v", unknownPlayer)
			}
		})
	}
}

func TestHandshakeOrdersRosterSettingsStart(t *testing.T) {
	t.Parallel()

	lines, err := Handshake(2, map[string]string{
		SettingTimebankMax: "10000",
		SettingMaxTimeouts: "2",
		SettingTimePerMove: "500",
		"field_width":      "7",
	})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	want := []string{
		"bot_ids 0,1",
		"settings field_width 7",
		"settings max_timeouts 2",
		"settings time_per_move 500",
		"settings timebank_max 10000",
		"start",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("handshake = %q, want %q", lines, want)
	}
}

func TestHandshakeRejectsMalformedSettings(t *testing.T) {
	t.Parallel()

	tests := []map[string]string{
		{"": "1"},
		{"two words": "1"},
		{"rounds": "1\n2"},
	}
	for _, settings := range tests {
		if _, err := Handshake(1, settings); !errors.Is(err, ErrMalformedSetting) {
			t.Fatalf("handshake %v error = %v, want ErrMalformedSetting", settings, err)
		}
	}
}

func TestInstructionTarget(t *testing.T) {
	t.Parallel()

	if got := (Instruction{All: true}).Target(); got != "all" {
		t.Fatalf("target = %q, want all", got)
	}
	if got := (Instruction{PlayerID: 3}).Target(); got != "3" {
		t.Fatalf("target = %q, want 3", got)
	}
}
