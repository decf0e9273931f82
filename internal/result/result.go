// Package result persists the record of a completed match as one JSON
// document.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/riddles/gamewrapper/internal/match"
)

// ErrNoPath is returned when no result path was configured.
var ErrNoPath = errors.New("result path is empty")

// Document is the persisted match record.
type Document struct {
	Details string   `json:"details"`
	Game    string   `json:"game"`
	Players []Player `json:"players"`
}

// Player carries one bot's activity log and captured stderr.
type Player struct {
	Log    string `json:"log"`
	Errors string `json:"errors"`
}

// FromOutcome builds the document for a match outcome, players in id order.
func FromOutcome(outcome *match.Outcome) Document {
	doc := Document{Players: []Player{}}
	if outcome == nil {
		return doc
	}
	doc.Details = outcome.Details
	doc.Game = outcome.Game
	for _, report := range outcome.Players {
		doc.Players = append(doc.Players, Player{Log: report.Log, Errors: report.Stderr})
	}
	return doc
}

// Encode writes the document as JSON. Bot output is kept literal, so HTML
// characters are not escaped.
func (d Document) Encode(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(d); err != nil {
		return fmt.Errorf("encode result document: %w", err)
	}
	return nil
}

// Write replaces the file at path with the document. Readers see either the
// previous file or the complete new one.
func (d Document) Write(path string) error {
	if path == "" {
		return ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create result directory: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending result file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	if err := d.Encode(pendingFile); err != nil {
		return err
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace result file: %w", err)
	}
	return nil
}
