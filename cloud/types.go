package cloud

import (
	"context"
)

// Move is one candidate move of a cloud lookup, score in pawns from White's side or "N/A"
type Move struct {
	UCI     string `json:"uci"`
	SAN     string `json:"san"`
	Score   string `json:"score"`
	Winrate string `json:"winrate"`
	Rank    string `json:"rank"`
	Note    string `json:"note"`
}

// PV is the best line known to the cloud service, score as reported
type PV struct {
	Score int      `json:"score"`
	Depth int      `json:"depth"`
	PV    []string `json:"pv"`
	PVSAN []string `json:"pv_san"`
}

// Entry is what the cloud cache stores per position, moves and pv are looked up separately
type Entry struct {
	Moves []Move `json:"moves,omitempty"`
	PV    *PV    `json:"pv,omitempty"`
}

// HasMoves returns true if candidate moves are present
func (entry *Entry) HasMoves() bool {
	return len(entry.Moves) > 0
}

// HasPV returns true if a best line is present
func (entry *Entry) HasPV() bool {
	return entry.PV != nil
}

// MergeEntry keeps moves and pv side by side, incoming parts replace existing ones
func MergeEntry(existing Entry, incoming Entry) Entry {
	merged := existing
	if incoming.HasMoves() {
		merged.Moves = incoming.Moves
	}
	if incoming.HasPV() {
		merged.PV = incoming.PV
	}
	return merged
}

// Lookup is a cloud evaluation database
type Lookup interface {
	// QueryAll returns ranked candidate moves
	QueryAll(ctx context.Context, fen string) ([]Move, error)
	// QueryPV returns the best line
	QueryPV(ctx context.Context, fen string) (*PV, error)
	// Queue requests deeper analysis of the position
	Queue(ctx context.Context, fen string) error
}
