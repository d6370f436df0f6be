package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chessdojo/enginepool/commons"
	"github.com/notnil/chess"
	"golang.org/x/xerrors"
)

// LineEval is one principal variation of an evaluation, scores are from White's point of view
type LineEval struct {
	FEN      string   `json:"fen"`
	PV       []string `json:"pv"`
	SAN      []string `json:"pv_san,omitempty"`
	CP       *int     `json:"cp,omitempty"`
	Mate     *int     `json:"mate,omitempty"`
	Depth    int      `json:"depth"`
	SelDepth int      `json:"seldepth,omitempty"`
	MultiPV  int      `json:"multipv"`
	Nodes    int64    `json:"nodes,omitempty"`
	NPS      int64    `json:"nps,omitempty"`
	TimeMS   int64    `json:"time_ms,omitempty"`
}

// PositionEval is the evaluation of one position
type PositionEval struct {
	FEN      string     `json:"fen"`
	Engine   string     `json:"engine,omitempty"`
	BestMove string     `json:"best_move,omitempty"`
	Lines    []LineEval `json:"lines"`
}

// GetDepth returns the depth of the first line, 0 if there is none
func (eval *PositionEval) GetDepth() int {
	if eval == nil || len(eval.Lines) == 0 {
		return 0
	}
	return eval.Lines[0].Depth
}

// IsComplete returns true if the evaluation has at least the given lines and its first line reached the depth
func (eval *PositionEval) IsComplete(depth int, lines int) bool {
	if eval == nil {
		return false
	}
	return len(eval.Lines) >= lines && eval.GetDepth() >= depth
}

// EvaluationCommands returns the commands analysing the position to the depth, completed by a bestmove line
func EvaluationCommands(fen string, depth int) ([]string, string) {
	return []string{
		fmt.Sprintf("position fen %s", fen),
		fmt.Sprintf("go depth %d", depth),
	}, markerBestMove
}

// ValidateFEN checks the FEN describes a position
func ValidateFEN(fen string) error {
	_, err := newPosition(fen)
	return err
}

func newPosition(fen string) (*chess.Position, error) {
	option, err := chess.FEN(fen)
	if err != nil {
		return nil, commons.NewConfigurationErrorf("invalid FEN %q: %v", fen, err)
	}

	game := chess.NewGame(option)
	return game.Position(), nil
}

// ParseEvaluation builds the evaluation of the position from engine output lines
func ParseEvaluation(fen string, lines []string) (*PositionEval, error) {
	position, err := newPosition(fen)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse evaluation: %w", err)
	}

	whiteToPlay := position.Turn() == chess.White

	byMultiPV := map[int]LineEval{}
	bestMove := ""

	for _, line := range lines {
		if strings.HasPrefix(line, markerBestMove) {
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[1] != "(none)" {
				bestMove = fields[1]
			}
			continue
		}

		lineEval, ok := parseInfoLine(line)
		if !ok {
			continue
		}

		lineEval.FEN = fen
		if !whiteToPlay {
			if lineEval.CP != nil {
				cp := -*lineEval.CP
				lineEval.CP = &cp
			}
			if lineEval.Mate != nil {
				mate := -*lineEval.Mate
				lineEval.Mate = &mate
			}
		}

		byMultiPV[lineEval.MultiPV] = lineEval
	}

	eval := &PositionEval{
		FEN:      fen,
		BestMove: bestMove,
		Lines:    make([]LineEval, 0, len(byMultiPV)),
	}

	for _, lineEval := range byMultiPV {
		lineEval.SAN = pvToSAN(position, lineEval.PV)
		eval.Lines = append(eval.Lines, lineEval)
	}

	sort.Slice(eval.Lines, func(i int, j int) bool {
		return eval.Lines[i].MultiPV < eval.Lines[j].MultiPV
	})

	if len(eval.BestMove) == 0 && len(eval.Lines) > 0 && len(eval.Lines[0].PV) > 0 {
		eval.BestMove = eval.Lines[0].PV[0]
	}

	return eval, nil
}

// parseInfoLine parses an "info" line carrying a scored principal variation
func parseInfoLine(line string) (LineEval, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "info" {
		return LineEval{}, false
	}

	lineEval := LineEval{
		MultiPV: 1,
	}
	hasScore := false

	for idx := 1; idx < len(fields); idx++ {
		switch fields[idx] {
		case "depth":
			lineEval.Depth = atoiAt(fields, idx+1)
			idx++
		case "seldepth":
			lineEval.SelDepth = atoiAt(fields, idx+1)
			idx++
		case "multipv":
			lineEval.MultiPV = atoiAt(fields, idx+1)
			idx++
		case "nodes":
			lineEval.Nodes = int64(atoiAt(fields, idx+1))
			idx++
		case "nps":
			lineEval.NPS = int64(atoiAt(fields, idx+1))
			idx++
		case "time":
			lineEval.TimeMS = int64(atoiAt(fields, idx+1))
			idx++
		case "lowerbound", "upperbound":
			// bound scores are not final for this depth
			return LineEval{}, false
		case "score":
			if idx+2 >= len(fields) {
				return LineEval{}, false
			}
			value, err := strconv.Atoi(fields[idx+2])
			if err != nil {
				return LineEval{}, false
			}
			switch fields[idx+1] {
			case "cp":
				lineEval.CP = &value
				hasScore = true
			case "mate":
				lineEval.Mate = &value
				hasScore = true
			}
			idx += 2
		case "pv":
			lineEval.PV = append([]string{}, fields[idx+1:]...)
			idx = len(fields)
		}
	}

	if !hasScore || len(lineEval.PV) == 0 || lineEval.Depth == 0 {
		return LineEval{}, false
	}

	return lineEval, true
}

func atoiAt(fields []string, idx int) int {
	if idx >= len(fields) {
		return 0
	}

	value, err := strconv.Atoi(fields[idx])
	if err != nil {
		return 0
	}
	return value
}

// pvToSAN renders a UCI move sequence in SAN, stopping at the first illegal move
func pvToSAN(position *chess.Position, pv []string) []string {
	san := make([]string, 0, len(pv))
	current := position

	for _, uci := range pv {
		move, err := chess.UCINotation{}.Decode(current, uci)
		if err != nil {
			break
		}

		san = append(san, chess.AlgebraicNotation{}.Encode(current, move))
		current = current.Update(move)
	}

	return san
}
