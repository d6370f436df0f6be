package cloud

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/notnil/chess"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	chessDBStatusOK  string = "ok"
	scoreUnavailable string = "N/A"
	// responses are a few KB, anything larger is not a ChessDB answer
	responseSizeMax int64 = 4 * 1024 * 1024
)

type chessDBMove struct {
	UCI     string          `json:"uci"`
	SAN     string          `json:"san"`
	Score   json.RawMessage `json:"score"`
	Rank    json.RawMessage `json:"rank"`
	Note    string          `json:"note"`
	Winrate string          `json:"winrate"`
}

type chessDBQueryAllResponse struct {
	Status string        `json:"status"`
	Moves  []chessDBMove `json:"moves"`
}

type chessDBQueryPVResponse struct {
	Status string   `json:"status"`
	Score  int      `json:"score"`
	Depth  int      `json:"depth"`
	PV     []string `json:"pv"`
	PVSAN  []string `json:"pvSAN"`
}

type chessDBStatusResponse struct {
	Status string `json:"status"`
}

// ChessDBLookup queries a ChessDB style cloud database over HTTP
type ChessDBLookup struct {
	baseURL    string
	httpClient *http.Client
	// queued remembers recently queued positions
	queued *gocache.Cache
}

// NewChessDBLookup creates a lookup for the given base url, queue requests for a position are sent once per dedupe window
func NewChessDBLookup(baseURL string, timeout time.Duration, queueDedupeWindow time.Duration) *ChessDBLookup {
	return &ChessDBLookup{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		queued: gocache.New(queueDedupeWindow, queueDedupeWindow),
	}
}

// NewChessDBLookupFromConfig creates a lookup from cloud config
func NewChessDBLookupFromConfig(config *commons.CloudConfig) *ChessDBLookup {
	return NewChessDBLookup(config.BaseURL, time.Duration(config.Timeout), time.Duration(config.QueueDedupeWindow))
}

func (lookup *ChessDBLookup) makeURL(action string, fen string, extra ...string) string {
	query := url.Values{}
	query.Set("action", action)
	query.Set("board", fen)
	query.Set("json", "1")
	for i := 0; i+1 < len(extra); i += 2 {
		query.Set(extra[i], extra[i+1])
	}

	return lookup.baseURL + "?" + query.Encode()
}

func (lookup *ChessDBLookup) get(ctx context.Context, requestURL string, response interface{}) error {
	logger := log.WithFields(log.Fields{
		"package":  "cloud",
		"struct":   "ChessDBLookup",
		"function": "get",
	})

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return xerrors.Errorf("failed to make request %q: %w", requestURL, err)
	}

	logger.Debugf("GET %s", requestURL)

	httpResponse, err := lookup.httpClient.Do(request)
	if err != nil {
		return xerrors.Errorf("failed to request %q: %w", requestURL, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return xerrors.Errorf("request %q failed with http status %d", requestURL, httpResponse.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, responseSizeMax))
	if err != nil {
		return xerrors.Errorf("failed to read response of %q: %w", requestURL, err)
	}

	err = json.Unmarshal(body, response)
	if err != nil {
		return xerrors.Errorf("failed to decode response of %q: %w", requestURL, err)
	}
	return nil
}

// QueryAll returns ranked candidate moves. A position unknown to the database is queued for analysis.
func (lookup *ChessDBLookup) QueryAll(ctx context.Context, fen string) ([]Move, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cloud",
		"struct":   "ChessDBLookup",
		"function": "QueryAll",
	})

	whiteToMove, err := isWhiteToMove(fen)
	if err != nil {
		return nil, err
	}

	response := chessDBQueryAllResponse{}
	err = lookup.get(ctx, lookup.makeURL("queryall", fen), &response)
	if err != nil {
		return nil, err
	}

	if response.Status != chessDBStatusOK {
		queueErr := lookup.Queue(ctx, fen)
		if queueErr != nil {
			logger.Warnf("Failed to queue %q for analysis: %+v", fen, queueErr)
		}
		return nil, commons.NewCloudUnavailableError(fen, response.Status)
	}

	if len(response.Moves) == 0 {
		return nil, commons.NewCloudUnavailableError(fen, "no candidate moves")
	}

	moves := make([]Move, 0, len(response.Moves))
	for _, move := range response.Moves {
		moves = append(moves, Move{
			UCI:     orUnavailable(move.UCI),
			SAN:     orUnavailable(move.SAN),
			Score:   normalizeScore(move.Score, whiteToMove),
			Winrate: orUnavailable(move.Winrate),
			Rank:    rawToString(move.Rank),
			Note:    noteWord(move.Note),
		})
	}

	return moves, nil
}

// QueryPV returns the stable best line
func (lookup *ChessDBLookup) QueryPV(ctx context.Context, fen string) (*PV, error) {
	_, err := isWhiteToMove(fen)
	if err != nil {
		return nil, err
	}

	response := chessDBQueryPVResponse{}
	err = lookup.get(ctx, lookup.makeURL("querypv", fen, "stable", "1"), &response)
	if err != nil {
		return nil, err
	}

	if response.Status != chessDBStatusOK {
		return nil, commons.NewCloudUnavailableError(fen, response.Status)
	}

	pv := &PV{
		Score: response.Score,
		Depth: response.Depth,
		PV:    response.PV,
		PVSAN: response.PVSAN,
	}

	if pv.PV == nil {
		pv.PV = []string{}
	}
	if pv.PVSAN == nil {
		pv.PVSAN = []string{}
	}
	return pv, nil
}

// Queue requests deeper analysis, repeated requests within the dedupe window are skipped
func (lookup *ChessDBLookup) Queue(ctx context.Context, fen string) error {
	logger := log.WithFields(log.Fields{
		"package":  "cloud",
		"struct":   "ChessDBLookup",
		"function": "Queue",
	})

	_, err := isWhiteToMove(fen)
	if err != nil {
		return err
	}

	err = lookup.queued.Add(fen, true, gocache.DefaultExpiration)
	if err != nil {
		logger.Debugf("Position %q was queued recently, skipping", fen)
		return nil
	}

	response := chessDBStatusResponse{}
	err = lookup.get(ctx, lookup.makeURL("queue", fen), &response)
	if err != nil {
		lookup.queued.Delete(fen)
		return err
	}

	if response.Status != chessDBStatusOK {
		lookup.queued.Delete(fen)
		return xerrors.Errorf("failed to queue position %q: status %s", fen, response.Status)
	}

	logger.Debugf("Queued %q for analysis", fen)
	return nil
}

func isWhiteToMove(fen string) (bool, error) {
	if len(strings.TrimSpace(fen)) == 0 {
		return false, commons.NewConfigurationError("fen must be given")
	}

	option, err := chess.FEN(fen)
	if err != nil {
		return false, commons.NewConfigurationErrorf("invalid fen %q: %v", fen, err)
	}

	return chess.NewGame(option).Position().Turn() == chess.White, nil
}

// normalizeScore flips the score to White's side and scales centipawns to pawns
func normalizeScore(raw json.RawMessage, whiteToMove bool) string {
	score, err := strconv.ParseFloat(rawToString(raw), 64)
	if err != nil || math.IsNaN(score) {
		return scoreUnavailable
	}

	if !whiteToMove {
		score = -score
	}

	return strconv.FormatFloat(score/100, 'f', 2, 64)
}

// noteWord converts the leading note symbol, "! (28-00)" becomes "Best"
func noteWord(note string) string {
	symbol := ""
	fields := strings.Fields(note)
	if len(fields) > 0 {
		symbol = fields[0]
	}

	switch symbol {
	case "!":
		return "Best"
	case "*":
		return "Good"
	case "?":
		return "Bad"
	default:
		return "unknown"
	}
}

func rawToString(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func orUnavailable(value string) string {
	if len(value) == 0 {
		return scoreUnavailable
	}
	return value
}
