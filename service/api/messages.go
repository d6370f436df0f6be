package api

import (
	"encoding/json"

	"github.com/chessdojo/enginepool/cache"
	"github.com/chessdojo/enginepool/cloud"
	"github.com/chessdojo/enginepool/engine"
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	CacheNameEval  string = "eval"
	CacheNameCloud string = "cloud"
)

// EvaluateRequest asks for an evaluation, zero values take the service defaults
type EvaluateRequest struct {
	FEN     string `json:"fen"`
	Engine  string `json:"engine,omitempty"`
	Depth   int    `json:"depth,omitempty"`
	Lines   int    `json:"lines,omitempty"`
	Threads int    `json:"threads,omitempty"`
	HashMB  int    `json:"hash_mb,omitempty"`
}

// EvaluateResponse is one streamed evaluation update, the last one has Partial unset
type EvaluateResponse struct {
	Partial bool                 `json:"partial"`
	Cached  bool                 `json:"cached,omitempty"`
	Eval    *engine.PositionEval `json:"eval,omitempty"`
}

// SetOptionRequest sets a global option of an engine pool
type SetOptionRequest struct {
	Engine string `json:"engine,omitempty"`
	Name   string `json:"name"`
	Value  int    `json:"value"`
}

// EngineRequest names an engine
type EngineRequest struct {
	Engine string `json:"engine,omitempty"`
}

// CloudLookupRequest asks the cloud database about a position
type CloudLookupRequest struct {
	FEN string `json:"fen"`
}

// CloudLookupResponse carries candidate moves and best line
type CloudLookupResponse struct {
	Moves []cloud.Move `json:"moves,omitempty"`
	PV    *cloud.PV    `json:"pv,omitempty"`
}

// CacheRequest names a cache, "eval" or "cloud"
type CacheRequest struct {
	Cache string `json:"cache"`
}

// CacheStatsResponse carries cache stats
type CacheStatsResponse struct {
	Stats *cache.Stats `json:"stats"`
}

// EngineInfo describes a configured engine and its pool
type EngineInfo struct {
	Name string           `json:"name"`
	Path string           `json:"path"`
	Stat *engine.PoolStat `json:"stat,omitempty"`
}

// EnginesResponse lists configured engines
type EnginesResponse struct {
	Engines []EngineInfo `json:"engines"`
}

// Empty is an empty message
type Empty struct{}

// ToStruct converts a message to a protobuf struct
func ToStruct(message interface{}) (*structpb.Struct, error) {
	jsonBytes, err := json.Marshal(message)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal message: %w", err)
	}

	fields := map[string]interface{}{}
	err = json.Unmarshal(jsonBytes, &fields)
	if err != nil {
		return nil, xerrors.Errorf("failed to convert message to fields: %w", err)
	}

	pbStruct, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, xerrors.Errorf("failed to make protobuf struct: %w", err)
	}
	return pbStruct, nil
}

// FromStruct converts a protobuf struct to the message
func FromStruct(pbStruct *structpb.Struct, message interface{}) error {
	if pbStruct == nil {
		pbStruct = &structpb.Struct{}
	}

	jsonBytes, err := json.Marshal(pbStruct.AsMap())
	if err != nil {
		return xerrors.Errorf("failed to marshal protobuf struct: %w", err)
	}

	err = json.Unmarshal(jsonBytes, message)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}
