package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind identifies what an envelope carries.
type Kind string

// Event kinds
const (
	KindNewBlock              Kind = "NEW_BLOCK"
	KindEntityBound           Kind = "ENTITY_BOUND"
	KindTokenIssued           Kind = "TOKEN_ISSUED"
	KindTokenTransferred      Kind = "TOKEN_TRANSFERRED"
	KindSaleParametersChanged Kind = "SALE_PARAMETERS_CHANGED"
	KindTokenConsumed         Kind = "TOKEN_CONSUMED"
)

// DomainKinds lists the log-backed kinds in the order the reconciler replays them.
// Bindings come first so later kinds can resolve a contract to its entity.
var DomainKinds = []Kind{
	KindEntityBound,
	KindTokenIssued,
	KindTokenTransferred,
	KindSaleParametersChanged,
	KindTokenConsumed,
}

var kindNames = map[Kind]string{
	KindNewBlock:              "new_block",
	KindEntityBound:           "entity_bound",
	KindTokenIssued:           "token_issued",
	KindTokenTransferred:      "token_transferred",
	KindSaleParametersChanged: "sale_parameters_changed",
	KindTokenConsumed:         "token_consumed",
}

// ErrUnknownKind is returned when an envelope carries a kind this build does not know.
var ErrUnknownKind = errors.New("unknown event kind")

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MetricName returns the snake_case label used for metrics.
func (k Kind) MetricName() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Envelope is the queue message payload.
type Envelope struct {
	Kind  Kind            `json:"kind"`
	Data  json.RawMessage `json:"data"`
	Reorg bool            `json:"reorg"`
}

// BlockRef is the data of a NEW_BLOCK envelope.
type BlockRef struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

// NewBlockEnvelope wraps a header observation.
func NewBlockEnvelope(header *types.Header) (*Envelope, error) {
	if header == nil || header.Number == nil {
		return nil, errors.New("header without number")
	}
	data, err := json.Marshal(BlockRef{Number: header.Number.Uint64(), Hash: header.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal block ref: %w", err)
	}
	return &Envelope{Kind: KindNewBlock, Data: data}, nil
}

// NewLogEnvelope wraps a log observation. The reorg flag mirrors the log's removed flag.
func NewLogEnvelope(kind Kind, log types.Log) (*Envelope, error) {
	if kind == KindNewBlock || !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data, err := json.Marshal(&log)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log: %w", err)
	}
	return &Envelope{Kind: kind, Data: data, Reorg: log.Removed}, nil
}

// Decode parses a raw queue message.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshalling envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return &env, nil
}

// Block returns the block reference of a NEW_BLOCK envelope.
func (e *Envelope) Block() (BlockRef, error) {
	var ref BlockRef
	if e.Kind != KindNewBlock {
		return ref, fmt.Errorf("envelope kind %s carries no block", e.Kind)
	}
	if err := json.Unmarshal(e.Data, &ref); err != nil {
		return ref, fmt.Errorf("unmarshalling block ref: %w", err)
	}
	return ref, nil
}

// Log returns the ledger log of a domain envelope.
func (e *Envelope) Log() (types.Log, error) {
	var l types.Log
	if e.Kind == KindNewBlock {
		return l, errors.New("NEW_BLOCK envelope carries no log")
	}
	if err := json.Unmarshal(e.Data, &l); err != nil {
		return l, fmt.Errorf("unmarshalling log: %w", err)
	}
	return l, nil
}
