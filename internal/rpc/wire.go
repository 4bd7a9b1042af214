// Package rpc exposes the driver's protocol surface over JSON-RPC 2.0.
//
// Variable-length payloads travel as (arena, slice list) pairs: the arena
// is base64 in JSON ([]byte's native encoding), slices are 0-indexed
// half-open byte ranges. Absent values are zero-length slices, never a
// separate null marker.
package rpc

import (
	"github.com/roach88/weft/internal/arena"
)

// Method names of the RPC surface. Store is client-streamed: a start
// request, continue requests carrying chunks, and a commit request whose
// response is the stream's only commit signal. Every method, abort
// included, is an ordinary request with a reply so per-message errors
// surface to the caller.
const (
	MethodStartSession  = "weft/startSession"
	MethodValidate      = "weft/validate"
	MethodApply         = "weft/apply"
	MethodFence         = "weft/fence"
	MethodLoad          = "weft/load"
	MethodStoreStart    = "weft/store.start"
	MethodStoreContinue = "weft/store.continue"
	MethodStoreCommit   = "weft/store.commit"
	MethodStoreAbort    = "weft/store.abort"
)

// JSON-RPC application error codes.
const (
	// CodeProtocolViolation covers malformed slices, mis-sequenced
	// streams, and selections not matching a prior apply. Never retried
	// blindly; the caller must correct its request.
	CodeProtocolViolation int32 = -33001
	// CodeSessionSuperseded is the fencing conflict: the session is a
	// zombie and must be re-established before any further store.
	CodeSessionSuperseded int32 = -33002
	// CodeUnknownHandle covers handles this driver never issued.
	CodeUnknownHandle int32 = -33003
)

type startSessionParams struct {
	Endpoint string `json:"endpoint"`
	Target   string `json:"target"`
	CallerID string `json:"caller_id"`
}

type startSessionResult struct {
	Handle string `json:"handle"`
}

type validateParams struct {
	Handle     string `json:"handle"`
	Collection []byte `json:"collection"`
}

type wireConstraint struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type validateResult struct {
	// Constraints maps field names to decisions. Fields absent from the
	// mapping are FIELD_FORBIDDEN; clients must not read absence as "no
	// opinion".
	Constraints map[string]wireConstraint `json:"constraints"`
}

type applyParams struct {
	Handle     string   `json:"handle"`
	Collection []byte   `json:"collection"`
	Fields     []string `json:"fields"`
	DryRun     bool     `json:"dry_run"`
}

type applyResult struct {
	// Action describes the DDL that ran (or would run, for a dry run).
	// Empty means no-op: the shape already matched.
	Action string `json:"action"`
}

type fenceParams struct {
	Handle           string `json:"handle"`
	DriverCheckpoint []byte `json:"driver_checkpoint,omitempty"`
}

type fenceResult struct {
	FlowCheckpoint []byte `json:"flow_checkpoint,omitempty"`
}

type loadParams struct {
	Handle string        `json:"handle"`
	Arena  []byte        `json:"arena,omitempty"`
	Keys   []arena.Slice `json:"keys"`
}

type loadResult struct {
	Arena       []byte        `json:"arena,omitempty"`
	Docs        []arena.Slice `json:"docs"`
	AlwaysEmpty bool          `json:"always_empty,omitempty"`
}

type storeStartParams struct {
	Handle         string   `json:"handle"`
	KeyFields      []string `json:"key_fields"`
	ValueFields    []string `json:"value_fields"`
	FlowCheckpoint []byte   `json:"flow_checkpoint,omitempty"`
}

type storeContinueParams struct {
	Handle string        `json:"handle"`
	Arena  []byte        `json:"arena,omitempty"`
	Keys   []arena.Slice `json:"keys"`
	Values []arena.Slice `json:"values"`
	Docs   []arena.Slice `json:"docs"`
	Exists []bool        `json:"exists"`
}

type storeCommitParams struct {
	Handle string `json:"handle"`
}

type storeCommitResult struct {
	DriverCheckpoint []byte `json:"driver_checkpoint"`
}

type storeAbortParams struct {
	Handle string `json:"handle"`
}
