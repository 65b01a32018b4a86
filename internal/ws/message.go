package ws

import (
	"encoding/json"

	"github.com/deepforums/internal/realtime"
)

type Op string

const (
	OpSet      Op = "set"
	OpUpdate   Op = "update"
	OpPush     Op = "push"
	OpGet      Op = "get"
	OpChildren Op = "children"
	OpRemove   Op = "remove"
	OpOnValue  Op = "on_value"
	OpOnChild  Op = "on_child"
	OpOff      Op = "off"
)

// Request is what a store client sends. ID correlates the result frame; Sub names a
// subscription chosen by the client and echoed on every event frame.
type Request struct {
	ID     uint64                     `json:"id"`
	Op     Op                         `json:"op"`
	Path   string                     `json:"path,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Query  *realtime.Query            `json:"query,omitempty"`
	Sub    uint64                     `json:"sub,omitempty"`
}

type FrameType string

const (
	FrameResult FrameType = "result"
	FrameError  FrameType = "error"
	FrameValue  FrameType = "value"
	FrameChild  FrameType = "child"
)

// Error codes carried on FrameError so the client can map them back to sentinel errors.
const (
	CodeInvalidPath = "invalid_path"
	CodeClosed      = "closed"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

// Frame is what the server sends: the result of one request or one subscription event.
type Frame struct {
	Type     FrameType           `json:"type"`
	ID       uint64              `json:"id,omitempty"`
	Sub      uint64              `json:"sub,omitempty"`
	Key      string              `json:"key,omitempty"`
	Snapshot *realtime.Snapshot  `json:"snapshot,omitempty"`
	Children []realtime.Snapshot `json:"children,omitempty"`
	Error    string              `json:"error,omitempty"`
	Code     string              `json:"code,omitempty"`
}
