package protocol

import (
	"encoding/json"
	"fmt"
)

// Header carries routing and status metadata for a frame.
type Header struct {
	Command    Command           `json:"cmd"`
	Code       OPStatus          `json:"code"`
	Desc       string            `json:"desc,omitempty"`
	Seq        string            `json:"seq,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewHeader builds a header for cmd with status and desc.
func NewHeader(cmd Command, status OPStatus, desc string, seq string) Header {
	if desc == "" {
		desc = status.Desc()
	}
	return Header{
		Command: cmd,
		Code:    status,
		Desc:    desc,
		Seq:     seq,
	}
}

// Property returns a header property or "".
func (h Header) Property(key string) string {
	if h.Properties == nil {
		return ""
	}
	return h.Properties[key]
}

// Package is one frame: a header plus an optional JSON body.
type Package struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewPackage builds a frame with body encoded as JSON. A nil body leaves the
// frame without one.
func NewPackage(header Header, body any) (Package, error) {
	pkg := Package{Header: header}
	if body == nil {
		return pkg, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Package{}, fmt.Errorf("encode %s body: %w", header.Command, err)
	}
	pkg.Body = raw
	return pkg, nil
}

// DecodeBody decodes the frame body into v.
func (p Package) DecodeBody(v any) error {
	if len(p.Body) == 0 {
		return fmt.Errorf("%s frame has no body", p.Header.Command)
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", p.Header.Command, err)
	}
	return nil
}

// String is used in log records.
func (p Package) String() string {
	return fmt.Sprintf("Package{cmd=%s,code=%d,seq=%s,bodyBytes=%d}", p.Header.Command, p.Header.Code, p.Header.Seq, len(p.Body))
}
