// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package comm

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/jllopis/kernos/pkg/errors"
)

// Handlers is a Handler over typed payloads. Incoming data decodes into
// Evt and requests into Req; replies encode from Rep. Decoding is strict:
// unknown fields make the payload malformed. A nil function leaves that
// message kind unhandled.
type Handlers[Evt, Req, Rep any] struct {
	OnData    func(ctx context.Context, ev Evt) error
	OnRequest func(ctx context.Context, req Req) (Rep, error)
}

var _ Handler = Handlers[struct{}, struct{}, struct{}]{}

func (h Handlers[Evt, Req, Rep]) HandleData(ctx context.Context, payload json.RawMessage) error {
	if h.OnData == nil {
		return nil
	}
	var ev Evt
	if err := DecodeStrict(payload, &ev); err != nil {
		return err
	}
	return h.OnData(ctx, ev)
}

func (h Handlers[Evt, Req, Rep]) HandleRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if h.OnRequest == nil {
		return nil, ErrUnhandled
	}
	var req Req
	if err := DecodeStrict(payload, &req); err != nil {
		return nil, err
	}
	rep, err := h.OnRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(rep)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "reply does not encode", err)
	}
	return out, nil
}

// DecodeStrict decodes payload into v and rejects unknown fields and
// trailing data. Failures match ErrMalformedPayload.
func DecodeStrict(payload json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return malformed(err, "does not match schema")
	}
	if dec.More() {
		return malformed(nil, "trailing data")
	}
	return nil
}

// malformed returns an error matching ErrMalformedPayload.
func malformed(cause error, reason string) *errors.KernelError {
	return errors.New(ErrMalformedPayload.Code, ErrMalformedPayload.Message, cause).WithContext("reason", reason)
}
