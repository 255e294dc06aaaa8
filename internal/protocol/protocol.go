// Defines the messages exchanged over the sync WebSocket.

// Package protocol defines the tagged JSON messages of the sync channel.
//
// Every frame is {"type": <MessageType>, "payload": {...}}. Server and client
// share these types; the Broadcast Bus carries encoded FIELD_UPDATED frames
// verbatim.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maruel/tablesync/internal/records"
)

// MessageType tags a frame.
type MessageType string

// Message types.
const (
	// Connected is sent by the server when a connection is registered.
	Connected MessageType = "CONNECTED"
	// FieldUpdate is a client's request to change one field of one record.
	FieldUpdate MessageType = "FIELD_UPDATE"
	// FieldUpdated confirms a persisted change; it is broadcast to everyone.
	FieldUpdated MessageType = "FIELD_UPDATED"
	// RecordUpdateError reports a failed mutation to the local clients.
	RecordUpdateError MessageType = "RECORD_UPDATE_ERROR"
	// Error reports a malformed frame to its sender.
	Error MessageType = "ERROR"
)

// ErrDecode wraps every failure to parse an inbound frame.
var ErrDecode = errors.New("malformed message")

// Message is the envelope of every frame.
type Message struct {
	Type    MessageType     `json:"type" jsonschema:"enum=CONNECTED,enum=FIELD_UPDATE,enum=FIELD_UPDATED,enum=RECORD_UPDATE_ERROR,enum=ERROR"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectedPayload is the payload of CONNECTED.
type ConnectedPayload struct {
	Message  string `json:"message"`
	Clients  int    `json:"clients,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// FieldUpdatePayload is the payload of FIELD_UPDATE.
type FieldUpdatePayload struct {
	RecordID  int64  `json:"recordId"`
	Field     string `json:"field"`
	Value     any    `json:"value"`
	RequestID string `json:"requestId,omitempty"`
}

// FieldUpdatedPayload is the payload of FIELD_UPDATED.
type FieldUpdatedPayload struct {
	Record    records.Record `json:"record"`
	Field     string         `json:"field"`
	Value     any            `json:"value"`
	RequestID string         `json:"requestId,omitempty"`
}

// RecordUpdateErrorPayload is the payload of RECORD_UPDATE_ERROR.
type RecordUpdateErrorPayload struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
	RecordID  int64  `json:"recordId,omitempty"`
	Field     string `json:"field,omitempty"`
}

// ErrorPayload is the payload of ERROR.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode builds a frame of type t around payload.
func Encode(t MessageType, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Message{Type: t, Payload: p})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(t MessageType, payload any) []byte {
	b, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses the envelope of a frame. The payload is left raw.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	return m, nil
}

// decodePayload unmarshals the payload object with numbers kept exact.
func (m Message) decodePayload() (map[string]json.RawMessage, error) {
	if len(m.Payload) == 0 || bytes.Equal(m.Payload, []byte("null")) {
		return nil, fmt.Errorf("%w: missing payload", ErrDecode)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrDecode, err)
	}
	return fields, nil
}

// FieldUpdate decodes a FIELD_UPDATE payload.
//
// recordId, field and value are required; value may be null but must be
// present.
func (m Message) FieldUpdate() (FieldUpdatePayload, error) {
	fields, err := m.decodePayload()
	if err != nil {
		return FieldUpdatePayload{}, err
	}
	var p FieldUpdatePayload
	rawID, ok := fields["recordId"]
	if !ok {
		return p, fmt.Errorf("%w: missing recordId", ErrDecode)
	}
	if err := json.Unmarshal(rawID, &p.RecordID); err != nil || p.RecordID <= 0 {
		return p, fmt.Errorf("%w: recordId must be a positive integer", ErrDecode)
	}
	if err := json.Unmarshal(fields["field"], &p.Field); err != nil || p.Field == "" {
		return p, fmt.Errorf("%w: missing field", ErrDecode)
	}
	rawValue, ok := fields["value"]
	if !ok {
		return p, fmt.Errorf("%w: missing value", ErrDecode)
	}
	if p.Value, err = DecodeValue(rawValue); err != nil {
		return p, err
	}
	if rawReq, ok := fields["requestId"]; ok {
		if err := json.Unmarshal(rawReq, &p.RequestID); err != nil {
			return p, fmt.Errorf("%w: requestId must be a string", ErrDecode)
		}
	}
	return p, nil
}

// FieldUpdated decodes a FIELD_UPDATED payload.
func (m Message) FieldUpdated() (FieldUpdatedPayload, error) {
	fields, err := m.decodePayload()
	if err != nil {
		return FieldUpdatedPayload{}, err
	}
	var p FieldUpdatedPayload
	if err := json.Unmarshal(fields["record"], &p.Record); err != nil {
		return p, fmt.Errorf("%w: record: %w", ErrDecode, err)
	}
	if err := json.Unmarshal(fields["field"], &p.Field); err != nil || p.Field == "" {
		return p, fmt.Errorf("%w: missing field", ErrDecode)
	}
	if rawValue, ok := fields["value"]; ok {
		if p.Value, err = DecodeValue(rawValue); err != nil {
			return p, err
		}
	} else {
		p.Value, _ = p.Record.Get(p.Field)
	}
	if rawReq, ok := fields["requestId"]; ok {
		_ = json.Unmarshal(rawReq, &p.RequestID)
	}
	return p, nil
}

// RecordUpdateError decodes a RECORD_UPDATE_ERROR payload.
func (m Message) RecordUpdateError() (RecordUpdateErrorPayload, error) {
	var p RecordUpdateErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return p, nil
}

// ErrorMessage decodes an ERROR payload.
func (m Message) ErrorMessage() (ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return p, nil
}

// Connected decodes a CONNECTED payload.
func (m Message) Connected() (ConnectedPayload, error) {
	var p ConnectedPayload
	if len(m.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return p, nil
}

// DecodeValue unmarshals a JSON value; integral numbers become int64 and
// other numbers float64, matching records.Record decoding.
func DecodeValue(raw json.RawMessage) (any, error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: value: %w", ErrDecode, err)
	}
	return records.NormalizeNumber(v), nil
}
