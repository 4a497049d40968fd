package protocol

import (
	"encoding/json"
	"fmt"
)

// Row is the materialized value of a single shape key.
type Row map[string]any

// Operation is the mutation carried by a change message.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Control is the signal carried by a control message.
type Control string

const (
	ControlUpToDate    Control = "up-to-date"
	ControlMustRefetch Control = "must-refetch"
)

// Headers is the raw headers object of a message. It is passed through
// decoding untouched.
type Headers map[string]any

// Message is either a ChangeMessage or a ControlMessage.
type Message interface {
	isMessage()
}

// ChangeMessage mutates the row identified by Key.
type ChangeMessage struct {
	Key       string
	Value     Row
	Operation Operation
	Headers   Headers
}

// ControlMessage is a protocol signal delivered inline with data.
type ControlMessage struct {
	Control Control
	Headers Headers
}

func (ChangeMessage) isMessage()  {}
func (ControlMessage) isMessage() {}

// IsUpToDate reports whether m is an up-to-date control message.
func IsUpToDate(m Message) bool {
	c, ok := m.(ControlMessage)
	return ok && c.Control == ControlUpToDate
}

// MarshalJSON renders the message in its wire form.
func (m ChangeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key     string  `json:"key"`
		Value   Row     `json:"value"`
		Headers Headers `json:"headers"`
	}{m.Key, m.Value, m.Headers})
}

// MarshalJSON renders the message in its wire form.
func (m ControlMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Headers Headers `json:"headers"`
	}{m.Headers})
}

// ColumnInfo describes a single column of the shape's schema.
type ColumnInfo struct {
	Type    string `json:"type"`
	Dims    int    `json:"dims,omitempty"`
	NotNull bool   `json:"not_null,omitempty"`

	MaxLength int `json:"max_length,omitempty"`
	Length    int `json:"length,omitempty"`
	Precision int `json:"precision,omitempty"`
	Scale     int `json:"scale,omitempty"`
}

// Schema maps column names to their type descriptors.
type Schema map[string]ColumnInfo

// ParseSchema decodes the value of the schema response header.
func ParseSchema(raw string) (Schema, error) {
	var s Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decoding schema header: %w", err)
	}
	return s, nil
}
