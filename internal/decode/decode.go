// Package decode turns shape response bodies into typed message batches.
//
// Column values arrive as Postgres text. A Parser holds the caster table;
// Compile binds it to a shape schema once, producing a Decoder that applies
// the right caster, array grammar and null check per column.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/shapesync/internal/protocol"
)

// Parser holds the caster table keyed by type name.
type Parser struct {
	casters map[string]Caster
}

// NewParser returns a Parser using the default casters with overrides
// applied on top. A nil override removes the caster for that type.
func NewParser(overrides map[string]Caster) *Parser {
	casters := DefaultCasters()
	for typ, c := range overrides {
		if c == nil {
			delete(casters, typ)
			continue
		}
		casters[typ] = c
	}
	return &Parser{casters: casters}
}

// nullSentinel is the text form of a null value.
const nullSentinel = "NULL"

type column struct {
	cast    Caster
	dims    int
	notNull bool
}

// Decoder decodes bodies for one schema.
type Decoder struct {
	columns map[string]column
}

// Compile resolves the caster for every column of schema. A nil schema
// yields a Decoder that passes every value through.
func (p *Parser) Compile(schema protocol.Schema) *Decoder {
	d := &Decoder{columns: make(map[string]column, len(schema))}
	for name, info := range schema {
		d.columns[name] = column{
			cast:    p.casters[info.Type],
			dims:    info.Dims,
			notNull: info.NotNull,
		}
	}
	return d
}

type wireMessage struct {
	Key     *string                    `json:"key"`
	Value   map[string]json.RawMessage `json:"value"`
	Headers protocol.Headers           `json:"headers"`
}

// Decode parses a JSON array of messages, preserving order. An empty body
// decodes to an empty batch.
func (d *Decoder) Decode(body []byte) ([]protocol.Message, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var raw []wireMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding message batch: %w", err)
	}

	batch := make([]protocol.Message, 0, len(raw))
	for i, m := range raw {
		msg, err := d.message(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

func (d *Decoder) message(m wireMessage) (protocol.Message, error) {
	if m.Key != nil {
		row, err := d.DecodeRow(m.Value)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", *m.Key, err)
		}
		op, _ := m.Headers["operation"].(string)
		return protocol.ChangeMessage{
			Key:       *m.Key,
			Value:     row,
			Operation: protocol.Operation(op),
			Headers:   m.Headers,
		}, nil
	}

	control, ok := m.Headers["control"].(string)
	if !ok {
		return nil, fmt.Errorf("message has neither key nor control header")
	}
	return protocol.ControlMessage{
		Control: protocol.Control(control),
		Headers: m.Headers,
	}, nil
}

// DecodeRow casts every value of a raw row.
func (d *Decoder) DecodeRow(value map[string]json.RawMessage) (protocol.Row, error) {
	if value == nil {
		return nil, nil
	}
	row := make(protocol.Row, len(value))
	for name, raw := range value {
		v, err := d.value(name, raw)
		if err != nil {
			return nil, err
		}
		row[name] = v
	}
	return row, nil
}

func (d *Decoder) value(name string, raw json.RawMessage) (any, error) {
	col, known := d.columns[name]

	trimmed := bytes.TrimSpace(raw)
	if isNull(trimmed) {
		if known && col.notNull {
			return nil, &NullValueError{Column: name}
		}
		return nil, nil
	}

	// Non-string JSON is already typed by the server.
	if trimmed[0] != '"' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		return v, nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("column %q: %w", name, err)
	}
	if !known {
		return s, nil
	}

	if col.dims > 0 {
		arr, err := parseArray(s, col.cast, col.notNull)
		if errors.Is(err, ErrNullNotAllowed) {
			return nil, &NullValueError{Column: name}
		}
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		return arr, nil
	}

	if col.cast == nil {
		return s, nil
	}
	v, err := col.cast(s)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", name, err)
	}
	return v, nil
}

// isNull reports whether raw is a JSON null or the quoted NULL sentinel.
func isNull(raw []byte) bool {
	return len(raw) == 0 ||
		bytes.Equal(raw, []byte("null")) ||
		bytes.Equal(raw, []byte(`"`+nullSentinel+`"`))
}
