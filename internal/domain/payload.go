package domain

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// PayloadKind tags the recognized shapes of a loosely typed JSON blob.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadList
	PayloadObject
	PayloadNumber
	PayloadText
	PayloadBool
	// PayloadOpaque holds bytes that could not be decoded as JSON.
	PayloadOpaque
)

// Payload is a decoded association or metrics blob. Exactly one of the
// value fields is meaningful, selected by Kind; Raw keeps the source bytes.
type Payload struct {
	Kind   PayloadKind
	List   []Payload
	Fields map[string]Payload
	Number json.Number
	Text   string
	Bool   bool
	Raw    json.RawMessage
}

// ParsePayload never fails: undecodable input becomes PayloadOpaque.
func ParsePayload(data []byte) Payload {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Payload{Kind: PayloadEmpty}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Payload{Kind: PayloadOpaque, Raw: append(json.RawMessage(nil), trimmed...)}
	}
	p := PayloadFromValue(v)
	p.Raw = append(json.RawMessage(nil), trimmed...)
	return p
}

// PayloadFromValue converts a generic decoded value (encoding/json or yaml.v3 output).
func PayloadFromValue(v any) Payload {
	switch t := v.(type) {
	case nil:
		return Payload{Kind: PayloadEmpty}
	case []any:
		items := make([]Payload, 0, len(t))
		for _, item := range t {
			items = append(items, PayloadFromValue(item))
		}
		return Payload{Kind: PayloadList, List: items}
	case map[string]any:
		fields := make(map[string]Payload, len(t))
		for k, item := range t {
			fields[k] = PayloadFromValue(item)
		}
		return Payload{Kind: PayloadObject, Fields: fields}
	case json.Number:
		return Payload{Kind: PayloadNumber, Number: t}
	case float64:
		return Payload{Kind: PayloadNumber, Number: json.Number(formatFloat(t))}
	case int:
		return Payload{Kind: PayloadNumber, Number: json.Number(formatInt(int64(t)))}
	case int64:
		return Payload{Kind: PayloadNumber, Number: json.Number(formatInt(t))}
	case string:
		return Payload{Kind: PayloadText, Text: t}
	case bool:
		return Payload{Kind: PayloadBool, Bool: t}
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return Payload{Kind: PayloadOpaque}
		}
		return ParsePayload(data)
	}
}

// IsEmpty reports whether the payload carries nothing.
func (p Payload) IsEmpty() bool {
	return p.Kind == PayloadEmpty
}

// Value returns the payload as a generic tree suitable for re-encoding.
// Opaque payloads are returned as their raw text.
func (p Payload) Value() any {
	switch p.Kind {
	case PayloadList:
		out := make([]any, 0, len(p.List))
		for _, item := range p.List {
			out = append(out, item.Value())
		}
		return out
	case PayloadObject:
		out := make(map[string]any, len(p.Fields))
		for k, item := range p.Fields {
			out[k] = item.Value()
		}
		return out
	case PayloadNumber:
		return p.Number
	case PayloadText:
		return p.Text
	case PayloadBool:
		return p.Bool
	case PayloadOpaque:
		return string(p.Raw)
	default:
		return nil
	}
}

// Keys returns object member names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Kind == PayloadOpaque {
		return json.Marshal(string(p.Raw))
	}
	return json.Marshal(p.Value())
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = ParsePayload(data)
	return nil
}

// String renders the payload as compact JSON for storage.
func (p Payload) String() string {
	if p.Kind == PayloadEmpty {
		return ""
	}
	if len(p.Raw) > 0 {
		return string(p.Raw)
	}
	data, err := json.Marshal(p.Value())
	if err != nil {
		return ""
	}
	return string(data)
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return strings.TrimSpace(string(b))
}

func formatInt(i int64) string {
	b, _ := json.Marshal(i)
	return string(b)
}
