package squaresync

import (
	"bytes"
	"encoding/json"
	"strings"
)

// aliasResolver reads one logical field from an upstream JSON object that may
// carry it under more than one key (the API has renamed fields across
// versions). Aliases are tried in order; dotted aliases descend into nested
// objects.
type aliasResolver struct {
	fields map[string]json.RawMessage
}

func newAliasResolver(raw json.RawMessage) (*aliasResolver, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return &aliasResolver{fields: fields}, nil
}

func (r *aliasResolver) raw(aliases ...string) json.RawMessage {
	for _, alias := range aliases {
		if v, ok := r.lookup(alias); ok && len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	return nil
}

func (r *aliasResolver) str(aliases ...string) string {
	v := r.raw(aliases...)
	if v == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// number returns the field as a decimal string regardless of whether upstream
// sent it as a JSON number or a string. Large counters must not pass through
// float64.
func (r *aliasResolver) number(aliases ...string) string {
	v := r.raw(aliases...)
	if v == nil {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

func (r *aliasResolver) lookup(alias string) (json.RawMessage, bool) {
	parts := strings.Split(alias, ".")
	fields := r.fields
	for i, part := range parts {
		v, ok := fields[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		nested := map[string]json.RawMessage{}
		if err := json.Unmarshal(v, &nested); err != nil {
			return nil, false
		}
		fields = nested
	}
	return nil, false
}
