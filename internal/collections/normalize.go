package collections

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// object is a loosely-typed JSON object as stored by older console builds.
type object map[string]json.RawMessage

// asObject decodes raw as an object, or returns nil.
func asObject(raw json.RawMessage) object {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil
	}
	return o
}

// asArray decodes raw as an array, or returns nil.
func asArray(raw json.RawMessage) []json.RawMessage {
	var a []json.RawMessage
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	return a
}

// asString decodes a JSON string or number into its text form.
func asString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), true
	}
	return "", false
}

// str returns the first of keys holding a string or number.
func (o object) str(keys ...string) string {
	for _, k := range keys {
		if raw, ok := o[k]; ok {
			if s, ok := asString(raw); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// strs returns the first of keys holding an array of strings.
func (o object) strs(keys ...string) []string {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		var out []string
		for _, item := range asArray(raw) {
			if s, ok := asString(item); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// when returns the first of keys holding an RFC 3339 string or a Unix
// millisecond timestamp.
func (o object) when(keys ...string) time.Time {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		s, ok := asString(raw)
		if !ok || s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}

// whenPtr is when for optional timestamps.
func (o object) whenPtr(keys ...string) *time.Time {
	t := o.when(keys...)
	if t.IsZero() {
		return nil
	}
	return &t
}

// byArea decodes raw as an object keyed by area, skipping blank areas.
func byArea(raw json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for area, v := range asObject(raw) {
		area = strings.TrimSpace(area)
		if area == "" {
			continue
		}
		out[area] = v
	}
	return out
}

// listItems treats raw as a list of items: an array yields its elements,
// and any other single value is a one-item list.
func listItems(raw json.RawMessage) []json.RawMessage {
	if a := asArray(raw); a != nil {
		return a
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return []json.RawMessage{raw}
}
