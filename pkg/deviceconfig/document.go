// Package deviceconfig edits the JSON configuration file stored on a device.
package deviceconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/jsonc"
)

// Document is a decoded configuration file. Numbers are kept as json.Number
// so values the tool never touches round-trip unchanged.
type Document map[string]interface{}

// ParseDocument decodes raw configuration bytes. Comments and trailing commas
// are tolerated; an empty input yields an empty document.
func ParseDocument(raw []byte) (Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Document{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode configuration: top level value is not an object")
	}
	return doc, nil
}

// Marshal encodes the document as compact JSON.
func (d Document) Marshal() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(d))
}

// Equal reports whether both documents hold the same values.
func (d Document) Equal(other Document) bool {
	if len(d) == 0 && len(other) == 0 {
		return true
	}
	return reflect.DeepEqual(d, other)
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(d)).(map[string]interface{})
}

// Get returns the value at a dotted path such as "os.network.connectivity".
func (d Document) Get(path string) (interface{}, bool) {
	keys, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(d)
	for _, key := range keys {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at a dotted path, creating intermediate objects. It fails
// when an intermediate key holds a non-object value.
func (d Document) Set(path string, value interface{}) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	obj := map[string]interface{}(d)
	for i, key := range keys[:len(keys)-1] {
		next, exists := obj[key]
		if !exists || next == nil {
			child := map[string]interface{}{}
			obj[key] = child
			obj = child
			continue
		}
		child, ok := asObject(next)
		if !ok {
			return fmt.Errorf("set %s: %s is not an object", path, strings.Join(keys[:i+1], "."))
		}
		obj = child
	}
	obj[keys[len(keys)-1]] = value
	return nil
}

// Delete removes the value at a dotted path and reports whether it existed.
// Missing keys are not an error.
func (d Document) Delete(path string) bool {
	keys, err := splitPath(path)
	if err != nil {
		return false
	}
	obj := map[string]interface{}(d)
	for _, key := range keys[:len(keys)-1] {
		child, ok := asObject(obj[key])
		if !ok {
			return false
		}
		obj = child
	}
	last := keys[len(keys)-1]
	if _, ok := obj[last]; !ok {
		return false
	}
	delete(obj, last)
	return true
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("configuration key must not be empty")
	}
	keys := strings.Split(path, ".")
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("configuration key %q has an empty segment", path)
		}
	}
	return keys, nil
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch obj := v.(type) {
	case map[string]interface{}:
		return obj, true
	case Document:
		return obj, true
	default:
		return nil, false
	}
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		return cloneValue(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
