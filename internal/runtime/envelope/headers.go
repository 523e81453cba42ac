package envelope

import (
	"slices"
	"sort"
	"strconv"
)

// Reserved header names. Adapters carry them across the wire as opaque strings.
const (
	HeaderMessageID      = "x-message-id"
	HeaderMessageType    = "x-message-type"
	HeaderChunkIndex     = "x-chunk-index"
	HeaderChunkCount     = "x-chunk-count"
	HeaderChunkLast      = "x-chunk-last"
	HeaderFailedAttempts = "x-failed-attempts"
	HeaderBatchID        = "x-batch-id"
	HeaderBatchSize      = "x-batch-size"
	HeaderSourceEndpoint = "x-source-endpoint"
	HeaderFailureReason  = "x-failure-reason"
	HeaderContentType    = "content-type"
)

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Duplicate names are allowed and lookups
// return the first match.
type Headers []Header

// Get returns the first value stored under name.
func (h Headers) Get(name string) (string, bool) {
	for _, header := range h {
		if header.Name == name {
			return header.Value, true
		}
	}
	return "", false
}

// Value returns the first value stored under name or an empty string.
func (h Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

func (h Headers) Contains(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Add appends a header even when the name is already present.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces the first header with the given name or appends a new one.
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if (*h)[i].Name == name {
			(*h)[i].Value = value
			return
		}
	}
	h.Add(name, value)
}

// AddIfNotExists appends the header only when name is absent and reports
// whether it was added.
func (h *Headers) AddIfNotExists(name, value string) bool {
	if h.Contains(name) {
		return false
	}
	h.Add(name, value)
	return true
}

// Remove drops every header with the given name.
func (h *Headers) Remove(name string) {
	*h = slices.DeleteFunc(*h, func(header Header) bool { return header.Name == name })
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return slices.Clone(h)
}

// Int parses the first value under name. present is false when the header is missing.
func (h Headers) Int(name string) (value int, present bool, err error) {
	raw, ok := h.Get(name)
	if !ok {
		return 0, false, nil
	}
	value, err = strconv.Atoi(raw)
	return value, true, err
}

// Bool parses the first value under name. present is false when the header is missing.
func (h Headers) Bool(name string) (value bool, present bool, err error) {
	raw, ok := h.Get(name)
	if !ok {
		return false, false, nil
	}
	value, err = strconv.ParseBool(raw)
	return value, true, err
}

// FromMap builds headers from a map using sorted keys so the result is stable.
func FromMap(m map[string]string) Headers {
	if len(m) == 0 {
		return Headers{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make(Headers, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, Header{Name: k, Value: m[k]})
	}
	return headers
}

// ToMap collapses the headers into a map. The first value of a duplicated name wins.
func (h Headers) ToMap() map[string]string {
	m := make(map[string]string, len(h))
	for _, header := range h {
		if _, exists := m[header.Name]; !exists {
			m[header.Name] = header.Value
		}
	}
	return m
}

// New constructs headers from alternating name/value pairs.
func New(pairs ...string) Headers {
	headers := make(Headers, 0, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		headers = append(headers, Header{Name: pairs[i], Value: pairs[i+1]})
	}
	return headers
}
