// Package models provides the synchronizable data contract.
package models

import (
	"strings"
	"time"
)

// HTTPMethod enumerates the verbs the transport understands.
type HTTPMethod int

const (
	MethodGet HTTPMethod = iota
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
)

var methodNames = [...]string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// String returns the upper-case verb.
func (m HTTPMethod) String() string {
	if m < MethodGet || m > MethodDelete {
		return "UNKNOWN"
	}
	return methodNames[m]
}

// ParseMethod converts a verb name to an HTTPMethod.
func ParseMethod(s string) (HTTPMethod, bool) {
	for i, name := range methodNames {
		if strings.EqualFold(name, s) {
			return HTTPMethod(i), true
		}
	}
	return MethodGet, false
}

// RequestConfig overrides how a single request is issued.
type RequestConfig struct {
	// Path replaces the endpoint-derived path when set.
	Path            string
	Headers         map[string]string
	QueryParameters map[string]string
	Timeout         time.Duration
	// ResponseDataKey names the container key holding a list of records.
	ResponseDataKey string
}

// Clone returns a deep copy of the config. A nil config clones to nil.
func (c *RequestConfig) Clone() *RequestConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Headers = cloneStrings(c.Headers)
	out.QueryParameters = cloneStrings(c.QueryParameters)
	return &out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RequestConfigs is a per-method override table.
type RequestConfigs map[HTTPMethod]*RequestConfig

func (t RequestConfigs) clone() RequestConfigs {
	if t == nil {
		return nil
	}
	out := make(RequestConfigs, len(t))
	for m, c := range t {
		out[m] = c.Clone()
	}
	return out
}
