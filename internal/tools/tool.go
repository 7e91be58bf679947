// Package tools holds the tool catalog the retriever indexes, MCP discovery
// that fills it and the access control that filters it per user.
package tools

import (
	"sort"
	"strings"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// Descriptor is one tool exposed by an MCP server.
type Descriptor struct {
	Name        string         `json:"name"`
	ServerName  string         `json:"server_name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Embedding   []float32      `json:"-"`
	AdminOnly   bool           `json:"admin_only"`
}

// Text is what gets embedded for semantic search.
func (d Descriptor) Text() string {
	name := strings.ReplaceAll(d.Name, "_", " ")
	if d.Description == "" {
		return name
	}
	return name + ": " + d.Description
}

// Tool converts the descriptor for a provider call.
func (d Descriptor) Tool() model.Tool {
	return model.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Set is a set of tool names.
type Set map[string]struct{}

// NewSet creates a set from names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of names.
func (s Set) Len() int { return len(s) }

// Names returns the names sorted.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
