// Package catalog provides named code catalogs, primarily the error-code
// catalog consumed by validation and operator tooling.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCatalogNotFound is returned when no catalog is registered under a name.
var ErrCatalogNotFound = errors.New("asyncbus: catalog not found")

// Entry is one code with its human-readable description.
type Entry struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Service resolves a named catalog to its entries.
type Service interface {
	GetEntries(ctx context.Context, name string) ([]Entry, error)
}

// Registry is an in-memory Service. Registration usually happens once at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	catalogs map[string][]Entry
}

// NewRegistry builds a registry preloaded with the built-in error catalog.
func NewRegistry() *Registry {
	r := &Registry{catalogs: make(map[string][]Entry)}
	r.Register(ErrorsCatalogName, ErrorsCatalog())
	return r
}

// Register stores entries under name, replacing any previous registration.
// Entries are copied and sorted by code.
func (r *Registry) Register(name string, entries []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[name] = sorted
}

// GetEntries returns a copy of the named catalog's entries.
func (r *Registry) GetEntries(_ context.Context, name string) ([]Entry, error) {
	r.mu.RLock()
	entries, ok := r.catalogs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCatalogNotFound, name)
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Names returns the registered catalog names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.catalogs))
	for name := range r.catalogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrorsCatalogName is the name of the built-in error-code catalog.
const ErrorsCatalogName = "errors"

// ErrorsCatalog lists the engine's error codes. The codes appear in
// validation failures and operator-facing listings.
func ErrorsCatalog() []Entry {
	return []Entry{
		{Code: "E100", Description: "unspecified technical failure"},
		{Code: "E101", Description: "request validation failed"},
		{Code: "E102", Description: "business rule rejected the request"},
		{Code: "E103", Description: "downstream system unavailable, attempt will be retried"},
		{Code: "E104", Description: "retries exhausted, message needs operator attention"},
		{Code: "E105", Description: "duplicate correlation key, a message with this key is already in flight"},
		{Code: "E106", Description: "response received for an unknown correlation key"},
		{Code: "E107", Description: "response received after the message already settled"},
		{Code: "E108", Description: "message cancelled by operator or external system"},
		{Code: "E109", Description: "no response received within the configured response timeout"},
	}
}
