package container

import (
	"errors"
	"fmt"
	"sort"

	"github.com/schaermu/b2sync/internal/checksum"
	"github.com/schaermu/b2sync/internal/content"
)

// State is the local sync state of an object.
type State string

const (
	// StateLocalOnly: the object was never saved remotely.
	StateLocalOnly State = "local-only"
	// StateSynced: the local files match the last saved or pulled content.
	StateSynced State = "synced"
	// StateModified: the local files changed since the last save or pull.
	StateModified State = "modified"
	// StateMissing: the object is bound to an id but has no local files.
	StateMissing State = "missing"
)

// ObjectStatus is one line of Status.
type ObjectStatus struct {
	content.Ref
	State State
}

// Status reports the state of every local object and of every bound object
// whose files are gone. It never writes.
func (c *Container) Status() ([]ObjectStatus, error) {
	entries, err := c.layout.Discover()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []ObjectStatus
	for _, e := range entries {
		ref := c.Ref(e.Kind, e.Handle)
		if !ref.Saved() {
			out = append(out, ObjectStatus{Ref: ref, State: StateLocalOnly})
			continue
		}
		seen[ref.ID] = true

		obj, err := c.layout.Peek(e.Kind, e.Handle)
		if err != nil {
			return nil, err
		}
		sum, err := checksum.Of(obj)
		if err != nil {
			return nil, err
		}
		state := StateSynced
		if sum != ref.Checksum {
			state = StateModified
		}
		out = append(out, ObjectStatus{Ref: ref, State: state})
	}

	for _, kind := range content.Kinds {
		for _, b := range c.store.Bindings(kind) {
			if !seen[b.ID] {
				out = append(out, ObjectStatus{Ref: c.Ref(kind, b.Handle), State: StateMissing})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

// Page is a bound component served under a URL path.
type Page struct {
	Handle       string
	ID           string
	Path         string
	ControllerID string
}

// Pages lists the bound components that declare a page path, sorted by
// path.
func (c *Container) Pages() ([]Page, error) {
	var pages []Page
	for _, b := range c.store.Bindings(content.KindComponent) {
		obj, err := c.layout.Peek(content.KindComponent, b.Handle)
		if errors.Is(err, content.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read component %q: %w", b.Handle, err)
		}
		comp := obj.(*content.Component)
		if comp.Path == "" {
			continue
		}
		pages = append(pages, Page{
			Handle:       b.Handle,
			ID:           b.ID,
			Path:         comp.Path,
			ControllerID: comp.ControllerID,
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })
	return pages, nil
}
