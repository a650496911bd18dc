package content

import (
	"encoding/json"
	"fmt"
)

// Object is a content object of any kind.
type Object interface {
	Kind() Kind
	// Base returns the identity fields shared by every kind. The returned
	// pointer aliases the object so callers can rewrite id, handle or revision.
	Base() *Meta
}

// Meta holds the identity of an object. ID and Revision are assigned by the
// remote store and are empty for objects that only exist locally.
type Meta struct {
	ID       string `json:"id,omitempty"`
	Handle   string `json:"handle"`
	Revision string `json:"revision,omitempty"`
}

// Component is a page component: template markup, a nested stylesheet
// fragment and binding options.
type Component struct {
	Meta
	Template string `json:"content"`
	Style    string `json:"style"`
	ComponentOptions
}

// ComponentOptions are the allow-listed component options stored in the
// component's JSON sidecar.
type ComponentOptions struct {
	Path           string            `json:"path"`
	ControllerID   string            `json:"controller_id,omitempty"`
	OverrideParams map[string]string `json:"override_params,omitempty"`
}

// Style is a standalone stylesheet.
type Style struct {
	Meta
	Content string `json:"content"`
}

// Controller is a server-side request handler script and its options.
type Controller struct {
	Meta
	Script string `json:"script"`
	ControllerOptions
}

// ControllerOptions are the allow-listed request-handling options stored in
// the controller's JSON sidecar.
type ControllerOptions struct {
	DefaultParams map[string]string `json:"default_params,omitempty"`
	DefaultQuery  map[string]string `json:"default_query,omitempty"`
	DefaultPath   string            `json:"default_path"`
	Description   string            `json:"description"`
	Exported      bool              `json:"exported"`
	Middleware    []string          `json:"middleware,omitempty"`
	Methods       []string          `json:"methods"`
}

func (*Component) Kind() Kind  { return KindComponent }
func (*Style) Kind() Kind      { return KindStyle }
func (*Controller) Kind() Kind { return KindController }

func (c *Component) Base() *Meta  { return &c.Meta }
func (s *Style) Base() *Meta      { return &s.Meta }
func (c *Controller) Base() *Meta { return &c.Meta }

// New returns an empty object of the given kind.
func New(kind Kind) (Object, error) {
	switch kind {
	case KindComponent:
		return &Component{}, nil
	case KindStyle:
		return &Style{}, nil
	case KindController:
		return &Controller{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// Decode unmarshals the wire form of an object of the given kind.
func Decode(kind Kind, data []byte) (Object, error) {
	obj, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return obj, nil
}

// Clone returns a deep copy of obj.
func Clone(obj Object) Object {
	switch o := obj.(type) {
	case *Component:
		c := *o
		c.OverrideParams = cloneMap(o.OverrideParams)
		return &c
	case *Style:
		s := *o
		return &s
	case *Controller:
		c := *o
		c.DefaultParams = cloneMap(o.DefaultParams)
		c.DefaultQuery = cloneMap(o.DefaultQuery)
		c.Middleware = append([]string(nil), o.Middleware...)
		c.Methods = append([]string(nil), o.Methods...)
		return &c
	}
	return obj
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
