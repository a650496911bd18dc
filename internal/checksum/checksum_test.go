package checksum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/b2sync/internal/content"
)

func component() *content.Component {
	return &content.Component{
		Meta:     content.Meta{ID: "1", Handle: "home", Revision: "3"},
		Template: "<h1>{{title}}</h1>",
		Style:    "h1 { color: red; }",
		ComponentOptions: content.ComponentOptions{
			Path:           "/home",
			ControllerID:   "42",
			OverrideParams: map[string]string{"a": "1", "b": "2", "c": "3"},
		},
	}
}

func controller() *content.Controller {
	return &content.Controller{
		Meta:   content.Meta{ID: "9", Handle: "api", Revision: "1"},
		Script: "module.exports = () => 1",
		ControllerOptions: content.ControllerOptions{
			DefaultParams: map[string]string{"limit": "10", "offset": "0"},
			DefaultQuery:  map[string]string{"q": ""},
			DefaultPath:   "/api",
			Description:   "api",
			Exported:      true,
			Middleware:    []string{"auth"},
			Methods:       []string{"GET", "POST"},
		},
	}
}

func TestOfIsStableAcrossEncodeDecode(t *testing.T) {
	for _, obj := range []content.Object{
		component(),
		&content.Style{Meta: content.Meta{ID: "2", Handle: "base"}, Content: "body{}"},
		controller(),
	} {
		want, err := Of(obj)
		require.NoError(t, err)

		data, err := json.Marshal(obj)
		require.NoError(t, err)
		back, err := content.Decode(obj.Kind(), data)
		require.NoError(t, err)

		got, err := Of(back)
		require.NoError(t, err)
		require.Equal(t, want, got, obj.Kind().String())
	}
}

func TestOfIgnoresIdentityAndMapOrder(t *testing.T) {
	a := component()
	want, err := Of(a)
	require.NoError(t, err)

	// Same options decoded from JSON with a different key order.
	b, err := content.Decode(content.KindComponent, []byte(`{
		"override_params": {"c": "3", "a": "1", "b": "2"},
		"controller_id": "42",
		"path": "/home",
		"style": "h1 { color: red; }",
		"content": "<h1>{{title}}</h1>",
		"handle": "renamed", "id": "77", "revision": "99"
	}`))
	require.NoError(t, err)

	got, err := Of(b)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestOfDetectsContentChanges(t *testing.T) {
	base, err := Of(controller())
	require.NoError(t, err)

	for name, mutate := range map[string]func(c *content.Controller){
		"script":      func(c *content.Controller) { c.Script += ";" },
		"methods":     func(c *content.Controller) { c.Methods = []string{"GET"} },
		"exported":    func(c *content.Controller) { c.Exported = false },
		"query":       func(c *content.Controller) { c.DefaultQuery["q"] = "x" },
		"description": func(c *content.Controller) { c.Description = "other" },
	} {
		c := controller()
		mutate(c)
		got, err := Of(c)
		require.NoError(t, err)
		require.NotEqual(t, base, got, name)
	}
}

func TestOfEmptyMapsMatchMissing(t *testing.T) {
	a := component()
	a.OverrideParams = map[string]string{}
	b := component()
	b.OverrideParams = nil

	sa, err := Of(a)
	require.NoError(t, err)
	sb, err := Of(b)
	require.NoError(t, err)
	require.Equal(t, sa, sb)
}

func TestOfPartBoundaries(t *testing.T) {
	a := component()
	a.Template, a.Style = "ab", "c"
	b := component()
	b.Template, b.Style = "a", "bc"

	sa, err := Of(a)
	require.NoError(t, err)
	sb, err := Of(b)
	require.NoError(t, err)
	require.NotEqual(t, sa, sb)
}

type bogus struct{ content.Meta }

func (*bogus) Kind() content.Kind    { return content.Kind(12) }
func (b *bogus) Base() *content.Meta { return &b.Meta }

func TestOfUnknownKind(t *testing.T) {
	_, err := Of(&bogus{})
	require.ErrorIs(t, err, content.ErrUnknownKind)
}

func TestCanonical(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": map[string]any{"y": []any{1.0, "<x>"}, "x": true}})
	require.NoError(t, err)
	require.Equal(t, `{"a":{"x":true,"y":[1,"<x>"]},"b":1}`, string(a))

	var fromText any
	require.NoError(t, json.Unmarshal([]byte(`{"a": {"y": [1.0, "<x>"], "x": true}, "b": 1.000}`), &fromText))
	b, err := Canonical(fromText)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
