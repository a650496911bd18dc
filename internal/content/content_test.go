package content

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Kind
	}{
		{"component", KindComponent},
		{"Components", KindComponent},
		{"style", KindStyle},
		{" controllers ", KindController},
	} {
		got, err := ParseKind(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseKind("huz")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindText(t *testing.T) {
	data, err := json.Marshal(map[string]Kind{"k": KindController})
	require.NoError(t, err)
	require.JSONEq(t, `{"k":"controller"}`, string(data))

	var back map[string]Kind
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, KindController, back["k"])

	_, err = Kind(9).MarshalText()
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode(t *testing.T) {
	obj, err := Decode(KindComponent, []byte(`{
		"id": "123", "handle": "home", "revision": "4",
		"content": "<div/>", "style": ".a{}",
		"path": "/", "controller_id": "9", "override_params": {"x": "1"}
	}`))
	require.NoError(t, err)

	c, ok := obj.(*Component)
	require.True(t, ok)
	require.Equal(t, "123", c.ID)
	require.Equal(t, "home", c.Handle)
	require.Equal(t, "<div/>", c.Template)
	require.Equal(t, "/", c.Path)
	require.Equal(t, map[string]string{"x": "1"}, c.OverrideParams)

	_, err = Decode(Kind(7), []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Controller{
		Meta:   Meta{ID: "1", Handle: "api"},
		Script: "x",
		ControllerOptions: ControllerOptions{
			DefaultParams: map[string]string{"a": "1"},
			Methods:       []string{"GET"},
		},
	}
	cp := Clone(orig).(*Controller)
	cp.DefaultParams["a"] = "2"
	cp.Methods[0] = "POST"
	cp.Base().Handle = "other"

	require.Equal(t, "1", orig.DefaultParams["a"])
	require.Equal(t, "GET", orig.Methods[0])
	require.Equal(t, "api", orig.Handle)
}

func TestHandleCollisionError(t *testing.T) {
	err := error(&HandleCollisionError{Kind: KindComponent, Handle: "page2", ID: "77"})
	require.True(t, errors.Is(err, ErrHandleCollision))
	require.Contains(t, err.Error(), `component "page2" is already bound to id 77`)

	var hc *HandleCollisionError
	require.True(t, errors.As(fmtWrap(err), &hc))
	require.Equal(t, "77", hc.ID)
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("rename"), err)
}

func TestRevisionOf(t *testing.T) {
	require.Equal(t, "5", RevisionOf("12", "5"))
	require.Equal(t, "12", RevisionOf("12", ""))
}
