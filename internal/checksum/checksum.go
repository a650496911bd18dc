// Package checksum derives content digests for remote objects. A digest covers
// the primary content of an object plus a fixed allow-list of its options, so
// two objects with the same digest are content-equivalent even when their
// revisions differ.
package checksum

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/schaermu/b2sync/internal/content"
)

// componentOptions is the allow-list of component fields covered by the digest.
type componentOptions struct {
	Path           string            `json:"path"`
	ControllerID   string            `json:"controller_id,omitempty"`
	OverrideParams map[string]string `json:"override_params,omitempty"`
}

// controllerOptions is the allow-list of controller fields covered by the digest.
type controllerOptions struct {
	DefaultParams map[string]string `json:"default_params,omitempty"`
	DefaultQuery  map[string]string `json:"default_query,omitempty"`
	DefaultPath   string            `json:"default_path,omitempty"`
	Description   string            `json:"description,omitempty"`
	Exported      bool              `json:"exported,omitempty"`
	Middleware    []string          `json:"middleware,omitempty"`
	Methods       []string          `json:"methods,omitempty"`
}

// Of returns the hex encoded digest of obj.
func Of(obj content.Object) (string, error) {
	var parts [][]byte
	switch o := obj.(type) {
	case *content.Component:
		opts, err := Canonical(componentOptions{
			Path:           o.Path,
			ControllerID:   o.ControllerID,
			OverrideParams: nonEmpty(o.OverrideParams),
		})
		if err != nil {
			return "", err
		}
		parts = [][]byte{[]byte(o.Template), []byte(o.Style), opts}
	case *content.Style:
		parts = [][]byte{[]byte(o.Content)}
	case *content.Controller:
		opts, err := Canonical(controllerOptions{
			DefaultParams: nonEmpty(o.DefaultParams),
			DefaultQuery:  nonEmpty(o.DefaultQuery),
			DefaultPath:   o.DefaultPath,
			Description:   o.Description,
			Exported:      o.Exported,
			Middleware:    o.Middleware,
			Methods:       o.Methods,
		})
		if err != nil {
			return "", err
		}
		parts = [][]byte{[]byte(o.Script), opts}
	default:
		kind := "nil"
		if obj != nil {
			kind = obj.Kind().String()
		}
		return "", fmt.Errorf("%w: %s", content.ErrUnknownKind, kind)
	}
	return digest(parts), nil
}

// digest hashes length-prefixed parts so that part boundaries are unambiguous.
func digest(parts [][]byte) string {
	h := blake3.New()
	var prefix [binary.MaxVarintLen64]byte
	for _, p := range parts {
		n := binary.PutUvarint(prefix[:], uint64(len(p)))
		_, _ = h.Write(prefix[:n])
		_, _ = h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
