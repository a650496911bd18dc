package metadata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/schaermu/b2sync/internal/content"
)

// Key identifies a handle binding. It is the typed form of the persisted
// "kind|handle" string and the value type of the reverse index.
type Key struct {
	Kind   content.Kind
	Handle string
}

// String returns the persisted form of the key.
func (k Key) String() string {
	return k.Kind.String() + "|" + k.Handle
}

// ParseKey parses a persisted "kind|handle" key. The kind may be a kind name
// or the numeric discriminant written by older workspaces.
func ParseKey(s string) (Key, error) {
	kindText, handle, ok := strings.Cut(s, "|")
	if !ok || handle == "" {
		return Key{}, fmt.Errorf("malformed handle key %q", s)
	}

	var kind content.Kind
	if n, err := strconv.Atoi(kindText); err == nil {
		kind = content.Kind(n)
		if !kind.Valid() {
			return Key{}, fmt.Errorf("handle key %q: %w: %d", s, content.ErrUnknownKind, n)
		}
	} else {
		kind, err = content.ParseKind(kindText)
		if err != nil {
			return Key{}, fmt.Errorf("handle key %q: %w", s, err)
		}
	}
	return Key{Kind: kind, Handle: handle}, nil
}

// Binding is one entry of the handle map.
type Binding struct {
	Key
	ID string
}
