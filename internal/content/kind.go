package content

import (
	"fmt"
	"strings"
)

// Kind identifies one of the three object kinds held by the remote store.
type Kind int

const (
	KindComponent  Kind = 1
	KindStyle      Kind = 2
	KindController Kind = 3
)

// Kinds lists every known kind in pull order.
var Kinds = []Kind{KindComponent, KindStyle, KindController}

// String returns the lower-case singular name used in handle keys and logs.
func (k Kind) String() string {
	switch k {
	case KindComponent:
		return "component"
	case KindStyle:
		return "style"
	case KindController:
		return "controller"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Plural returns the collection name used by the remote protocol and the local layout.
func (k Kind) Plural() string {
	return k.String() + "s"
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindComponent || k == KindStyle || k == KindController
}

// ParseKind accepts the singular or plural name of a kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "component", "components":
		return KindComponent, nil
	case "style", "styles":
		return KindStyle, nil
	case "controller", "controllers":
		return KindController, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
