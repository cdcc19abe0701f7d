package contracts

import (
	"fmt"
	"strings"
	"unicode"
)

// Address identifies an endpoint input queue, optionally qualified by machine
type Address struct {
	Queue   string
	Machine string
}

// ParseAddress parses "queue" or "queue@machine" into a normalised Address.
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrUnresolvableDestination)
	}
	if strings.IndexFunc(raw, unicode.IsSpace) >= 0 {
		return Address{}, fmt.Errorf("%w: address %q contains whitespace", ErrUnresolvableDestination, s)
	}

	parts := strings.Split(raw, "@")
	switch len(parts) {
	case 1:
		return Address{Queue: strings.ToLower(parts[0])}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Address{}, fmt.Errorf("%w: malformed address %q", ErrUnresolvableDestination, s)
		}
		return Address{Queue: strings.ToLower(parts[0]), Machine: strings.ToLower(parts[1])}, nil
	default:
		return Address{}, fmt.Errorf("%w: malformed address %q", ErrUnresolvableDestination, s)
	}
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the normalised form used for equality and wire headers
func (a Address) String() string {
	if a.Machine == "" {
		return a.Queue
	}
	return a.Queue + "@" + a.Machine
}

// IsZero reports whether the address is unset
func (a Address) IsZero() bool {
	return a.Queue == ""
}

// Equal compares two addresses by their normalised form
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(a.String(), other.String())
}
