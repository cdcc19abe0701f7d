// Package routing resolves logical destinations to endpoint addresses.
//
// A Resolver is built once from an explicit Config and is read-only afterwards, so it
// can be shared by any number of goroutines without locking.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/mmate-bus/contracts"
)

// Config holds the static routing tables of an endpoint
type Config struct {
	// LocalAddress is this endpoint's input queue.
	LocalAddress string `toml:"local_address"`
	// Endpoints maps logical endpoint names to addresses.
	Endpoints map[string]string `toml:"endpoints"`
	// MessageRoutes maps message type names, or dotted prefixes ending in ".*",
	// to an endpoint name or address.
	MessageRoutes map[string]string `toml:"message_routes"`
	// Sites maps remote site keys to gateway addresses.
	Sites map[string]string `toml:"sites"`
}

type prefixRoute struct {
	prefix  string
	address contracts.Address
}

// Resolver maps destination hints to addresses
type Resolver struct {
	local     contracts.Address
	endpoints map[string]contracts.Address
	types     map[string]contracts.Address
	prefixes  []prefixRoute
	sites     map[string]contracts.Address
}

// NewResolver validates cfg and builds the lookup tables
func NewResolver(cfg Config) (*Resolver, error) {
	local, err := contracts.ParseAddress(cfg.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("local address: %w", err)
	}

	r := &Resolver{
		local:     local,
		endpoints: make(map[string]contracts.Address, len(cfg.Endpoints)),
		types:     make(map[string]contracts.Address),
		sites:     make(map[string]contracts.Address, len(cfg.Sites)),
	}

	for name, raw := range cfg.Endpoints {
		addr, err := contracts.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		r.endpoints[normalizeName(name)] = addr
	}

	for key, target := range cfg.MessageRoutes {
		addr, err := r.lookup(target)
		if err != nil {
			return nil, fmt.Errorf("message route %s: %w", key, err)
		}
		if prefix, ok := strings.CutSuffix(key, "*"); ok {
			r.prefixes = append(r.prefixes, prefixRoute{prefix: prefix, address: addr})
			continue
		}
		r.types[key] = addr
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})

	for key, raw := range cfg.Sites {
		addr, err := contracts.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", key, err)
		}
		r.sites[key] = addr
	}

	return r, nil
}

// Local returns the address of this endpoint
func (r *Resolver) Local() contracts.Address {
	return r.local
}

// Resolve maps a logical endpoint name or an explicit address string to an address
func (r *Resolver) Resolve(hint string) (contracts.Address, error) {
	return r.lookup(hint)
}

func (r *Resolver) lookup(hint string) (contracts.Address, error) {
	if addr, ok := r.endpoints[normalizeName(hint)]; ok {
		return addr, nil
	}
	return contracts.ParseAddress(hint)
}

// ResolveType returns the destination configured for the first of typeNames that has
// a route. Callers pass a concrete type name followed by its supertypes.
func (r *Resolver) ResolveType(typeNames ...string) (contracts.Address, error) {
	for _, name := range typeNames {
		if addr, ok := r.types[name]; ok {
			return addr, nil
		}
		for _, route := range r.prefixes {
			if strings.HasPrefix(name, route.prefix) {
				return route.address, nil
			}
		}
	}
	return contracts.Address{}, fmt.Errorf("%w: no route for message type %s", contracts.ErrUnresolvableDestination, strings.Join(typeNames, ", "))
}

// ResolveSite returns the gateway address for a site key
func (r *Resolver) ResolveSite(key string) (contracts.Address, error) {
	addr, ok := r.sites[key]
	if !ok {
		return contracts.Address{}, fmt.Errorf("%w: unknown site %q", contracts.ErrUnresolvableDestination, key)
	}
	return addr, nil
}

// Sites returns the configured site keys, sorted
func (r *Resolver) Sites() []string {
	keys := make([]string, 0, len(r.sites))
	for k := range r.sites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
