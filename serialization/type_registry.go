package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// TypeRegistry manages message type names, contracts and body encoding
type TypeRegistry struct {
	types     map[string]reflect.Type
	names     map[reflect.Type]string
	contracts map[string]reflect.Type
	hierarchy map[string][]string
	mu        sync.RWMutex
}

// NewTypeRegistry creates a registry with the built-in message types registered
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		types:     make(map[string]reflect.Type),
		names:     make(map[reflect.Type]string),
		contracts: make(map[string]reflect.Type),
		hierarchy: make(map[string][]string),
	}
	_ = r.Register(contracts.CompletionMessageType, contracts.CompletionMessage{})
	_ = r.Register(contracts.SubscriptionRequestType, contracts.SubscriptionRequest{})
	return r
}

// Register registers a concrete message type under a name.
// Registering the same type twice under the same name is a no-op.
func (r *TypeRegistry) Register(typeName string, msgType interface{}) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNameLocked(typeName, t); err != nil {
		return err
	}
	if existing, ok := r.names[t]; ok && existing != typeName {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	r.hierarchy = make(map[string][]string)
	return nil
}

// RegisterType registers a message type under its package-qualified Go name
func (r *TypeRegistry) RegisterType(msgType interface{}) error {
	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	if t.PkgPath() != "" {
		typeName = t.PkgPath() + "." + typeName
	}

	return r.Register(typeName, msgType)
}

// RegisterContract registers an interface type that message types may implement.
// Contracts can be subscribed to and handled but never instantiated.
func (r *TypeRegistry) RegisterContract(typeName string, contract reflect.Type) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if contract == nil || contract.Kind() != reflect.Interface {
		return fmt.Errorf("contract %s must be an interface type", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNameLocked(typeName, contract); err != nil {
		return err
	}

	r.contracts[typeName] = contract
	r.hierarchy = make(map[string][]string)
	return nil
}

// RegisterInterface registers the interface T as a contract
func RegisterInterface[T any](r *TypeRegistry, typeName string) error {
	return r.RegisterContract(typeName, reflect.TypeOf((*T)(nil)).Elem())
}

func (r *TypeRegistry) checkNameLocked(typeName string, t reflect.Type) error {
	if existing, ok := r.types[typeName]; ok && existing != t {
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}
	if existing, ok := r.contracts[typeName]; ok && existing != t {
		return fmt.Errorf("type name %s already registered to contract %v", typeName, existing)
	}
	return nil
}

// IsRegistered reports whether typeName names a message type or contract
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, isType := r.types[typeName]
	_, isContract := r.contracts[typeName]
	return isType || isContract
}

// NameOf returns the registered name of a message value
func (r *TypeRegistry) NameOf(msg interface{}) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[t]
	if !ok {
		return "", fmt.Errorf("%w: %v", contracts.ErrUnknownMessageType, t)
	}
	return name, nil
}

// NameOfType returns the name a struct type or contract interface is
// registered under. Pointer types resolve to their element type.
func (r *TypeRegistry) NameOfType(t reflect.Type) (string, error) {
	if t == nil {
		return "", fmt.Errorf("type cannot be nil")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.names[t]; ok {
		return name, nil
	}
	for name, contract := range r.contracts {
		if contract == t {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %v", contracts.ErrUnknownMessageType, t)
}

// New returns a pointer to a new zero value of the named message type
func (r *TypeRegistry) New(typeName string) (interface{}, error) {
	r.mu.RLock()
	t, ok := r.types[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownMessageType, typeName)
	}
	return reflect.New(t).Interface(), nil
}

// Types returns all registered message type and contract names, sorted
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types)+len(r.contracts))
	for name := range r.types {
		names = append(names, name)
	}
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hierarchy returns typeName followed by the names of every registered contract or
// embedded message type it satisfies. Unknown names yield just the name itself.
func (r *TypeRegistry) Hierarchy(typeName string) []string {
	r.mu.RLock()
	cached, ok := r.hierarchy[typeName]
	r.mu.RUnlock()
	if ok {
		return append([]string(nil), cached...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[typeName]
	if !ok {
		t, ok = r.contracts[typeName]
	}
	if !ok {
		return []string{typeName}
	}

	var supers []string
	for name, candidate := range r.types {
		if name != typeName && satisfies(t, candidate) {
			supers = append(supers, name)
		}
	}
	for name, candidate := range r.contracts {
		if name != typeName && satisfies(t, candidate) {
			supers = append(supers, name)
		}
	}
	sort.Strings(supers)

	result := append([]string{typeName}, supers...)
	r.hierarchy[typeName] = result
	return append([]string(nil), result...)
}

// satisfies reports whether values of t can be treated as super
func satisfies(t, super reflect.Type) bool {
	if t == super {
		return false
	}
	switch super.Kind() {
	case reflect.Interface:
		if t.Kind() == reflect.Interface {
			return t.Implements(super)
		}
		return t.Implements(super) || reflect.PointerTo(t).Implements(super)
	case reflect.Struct:
		return t.Kind() == reflect.Struct && embeds(t, super, 0)
	}
	return false
}

func embeds(t, super reflect.Type, depth int) bool {
	if depth > 8 {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.Anonymous {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft == super {
			return true
		}
		if ft.Kind() == reflect.Struct && embeds(ft, super, depth+1) {
			return true
		}
	}
	return false
}

// Encode returns the registered name and JSON body of a message
func (r *TypeRegistry) Encode(msg interface{}) (string, json.RawMessage, error) {
	typeName, err := r.NameOf(msg)
	if err != nil {
		return "", nil, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s: %w", typeName, err)
	}
	return typeName, body, nil
}

// Decode creates an instance of typeName and unmarshals body into it
func (r *TypeRegistry) Decode(typeName string, body json.RawMessage) (interface{}, error) {
	instance, err := r.New(typeName)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return instance, nil
	}
	if err := json.Unmarshal(body, instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into type %s: %w", typeName, err)
	}
	return instance, nil
}
