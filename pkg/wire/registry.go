package wire

import (
	"fmt"
	"reflect"
)

// Registry is the single process-wide table of serializable application
// payload types. It replaces the message-board/TypeManager singleton
// pattern with one explicit value, constructed by its user and passed by
// reference to whatever packs or unpacks payloads with it, instead of
// relying on package-level registration side effects. Checkpoint records
// do not go through it: pkg/checkpoint stores payloads as JSON.
type Registry struct {
	types map[string]reflect.Type
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register associates name with the concrete type of zero, so that
// PackPayload/UnpackPayload can reconstruct values of that type across the
// wire. Registering the same name twice with a different type is a fatal
// configuration error, reported eagerly rather than at first decode.
func (r *Registry) Register(name string, zero any) {
	t := reflect.TypeOf(zero)
	if existing, ok := r.types[name]; ok && existing != t {
		panic(fmt.Sprintf("wire: payload type %q already registered as %s, cannot re-register as %s", name, existing, t))
	}
	r.types[name] = t
}

// taggedPayload carries the registered type name alongside the encoded
// bytes so UnpackPayload can look up the concrete type on the receiver,
// which may have registered types in a different order than the sender.
type taggedPayload struct {
	TypeName string
	Data     []byte
}

// PackPayload encodes a registered payload value for wire transport or
// checkpoint storage.
func (r *Registry) PackPayload(typeName string, payload any) ([]byte, error) {
	if _, ok := r.types[typeName]; !ok {
		return nil, fmt.Errorf("wire: payload type %q is not registered", typeName)
	}
	data, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return Marshal(taggedPayload{TypeName: typeName, Data: data})
}

// UnpackPayload decodes bytes produced by PackPayload into a freshly
// allocated value of the registered type, returned by value (not as a
// pointer).
func (r *Registry) UnpackPayload(data []byte) (any, error) {
	var tagged taggedPayload
	if err := Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("wire: decode tagged payload: %w", err)
	}
	t, ok := r.types[tagged.TypeName]
	if !ok {
		return nil, fmt.Errorf("wire: payload type %q is not registered on this process", tagged.TypeName)
	}
	out := reflect.New(t)
	if err := Unmarshal(tagged.Data, out.Interface()); err != nil {
		return nil, fmt.Errorf("wire: decode payload of type %q: %w", tagged.TypeName, err)
	}
	return out.Elem().Interface(), nil
}
