package cas

import (
	"fmt"
	"io"
	"reflect"

	"github.com/shamaton/msgpack/v2"
)

// TypedEntry wraps a Hashable with a type tag for deserialization
type TypedEntry struct {
	TypeTag string
	Data    []byte
}

func (t *TypedEntry) Serialize(w io.Writer) error {
	return msgpack.MarshalWrite(w, t)
}

func (t *TypedEntry) Deserialize(r io.Reader) error {
	return msgpack.UnmarshalRead(r, t)
}

// typeRegistry maps type tags to reflect.Type for deserialization
var typeRegistry = make(map[string]reflect.Type)

func registerType(tag string, example Hashable) {
	typeRegistry[tag] = reflect.TypeOf(example)
}

func init() {
	// Internal reference forms; artifacts themselves are registered so a
	// direct (non-decomposed) store round-trips too.
	registerType("ArtifactRef", &ArtifactRef{})
	registerType("NodeRef", &NodeRef{})
	registerType("TraceArtifact", &TraceArtifact{})

	// vm.Value payloads are not registered: they carry their own tags and
	// are handled by putValueDirect/decodeValue.
}

// getTypeTag returns the type tag for a given item
func getTypeTag(item Hashable) string {
	t := reflect.TypeOf(item)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	for tag, regType := range typeRegistry {
		checkType := regType
		if checkType.Kind() == reflect.Ptr {
			checkType = checkType.Elem()
		}
		if t == checkType {
			return tag
		}
	}
	return t.Name()
}

// createInstance creates a new instance of the registered type
func createInstance(tag string) (Hashable, error) {
	regType, ok := typeRegistry[tag]
	if !ok {
		return nil, fmt.Errorf("unknown type tag: %s", tag)
	}
	if regType.Kind() == reflect.Ptr {
		instance := reflect.New(regType.Elem()).Interface()
		return instance.(Hashable), nil
	}
	instance := reflect.New(regType).Interface()
	if h, ok := instance.(Hashable); ok {
		return h, nil
	}
	return nil, fmt.Errorf("type %s does not implement Hashable", tag)
}
