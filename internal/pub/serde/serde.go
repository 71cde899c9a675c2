// Package serde holds the stock key and value serializers.
package serde

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"kpub/internal/pub"
)

// ErrUnsupportedType is returned when a serializer cannot encode a value.
var ErrUnsupportedType = errors.New("unsupported type")

// Bytes passes []byte and string values through. nil stays nil so keyless
// records and tombstones survive serialization.
var Bytes = pub.SerializerFunc(func(topic string, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("%w: cannot serialize %T for topic %s as bytes", ErrUnsupportedType, v, topic)
	}
})

// String formats any value with fmt; nil stays nil.
var String = pub.SerializerFunc(func(_ string, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case fmt.Stringer:
		return []byte(t.String()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
})

// JSON encodes values with sonic. []byte values are assumed to be encoded
// already; nil stays nil.
var JSON = pub.SerializerFunc(func(topic string, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T for topic %s: %w", v, topic, err)
	}
	return data, nil
})

// Decode is the counterpart of JSON for readers of the produced records.
func Decode(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}
