// Package codec contains the fixed-width key codec and the string value codec used by the
// client drivers.
package codec

import "fmt"

// Class names reported in client property maps. They name the codec pair a driver applies to
// keys and values; they are informational, since the Go drivers call the functions below directly.
const (
	IntegerSerializerClass   = "org.apache.kafka.common.serialization.IntegerSerializer"
	IntegerDeserializerClass = "org.apache.kafka.common.serialization.IntegerDeserializer"
	StringSerializerClass    = "org.apache.kafka.common.serialization.StringSerializer"
	StringDeserializerClass  = "org.apache.kafka.common.serialization.StringDeserializer"
)

const intSize = 4

// SerializationError reports a payload that cannot be decoded.
type SerializationError struct {
	Message string
}

func (e *SerializationError) Error() string {
	return e.Message
}

// SerializeInt encodes v as 4 big-endian bytes. A nil input yields nil.
func SerializeInt(v *int32) []byte {
	if v == nil {
		return nil
	}
	u := uint32(*v)
	return []byte{
		byte(u >> 24),
		byte(u >> 16),
		byte(u >> 8),
		byte(u),
	}
}

// DeserializeInt decodes a value produced by SerializeInt. A nil input yields nil with no error;
// any other length than 4 is a *SerializationError.
func DeserializeInt(data []byte) (*int32, error) {
	if data == nil {
		return nil, nil
	}
	if len(data) != intSize {
		return nil, &SerializationError{
			Message: fmt.Sprintf("size of data received by IntegerDeserializer is not %d (got %d)", intSize, len(data)),
		}
	}
	var value uint32
	for _, b := range data {
		value <<= 8
		value |= uint32(b)
	}
	ret := int32(value)
	return &ret, nil
}

// Int is a convenience for taking the address of a literal key.
func Int(v int32) *int32 {
	return &v
}

// SerializeString encodes s as UTF-8. A nil input yields nil.
func SerializeString(s *string) []byte {
	if s == nil {
		return nil
	}
	return []byte(*s)
}

// DeserializeString is the inverse of SerializeString.
func DeserializeString(data []byte) *string {
	if data == nil {
		return nil
	}
	s := string(data)
	return &s
}
