package harness

import (
	"errors"
	"fmt"
	"reflect"
	"unsafe"
)

var (
	ErrNoSuchField   = errors.New("no such field")
	ErrInvalidTarget = errors.New("target must be a non-nil pointer to a struct")
)

// SetFieldValue assigns value to the named field of the struct that target points to, whether or
// not the field is exported. A nil value assigns the field's zero value.
func SetFieldValue(target interface{}, fieldName string, value interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %T", ErrInvalidTarget, target)
	}
	field := v.Elem().FieldByName(fieldName)
	if !field.IsValid() {
		return fmt.Errorf("%w %q in %s", ErrNoSuchField, fieldName, v.Elem().Type())
	}
	newValue := reflect.Zero(field.Type())
	if value != nil {
		newValue = reflect.ValueOf(value)
		if !newValue.Type().AssignableTo(field.Type()) {
			return fmt.Errorf("cannot assign %s to field %q of type %s", newValue.Type(), fieldName, field.Type())
		}
	}
	if !field.CanSet() {
		field = reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem()
	}
	field.Set(newValue)
	return nil
}
