package validator

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrMissingDependency = errors.New("missing required deps")

// Validate fails when any of deps is nil. Values of non-nillable kinds, such
// as empty structs implementing an interface, always pass.
func Validate(name string, deps ...any) error {
	for i, dep := range deps {
		if isNil(dep) {
			return fmt.Errorf("%w for component: %s (argument %d)", ErrMissingDependency, name, i)
		}
	}

	return nil
}

func isNil(dep any) bool {
	if dep == nil {
		return true
	}

	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
