// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"fmt"
	"reflect"
)

// BadValueError is returned when a value fails type, range or choice
// validation, or when an entity is missing required values.
type BadValueError struct{ Msg string }

func (e *BadValueError) Error() string { return "ndb: " + e.Msg }

// BadArgumentError is returned for invalid call arguments, e.g. conflicting
// identity arguments to Kind.New.
type BadArgumentError struct{ Msg string }

func (e *BadArgumentError) Error() string { return "ndb: " + e.Msg }

// KindError is returned for unknown or malformed kinds, and for keys whose
// kind doesn't match the entity.
type KindError struct{ Msg string }

func (e *KindError) Error() string { return "ndb: " + e.Msg }

// InvalidPropertyError is returned when referencing an unknown or unindexed
// property in a projection or query context.
type InvalidPropertyError struct{ Msg string }

func (e *InvalidPropertyError) Error() string { return "ndb: " + e.Msg }

// UnprojectedPropertyError is returned when reading a property which is not
// part of the entity's projection.
type UnprojectedPropertyError struct{ Name string }

func (e *UnprojectedPropertyError) Error() string {
	return fmt.Sprintf("ndb: property %s is not in the projection", e.Name)
}

// ReadOnlyPropertyError is returned when mutating a projected entity or a
// computed property.
type ReadOnlyPropertyError struct {
	Msg string
	// Computed is set when the mutated property is a Computed property.
	Computed bool
}

func (e *ReadOnlyPropertyError) Error() string { return "ndb: " + e.Msg }

// NotImplementedError is returned for unsupported option combinations, e.g.
// a compressed and indexed property.
type NotImplementedError struct{ Msg string }

func (e *NotImplementedError) Error() string { return "ndb: not implemented: " + e.Msg }

// AttributeError is returned when accessing a name which isn't a property of
// the entity's kind.
type AttributeError struct {
	Kind string
	Name string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("ndb: kind %s has no attribute %s", e.Kind, e.Name)
}

// BadFilterError is returned by Property.Comparison for filters which can't
// be expressed.
type BadFilterError struct{ Msg string }

func (e *BadFilterError) Error() string { return "ndb: bad filter: " + e.Msg }

// ErrFieldMismatch is returned when a field is to be loaded into a different
// type than the one it was stored from, or when a field is missing or
// unexported in the destination struct.
type ErrFieldMismatch struct {
	StructType reflect.Type
	FieldName  string
	Reason     string
}

func (e *ErrFieldMismatch) Error() string {
	return fmt.Sprintf("ndb: cannot load field %q into a %q: %s",
		e.FieldName, e.StructType, e.Reason)
}

func badValuef(format string, args ...any) error {
	return &BadValueError{fmt.Sprintf(format, args...)}
}

func badArgf(format string, args ...any) error {
	return &BadArgumentError{fmt.Sprintf(format, args...)}
}

func badFilterf(format string, args ...any) error {
	return &BadFilterError{fmt.Sprintf(format, args...)}
}

func invalidPropf(format string, args ...any) error {
	return &InvalidPropertyError{fmt.Sprintf(format, args...)}
}
