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

	"github.com/google/go-cmp/cmp"
)

// baseValue marks a value stored in an entity as being in storage form.
//
// It never wraps nil or a list; repeated values are wrapped element-wise.
type baseValue struct {
	v any
}

func wrapBase(v any) baseValue {
	if v == nil {
		panic("impossible: wrapping nil in a baseValue")
	}
	if _, isList := v.([]any); isList {
		panic(fmt.Sprintf("impossible: wrapping a list in a baseValue: %v", v))
	}
	return baseValue{v}
}

func (b baseValue) String() string { return fmt.Sprintf("baseValue(%#v)", b.v) }

// compressedValue holds zlib-compressed bytes of a blob value.
type compressedValue struct {
	z []byte
}

func (c compressedValue) String() string { return fmt.Sprintf("compressedValue(%d bytes)", len(c.z)) }

// User values may be arbitrary structs decoded by JSON or Msgpack
// properties, so unexported fields of every type are compared too.
var cmpOpts = []cmp.Option{
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// valuesEqual compares two user values.
//
// Entities and keys are compared with their Equal methods.
func valuesEqual(a, b any) bool {
	return cmp.Equal(a, b, cmpOpts...)
}

// asList converts a Go slice or array into []any.
//
// []byte and strings are not lists.
func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return append([]any(nil), x...), true
	case []byte, string, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if k := rv.Kind(); k != reflect.Slice && k != reflect.Array {
		return nil, false
	}
	ret := make([]any, rv.Len())
	for i := range ret {
		ret[i] = rv.Index(i).Interface()
	}
	return ret, true
}
