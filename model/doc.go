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

// Package model implements typed datastore entities.
//
// A Kind is a named set of properties, defined in a Registry:
//
//	r := model.NewRegistry()
//	address, _ := r.Define("Address",
//		model.String("street"),
//		model.String("city"))
//	person, _ := r.Define("Person",
//		model.String("name", model.Required()),
//		model.Integer("age"),
//		model.Structured("address", address, model.Repeated()))
//
// Entities are created with Kind.New and accessed by property code name,
// with dotted names reaching into structured properties:
//
//	e, err := person.New(map[string]any{
//		"id":      "alice",
//		"name":    "Alice",
//		"address": []any{map[string]any{"city": "Paris"}},
//	})
//	cities, err := e.Get("address.city") // []any{"Paris"}
//
// Every value goes through its property's validation pipeline when set and
// is converted to storage form lazily, when the entity is serialized into a
// record.Record with Entity.ToRecord. Kind.FromRecord does the reverse. Its
// values stay in storage form until read.
//
// Structured properties are stored inline as dotted record names
// ("address.city"). Reading them back reassembles repeated sub-entities
// from the flattened values, even when some sub-entities lack some fields.
//
// Records with INDEX_VALUE properties produce projection entities, which
// can only read projected properties and can't be modified.
package model
