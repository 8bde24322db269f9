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

package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/ndb/key"
	"go.chromium.org/ndb/model"
	"go.chromium.org/ndb/record"
)

const testSchema = `
kinds:
- name: Person
  properties:
  - {name: name, type: String, stored_name: n, required: true}
  - {name: age, type: Integer, default: 18}
  - {name: color, type: String, choices: [red, blue]}
  - {name: born, type: DateTime}
  - {name: day, type: Date}
  - {name: at, type: GeoPt}
  - {name: blob, type: Blob}
  - {name: friend, type: Key, key_kind: Person}
  - {name: home, type: Structured, kind: Address}
  - {name: past, type: LocalStructured, kind: Address, repeated: true}
  - {name: notes, type: Text}
- name: Address
  properties:
  - {name: street, type: String}
  - {name: tags, type: String, repeated: true}
- name: Bag
  expando: true
  default_unindexed: true
`

func parse(t testing.TB, text string) *File {
	t.Helper()
	f, err := Parse(strings.NewReader(text))
	assert.Loosely(t, err, should.BeNil)
	return f
}

func TestSchema(t *testing.T) {
	t.Parallel()

	ftt.Run("Define", t, func(t *ftt.Test) {
		r := model.NewRegistry()

		t.Run("orders kinds by references", func(t *ftt.Test) {
			kinds, err := parse(t, testSchema).Define(r)
			assert.Loosely(t, err, should.BeNil)
			var names []string
			for _, k := range kinds {
				names = append(names, k.Name())
			}
			assert.Loosely(t, names, should.Match([]string{"Address", "Person", "Bag"}))

			person := kinds[1]
			name, ok := person.Property("name")
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, name.String(), should.Equal(`StringProperty("n", required)`))
			age, _ := person.Property("age")
			assert.Loosely(t, age.Default(), should.Equal[any](int64(18)))
			color, _ := person.Property("color")
			assert.Loosely(t, color.Choices(), should.Match([]any{"red", "blue"}))
			home, _ := person.Property("home")
			assert.Loosely(t, home.Kind(), should.Equal(kinds[0]))
			notes, _ := person.Property("notes")
			assert.Loosely(t, notes.Indexed(), should.BeFalse)
			assert.Loosely(t, kinds[2].IsExpando(), should.BeTrue)
		})

		t.Run("references to defined kinds", func(t *ftt.Test) {
			_, err := r.Define("Existing", model.String("s"))
			assert.Loosely(t, err, should.BeNil)
			kinds, err := parse(t, `
kinds:
- name: Holder
  properties:
  - {name: e, type: Structured, kind: Existing}
`).Define(r)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, kinds, should.HaveLength(1))
		})

		t.Run("errors", func(t *ftt.Test) {
			cases := []struct {
				text string
				err  string
			}{
				{"kinds: [{name: A}, {name: A}]", "declared twice"},
				{`
kinds:
- {name: A, properties: [{name: b, type: Structured, kind: B}]}
- {name: B, properties: [{name: a, type: Structured, kind: A}]}
`, "kinds reference each other: [A B A]"},
				{"kinds: [{name: C, properties: [{name: x, type: Whatever}]}]", `unsupported property type "Whatever"`},
				{"kinds: [{name: D, properties: [{name: x, type: Computed}]}]", "unsupported property type"},
				{"kinds: [{name: E, properties: [{name: x, type: Structured, kind: Nope}]}]", "no model class found for kind Nope"},
				{"kinds: [{name: F, properties: [{name: x, type: Structured}]}]", "requires a kind"},
				{"kinds: [{name: G, properties: [{name: x, type: Integer, default: abc}]}]", "expected a Integer value"},
				{"kinds: [{name: H, properties: [{name: x, type: String, repeated: true, required: true}]}]", "repeated is incompatible"},
			}
			for _, c := range cases {
				_, err := parse(t, c.text).Define(model.NewRegistry())
				assert.Loosely(t, err, should.ErrLike(c.err))
			}

			_, err := Parse(strings.NewReader("kinds: [{name: A, unknown: 1}]"))
			assert.Loosely(t, err, should.ErrLike("parsing schema"))
		})

		t.Run("LoadFile", func(t *ftt.Test) {
			path := filepath.Join(t.TempDir(), "schema.yaml")
			assert.Loosely(t, os.WriteFile(path, []byte(testSchema), 0600), should.BeNil)
			kinds, err := LoadFile(model.NewRegistry(), path)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, kinds, should.HaveLength(3))

			_, err = LoadFile(model.NewRegistry(), filepath.Join(t.TempDir(), "missing.yaml"))
			assert.Loosely(t, err, should.NotBeNil)
		})
	})
}

func TestConvert(t *testing.T) {
	t.Parallel()

	ftt.Run("Convert", t, func(t *ftt.Test) {
		r := model.NewRegistry()
		kinds, err := parse(t, testSchema).Define(r)
		assert.Loosely(t, err, should.BeNil)
		person, bag := kinds[1], kinds[2]

		friend := key.New("", "", "Person", "bob", 0, nil)
		input := `{
			"id": 7,
			"name": "Ann",
			"age": 30,
			"born": "2020-01-02T03:04:05Z",
			"day": "2020-01-02",
			"at": {"lat": 1.5, "lng": 2},
			"blob": "aGk=",
			"friend": "` + friend.Encode() + `",
			"home": {"street": "Main", "tags": ["a"]},
			"past": [{"street": "Elm"}]
		}`
		var in map[string]any
		assert.Loosely(t, json.Unmarshal([]byte(input), &in), should.BeNil)

		args, err := ConvertEntity(person, in)
		assert.Loosely(t, err, should.BeNil)
		e, err := person.New(args)
		assert.Loosely(t, err, should.BeNil)

		assert.Loosely(t, e.Key().IntID(), should.Equal(int64(7)))
		v, _ := e.Get("age")
		assert.Loosely(t, v, should.Equal[any](int64(30)))
		v, _ = e.Get("born")
		assert.That(t, v.(time.Time), should.Match(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)))
		v, _ = e.Get("day")
		assert.Loosely(t, v, should.Equal[any](civil.Date{Year: 2020, Month: 1, Day: 2}))
		v, _ = e.Get("at")
		assert.Loosely(t, v, should.Equal[any](record.GeoPoint{Lat: 1.5, Lng: 2}))
		v, _ = e.Get("blob")
		assert.Loosely(t, v, should.Match[any]([]byte("hi")))
		v, _ = e.Get("friend")
		assert.Loosely(t, v.(*key.Key).Equal(friend), should.BeTrue)
		v, _ = e.Get("past.street")
		assert.Loosely(t, v, should.Match[any]([]any{"Elm"}))

		t.Run("Export round trip", func(t *ftt.Test) {
			out, err := Export(e)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, out["key"], should.Equal[any](e.Key().Encode()))
			assert.Loosely(t, out["born"], should.Equal[any]("2020-01-02T03:04:05Z"))

			blob, err := json.Marshal(out)
			assert.Loosely(t, err, should.BeNil)
			var back map[string]any
			assert.Loosely(t, json.Unmarshal(blob, &back), should.BeNil)
			args, err := ConvertEntity(person, back)
			assert.Loosely(t, err, should.BeNil)
			again, err := person.New(args)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, again.Equal(e), should.BeTrue)
		})

		t.Run("expando values", func(t *ftt.Test) {
			args, err := ConvertEntity(bag, map[string]any{"n": 3.0, "f": 2.5, "l": []any{1.0, "x"}})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, args, should.Match(map[string]any{
				"n": int64(3),
				"f": 2.5,
				"l": []any{int64(1), "x"},
			}))
		})

		t.Run("errors", func(t *ftt.Test) {
			cases := []struct {
				in  map[string]any
				err string
			}{
				{map[string]any{"age": 1.5}, "age: expected a Integer value, got float64"},
				{map[string]any{"at": map[string]any{"lat": 1}}, "expected {lat, lng}"},
				{map[string]any{"blob": "!!"}, "blob"},
				{map[string]any{"day": "yesterday"}, "day"},
				{map[string]any{"home": "Main"}, "expected a Structured value"},
				{map[string]any{"home": map[string]any{"tags": []any{1}}}, "home: tags: item 0: expected a String value"},
				{map[string]any{"key": "%%%"}, "bad base64"},
			}
			for _, c := range cases {
				_, err := ConvertEntity(person, c.in)
				assert.Loosely(t, err, should.ErrLike(c.err))
			}
		})
	})
}
