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

package key

import (
	"testing"

	"cloud.google.com/go/datastore"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestKey(t *testing.T) {
	t.Parallel()

	ftt.Run("Key", t, func(t *ftt.Test) {
		parent := New("app", "ns", "Parent", "", 10, nil)
		child := New("ignored", "ignored", "Child", "name", 0, parent)

		t.Run("accessors", func(t *ftt.Test) {
			assert.Loosely(t, child.AppID(), should.Equal("app"))
			assert.Loosely(t, child.Namespace(), should.Equal("ns"))
			assert.Loosely(t, child.Kind(), should.Equal("Child"))
			assert.Loosely(t, child.StringID(), should.Equal("name"))
			assert.Loosely(t, child.ID(), should.Equal("name"))
			assert.Loosely(t, child.Parent().Equal(parent), should.BeTrue)
			assert.Loosely(t, child.Root().Equal(parent), should.BeTrue)
			assert.Loosely(t, parent.Parent(), should.BeNil)
			assert.Loosely(t, child.HasAncestor(parent), should.BeTrue)
			assert.Loosely(t, parent.HasAncestor(child), should.BeFalse)
			assert.Loosely(t, child.String(), should.Equal(`app:ns:/Parent,10/Child,"name"`))
		})

		t.Run("completeness", func(t *ftt.Test) {
			inc := New("app", "", "Kind", "", 0, parent)
			assert.Loosely(t, inc.IsIncomplete(), should.BeTrue)
			assert.Loosely(t, inc.ID(), should.BeNil)
			assert.Loosely(t, inc.Valid(true), should.BeTrue)
			assert.Loosely(t, inc.Valid(false), should.BeFalse)
			assert.Loosely(t, child.IsIncomplete(), should.BeFalse)
			assert.Loosely(t, child.Valid(false), should.BeTrue)
		})

		t.Run("validity", func(t *ftt.Test) {
			assert.Loosely(t, New("app", "", "", "x", 0, nil).Valid(true), should.BeFalse)
			assert.Loosely(t, New("app", "", "K", "x", 1, nil).Valid(true), should.BeFalse)
			assert.Loosely(t, New("app", "", "K", "", -1, nil).Valid(true), should.BeFalse)
			incParent := New("app", "", "P", "", 0, nil)
			assert.Loosely(t, New("app", "", "K", "x", 0, incParent).Valid(true), should.BeFalse)
		})

		t.Run("Make", func(t *ftt.Test) {
			k, err := Make("app", "ns", "Parent", 10, "Child", "name")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, k.Equal(child), should.BeTrue)

			k, err = Make("app", "", "Kind", nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, k.IsIncomplete(), should.BeTrue)

			_, err = Make("app", "", "Kind")
			assert.Loosely(t, err, should.ErrLike("even number"))
			_, err = Make("app", "", 1, 2)
			assert.Loosely(t, err, should.ErrLike("must be a string"))
			_, err = Make("app", "", "Kind", 1.5)
			assert.Loosely(t, err, should.ErrLike("string or an integer"))
		})

		t.Run("Equal", func(t *ftt.Test) {
			var nilKey *Key
			assert.Loosely(t, nilKey.Equal(nil), should.BeTrue)
			assert.Loosely(t, child.Equal(nil), should.BeFalse)
			assert.Loosely(t, child.Equal(New("app", "other", "Child", "name", 0, parent)), should.BeTrue)
			assert.Loosely(t, child.Equal(New("app", "ns", "Child", "other", 0, parent)), should.BeFalse)
		})

		t.Run("Encode/Decode", func(t *ftt.Test) {
			enc := child.Encode()
			assert.Loosely(t, enc, should.NotContainSubstring("="))
			dec, err := Decode(enc)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, dec.Equal(child), should.BeTrue)

			dec, err = Decode(enc + "==")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, dec.Equal(child), should.BeTrue)

			_, err = Decode("!!!")
			assert.Loosely(t, err, should.ErrLike("bad base64"))
			_, err = Decode("")
			assert.Loosely(t, err, should.ErrLike("empty key path"))
		})

		t.Run("cloud keys", func(t *ftt.Test) {
			ck := child.Cloud()
			assert.Loosely(t, ck.Kind, should.Equal("Child"))
			assert.Loosely(t, ck.Name, should.Equal("name"))
			assert.That(t, ck.Parent.ID, should.Equal(int64(10)))
			assert.Loosely(t, ck.Namespace, should.Equal("ns"))

			back := FromCloud("app", ck)
			assert.Loosely(t, back.Equal(child), should.BeTrue)
			assert.Loosely(t, FromCloud("app", datastore.IncompleteKey("K", nil)).IsIncomplete(), should.BeTrue)
		})
	})
}
