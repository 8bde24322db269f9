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

// Package zlib holds the zlib encoder and decoder used for compressed
// property values.
package zlib

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// Writers are stateful, so they are pooled rather than shared.
var writers = sync.Pool{
	New: func() any { return zlib.NewWriter(nil) },
}

// Compress will encode all input in src and append it to dst.
//
// This function can be called concurrently. Data compressed with Compress
// can be decompressed via Decompress.
func Compress(src, dst []byte) []byte {
	buf := bytes.NewBuffer(dst)
	w := writers.Get().(*zlib.Writer)
	defer writers.Put(w)
	w.Reset(buf)
	if _, err := w.Write(src); err != nil {
		panic(err) // writes to a bytes.Buffer don't fail
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Decompress decodes a zlib stream produced by Compress (or any other zlib
// encoder) and appends the result to dst.
func Decompress(input, dst []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HasHeader returns true if blob starts with a zlib header: a CMF byte with
// the "deflate" method and a FCHECK making the first two bytes a multiple
// of 31.
func HasHeader(blob []byte) bool {
	return len(blob) >= 2 && blob[0]&0x0f == 8 && (uint16(blob[0])<<8|uint16(blob[1]))%31 == 0
}
