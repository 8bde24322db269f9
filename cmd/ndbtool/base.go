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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/ndb/model"
	"go.chromium.org/ndb/schema"
)

const (
	ecOK = iota
	ecInvalidArgs
	ecFailed
)

// baseRun holds the flags shared by all subcommands.
type baseRun struct {
	subcommands.CommandRunBase

	schemaPath string
}

func (r *baseRun) registerBaseFlags() {
	r.Flags.StringVar(&r.schemaPath, "schema", "", "Path to the YAML schema file. Required.")
}

// argErr prints an error about invalid arguments and returns the matching
// exit code.
func (r *baseRun) argErr(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "ndbtool: "+format+"\n", args...)
	return ecInvalidArgs
}

// done logs err, if any, and returns the matching exit code.
func (r *baseRun) done(ctx context.Context, err error) int {
	if err != nil {
		errors.Log(ctx, err)
		return ecFailed
	}
	return ecOK
}

// loadSchema defines the kinds of the schema file in a fresh registry.
func (r *baseRun) loadSchema(ctx context.Context) (*model.Registry, error) {
	if r.schemaPath == "" {
		return nil, errors.New("-schema is required")
	}
	reg := model.NewRegistry()
	kinds, err := schema.LoadFile(reg, r.schemaPath)
	if err != nil {
		return nil, err
	}
	logging.Debugf(ctx, "Loaded %d kinds from %s", len(kinds), r.schemaPath)
	return reg, nil
}
