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
	"io"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"

	"go.chromium.org/ndb/model"
)

func cmdKinds() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "kinds -schema <schema.yaml>",
		ShortDesc: "lists the kinds of a schema",
		LongDesc:  "Lists the kinds of a schema with their properties.",
		CommandRun: func() subcommands.CommandRun {
			r := &kindsRun{}
			r.registerBaseFlags()
			return r
		},
	}
}

type kindsRun struct {
	baseRun
}

func (r *kindsRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return r.argErr("unexpected arguments %q", args)
	}
	return r.done(ctx, r.run(ctx))
}

func (r *kindsRun) run(ctx context.Context) error {
	reg, err := r.loadSchema(ctx)
	if err != nil {
		return err
	}
	return describeKinds(os.Stdout, reg)
}

// describeKinds writes every kind of reg with its properties, one per line.
func describeKinds(w io.Writer, reg *model.Registry) error {
	for _, name := range reg.Kinds() {
		k, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		header := k.Name()
		if k.IsExpando() {
			header += " (expando)"
		}
		if _, err := fmt.Fprintln(w, header); err != nil {
			return err
		}
		for _, p := range k.Properties() {
			if _, err := fmt.Fprintf(w, "  %s: %s\n", p.CodeName(), p); err != nil {
				return err
			}
		}
	}
	return nil
}
