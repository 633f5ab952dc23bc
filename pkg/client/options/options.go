/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Flag defines parameters needed to manage command line flags.
type Flag struct {
	Name       string // CLI flag name.
	Shorthand  string // optional one letter abbreviation.
	DefValue   any    // default value, required (to ensure Flag value type is defined).
	Usage      string // help text.
	Deprecated bool   // optional mark as deprecated.
	ReplacedBy string // optional replacement message.
}

// AddFlags registers a list of Flag definitions with a FlagSet (defaulting to
// pflag.CommandLine if unspecified), binding them to the pointer variables provided
// in the vars map.
func AddFlags(fs *pflag.FlagSet, flags []Flag, vars map[string]any) error {
	if len(flags) != len(vars) {
		return fmt.Errorf("mismatch flags (%d) and vars (%d) count", len(flags), len(vars))
	}

	if fs == nil {
		fs = pflag.CommandLine
	}

	for _, f := range flags {
		if f.DefValue == nil { // a default value is required to determine types
			return fmt.Errorf("flag %q must have a non-nil default value", f.Name)
		}

		ptr, ok := vars[f.Name]
		if !ok {
			return fmt.Errorf("variable pointer for flag %q not provided", f.Name)
		}

		switch def := f.DefValue.(type) {
		case string:
			p, ok := ptr.(*string)
			if !ok {
				return typeError(f.Name, ptr, "string")
			}
			fs.StringVarP(p, f.Name, f.Shorthand, def, f.Usage)
		case int:
			p, ok := ptr.(*int)
			if !ok {
				return typeError(f.Name, ptr, "int")
			}
			fs.IntVarP(p, f.Name, f.Shorthand, def, f.Usage)
		case bool:
			p, ok := ptr.(*bool)
			if !ok {
				return typeError(f.Name, ptr, "bool")
			}
			fs.BoolVarP(p, f.Name, f.Shorthand, def, f.Usage)
		case time.Duration:
			p, ok := ptr.(*time.Duration)
			if !ok {
				return typeError(f.Name, ptr, "time.Duration")
			}
			fs.DurationVarP(p, f.Name, f.Shorthand, def, f.Usage)
		default:
			return fmt.Errorf("unsupported flag type for %q: %T", f.Name, def)
		}

		if f.Deprecated {
			msg := "it will be removed in an upcoming release"
			if f.ReplacedBy != "" {
				msg = "use " + f.ReplacedBy + " instead"
			}
			if err := fs.MarkDeprecated(f.Name, msg); err != nil {
				return fmt.Errorf("failed to mark flag %q deprecated: %w", f.Name, err)
			}
		}
	}

	return nil
}

// typeError creates a clear error message for flag type mismatches.
func typeError(name string, got any, expected string) error {
	return fmt.Errorf("flag %q: variable must be *%s, got %T", name, expected, got)
}

// Changed reports the names of the flags in flags that were set on the command line.
func Changed(fs *pflag.FlagSet, flags []Flag) []string {
	if fs == nil {
		fs = pflag.CommandLine
	}
	var names []string
	for _, f := range flags {
		if fs.Changed(f.Name) {
			names = append(names, f.Name)
		}
	}
	return names
}
