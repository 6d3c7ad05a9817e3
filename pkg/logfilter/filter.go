// Package logfilter models the logging filter directives passed to the wrapped program
// through LOG_FILTER, e.g. "info,lattice::framework::frame_controller=trace".
package logfilter

import (
	"strings"

	"github.com/rotisserie/eris"
)

// PathSeparator separates the segments of a module path.
const PathSeparator = "::"

// Directive sets the level for a module and everything below it. An empty module is the
// global default.
type Directive struct {
	Module string
	Level  Level
}

func (d Directive) String() string {
	if d.Module == "" {
		return d.Level.String()
	}
	return d.Module + "=" + d.Level.String()
}

// Filter is a parsed directive list. The global directive, if present, is always first.
type Filter struct {
	Directives []Directive
	Pattern    string
}

// Parse reads a comma-separated directive list with an optional "/pattern" suffix.
// A bare module name enables trace for that module. Only one '/' is allowed.
func Parse(s string) (Filter, error) {
	var f Filter

	spec := s
	if pos := strings.Index(s, "/"); pos > -1 {
		spec = s[:pos]
		f.Pattern = s[pos+1:]
		if strings.Contains(f.Pattern, "/") {
			return Filter{}, eris.Errorf("filter %q contains more than one '/'", s)
		}
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var d Directive
		parts := strings.Split(entry, "=")
		switch len(parts) {
		case 1:
			level, err := ParseLevel(parts[0])
			if err == nil {
				d.Level = level
			} else {
				d.Module = parts[0]
				d.Level = Trace
			}
		case 2:
			if parts[0] == "" {
				return Filter{}, eris.Errorf("directive %q has no module", entry)
			}
			if parts[1] == "" {
				return Filter{}, eris.Errorf("directive %q has no level", entry)
			}

			level, err := ParseLevel(parts[1])
			if err != nil {
				return Filter{}, eris.Wrapf(err, "invalid directive %q", entry)
			}
			d.Module = strings.TrimSpace(parts[0])
			d.Level = level
		default:
			return Filter{}, eris.Errorf("directive %q contains more than one '='", entry)
		}

		if d.Module != "" {
			if err := ValidateModulePath(d.Module); err != nil {
				return Filter{}, eris.Wrapf(err, "invalid directive %q", entry)
			}
		}

		f = f.With(d.Module, d.Level)
	}

	return f, nil
}

// MustParse is like Parse but panics on error. Meant for constants.
func MustParse(s string) Filter {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Filter) String() string {
	parts := make([]string, len(f.Directives))
	for idx, d := range f.Directives {
		parts[idx] = d.String()
	}

	result := strings.Join(parts, ",")
	if f.Pattern != "" {
		result += "/" + f.Pattern
	}
	return result
}

// With returns a copy of f where module is set to level. An existing directive for the
// same module is replaced in place.
func (f Filter) With(module string, level Level) Filter {
	directives := make([]Directive, 0, len(f.Directives)+1)
	replaced := false
	for _, d := range f.Directives {
		if d.Module == module {
			d.Level = level
			replaced = true
		}
		directives = append(directives, d)
	}

	if !replaced {
		d := Directive{Module: module, Level: level}
		if module == "" {
			directives = append([]Directive{d}, directives...)
		} else {
			directives = append(directives, d)
		}
	}

	return Filter{Directives: directives, Pattern: f.Pattern}
}

// LevelFor returns the level of the most specific directive matching module.
func (f Filter) LevelFor(module string) Level {
	if len(f.Directives) == 0 {
		return Error
	}

	best := -1
	level := Off
	for _, d := range f.Directives {
		if !matches(d.Module, module) {
			continue
		}

		if len(d.Module) > best {
			best = len(d.Module)
			level = d.Level
		}
	}

	return level
}

// Covers reports whether any directive applies to module.
func (f Filter) Covers(module string) bool {
	for _, d := range f.Directives {
		if matches(d.Module, module) {
			return true
		}
	}
	return false
}

// Enabled reports whether a message from module at level msg would be logged.
func (f Filter) Enabled(module string, msg Level) bool {
	return f.LevelFor(module).Enables(msg)
}

func matches(prefix, module string) bool {
	if prefix == "" || prefix == module {
		return true
	}

	return strings.HasPrefix(module, prefix+PathSeparator)
}

// ValidateModulePath checks that every "::"-separated segment is an identifier.
func ValidateModulePath(path string) error {
	if path == "" {
		return eris.New("module path is empty")
	}

	for _, segment := range strings.Split(path, PathSeparator) {
		if !isIdent(segment) {
			return eris.Errorf("module path %q has invalid segment %q", path, segment)
		}
	}

	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}

	for idx, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case idx > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
