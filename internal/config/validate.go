package config

import "fmt"

// Error is a fatal, startup-only configuration diagnostic.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func newError(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Validate applies the two checks supplemented from the original source's
// config/validate.rs (§11): overlapping route prefix+method collisions
// within one server block, and a cgi_ext with no known interpreter.
func Validate(cfg *Config) error {
	for _, s := range cfg.Servers {
		if err := validateRouteOverlap(s); err != nil {
			return err
		}
		if err := validateCGIExtensions(s); err != nil {
			return err
		}
	}
	return nil
}

func validateRouteOverlap(s ServerConfig) error {
	for i := range s.Routes {
		for j := i + 1; j < len(s.Routes); j++ {
			a, b := s.Routes[i], s.Routes[j]
			if a.Path != b.Path {
				continue
			}
			if methodsOverlap(a.Methods, b.Methods) {
				return newError("server %q: routes %d and %d both match path %q for an overlapping method set", s.ServerName, i, j, a.Path)
			}
		}
	}
	return nil
}

func methodsOverlap(a, b []string) bool {
	for _, m := range a {
		for _, n := range b {
			if m == n {
				return true
			}
		}
	}
	return false
}

func validateCGIExtensions(s ServerConfig) error {
	for i, r := range s.Routes {
		if r.CGIExt == "" {
			continue
		}
		if _, ok := CGIInterpreters[r.CGIExt]; !ok {
			return newError("server %q: route %d sets cgi_ext %q with no configured interpreter", s.ServerName, i, r.CGIExt)
		}
	}
	return nil
}
