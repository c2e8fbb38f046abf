package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrUnknownKey is returned for a path that names no config value.
var ErrUnknownKey = errors.New("unknown config key")

// field binds a dot-notation path to the value it addresses.
type field struct {
	path string
	ptr  any // *string, *int, *bool or *[]string
}

func fields(cfg *Config) []field {
	g, s, l, v := &cfg.General, &cfg.Session, &cfg.Ledger, &cfg.Server
	return []field{
		{"general.logLevel", &g.LogLevel},
		{"general.logFile", &g.LogFile},
		{"session.shell", &s.Shell},
		{"session.principal", &s.Principal},
		{"session.organization", &s.Organization},
		{"session.modules", &s.Modules},
		{"session.tokenScope", &s.TokenScope},
		{"session.appId", &s.AppID},
		{"session.redirectUri", &s.RedirectURI},
		{"session.readyTimeout", &s.ReadyTimeout},
		{"session.importTimeout", &s.ImportTimeout},
		{"session.tokenTimeout", &s.TokenTimeout},
		{"session.connectTimeout", &s.ConnectTimeout},
		{"session.commandTimeout", &s.CommandTimeout},
		{"session.resyncTimeout", &s.ResyncTimeout},
		{"session.maxOutputBytes", &s.MaxOutputBytes},
		{"ledger.persist", &l.Persist},
		{"ledger.dbPath", &l.DBPath},
		{"server.name", &v.Name},
		{"server.version", &v.Version},
	}
}

func lookup(cfg *Config, path string) (field, bool) {
	for _, f := range fields(cfg) {
		if f.path == path {
			return f, true
		}
	}
	return field{}, false
}

func value(ptr any) any {
	switch p := ptr.(type) {
	case *string:
		return *p
	case *int:
		return *p
	case *bool:
		return *p
	case *[]string:
		return slices.Clone(*p)
	}
	return nil
}

// GetByPath returns the value at a dot-notation path such as
// "session.commandTimeout". A trailing index selects one list element,
// as in "session.modules.0".
func GetByPath(cfg *Config, path string) (any, error) {
	if f, ok := lookup(cfg, path); ok {
		return value(f.ptr), nil
	}
	if i := strings.LastIndex(path, "."); i > 0 {
		parent, idx := path[:i], path[i+1:]
		if f, ok := lookup(cfg, parent); ok {
			list, isList := f.ptr.(*[]string)
			if !isList {
				return nil, fmt.Errorf("%s is not a list", parent)
			}
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 || n >= len(*list) {
				return nil, fmt.Errorf("index %q out of range for %s (%d items)", idx, parent, len(*list))
			}
			return (*list)[n], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, path)
}

// SetByPath parses raw as the type of the value at path and stores it. Lists
// take a comma-separated value.
func SetByPath(cfg *Config, path, raw string) error {
	f, ok := lookup(cfg, path)
	if !ok {
		return fmt.Errorf("%w: %s (see 'config list --flat')", ErrUnknownKey, path)
	}
	switch p := f.ptr.(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, raw)
		}
		*p = b
	case *[]string:
		var items []string
		for item := range strings.SplitSeq(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*p = items
	}
	return nil
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	for _, f := range fields(cfg) {
		out[f.path] = value(f.ptr)
	}
	return out
}

// Sanitize returns a copy of the config that is safe to print.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Session.Modules = slices.Clone(cfg.Session.Modules)
	if c.Session.Principal != "" {
		c.Session.Principal = maskPrincipal(c.Session.Principal)
	}
	return &c
}

// maskPrincipal keeps the domain and the first character of the local part.
func maskPrincipal(upn string) string {
	local, domain, ok := strings.Cut(upn, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
