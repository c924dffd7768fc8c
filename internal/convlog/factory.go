package convlog

import (
	"fmt"
	"net/url"
	"strings"
)

// Open builds a Log from a DSN: memory:// (default), file://<dir>, or a
// postgres:// connection string.
func Open(dsn string) (Log, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLog(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryLog(), nil
	case "", "file":
		return NewFileLog(dsnPath(parsed, dsn))
	case "postgres", "postgresql":
		return NewPostgresLog(dsn)
	default:
		return nil, fmt.Errorf("unsupported conversation log scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return raw
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	return path
}
