package config

import (
	"fmt"
	"strings"
	"time"
)

// HTTPTimeouts are the http.*_timeout fields parsed, with defaults for
// blank or zero values.
type HTTPTimeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Timeouts parses the listener timeouts. Errors name the offending key.
func (h HTTPConfig) Timeouts() (HTTPTimeouts, error) {
	var out HTTPTimeouts
	fields := []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"http.read_timeout", h.ReadTimeout, 10 * time.Second, &out.Read},
		{"http.write_timeout", h.WriteTimeout, 10 * time.Second, &out.Write},
		{"http.idle_timeout", h.IdleTimeout, 60 * time.Second, &out.Idle},
		{"http.shutdown_timeout", h.ShutdownTimeout, 10 * time.Second, &out.Shutdown},
	}
	for _, f := range fields {
		*f.dst = f.def
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			return HTTPTimeouts{}, fmt.Errorf("%s: invalid duration %q: %w", f.key, f.raw, err)
		case d < 0:
			return HTTPTimeouts{}, fmt.Errorf("%s: duration must be >= 0", f.key)
		case d > 0:
			*f.dst = d
		}
	}
	return out, nil
}
