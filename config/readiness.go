package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Port returns the check's port, if it has one: the literal port for TCP,
// or the scheme-implied/explicit port for HTTP. Command checks have none.
func (r ReadinessCheck) Port() (int, bool) {
	switch r.Kind {
	case ReadinessTCP:
		return r.PortNum, true
	case ReadinessHTTP:
		u, err := url.Parse(r.URL)
		if err != nil {
			return 0, false
		}
		if p := u.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err == nil {
				return n, true
			}
		}
		if u.Scheme == "https" {
			return 443, true
		}
		return 80, true
	default:
		return 0, false
	}
}

// HostPort returns the host and port the check reaches, for HTTP and TCP
// checks. Command checks have neither.
func (r ReadinessCheck) HostPort() (host string, port int, ok bool) {
	switch r.Kind {
	case ReadinessTCP:
		return r.Host, r.PortNum, true
	case ReadinessHTTP:
		u, err := url.Parse(r.URL)
		if err != nil {
			return "", 0, false
		}
		p, hasPort := r.Port()
		return u.Hostname(), p, hasPort
	default:
		return "", 0, false
	}
}

// BaseURL returns the scheme-qualified base URL for HTTP checks (scheme,
// host, port, no path). TCP and Command checks have none.
func (r ReadinessCheck) BaseURL() (string, bool) {
	if r.Kind != ReadinessHTTP {
		return "", false
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), true
}

// WithTunnel returns a copy of the check rewritten to target a local
// tunnel endpoint: HTTP checks get their host:port replaced and their path
// stripped, TCP checks get their host:port replaced outright.
func (r ReadinessCheck) WithTunnel(localPort int) ReadinessCheck {
	out := r
	switch r.Kind {
	case ReadinessTCP:
		out.Host = "127.0.0.1"
		out.PortNum = localPort
	case ReadinessHTTP:
		u, err := url.Parse(r.URL)
		if err == nil {
			u.Host = fmt.Sprintf("127.0.0.1:%d", localPort)
			u.Path = ""
			u.RawQuery = ""
			out.URL = u.String()
		}
	}
	return out
}

// parseReadiness parses the compact "kind:spec" string form used by the
// config loader, e.g. "tcp:127.0.0.1:8080", "http://host:port/path",
// "command:nc -z localhost 80".
func parseReadiness(s string) (ReadinessCheck, error) {
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return ReadinessCheck{Kind: ReadinessHTTP, URL: s}, nil
	case strings.HasPrefix(s, "tcp:"):
		rest := strings.TrimPrefix(s, "tcp:")
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return ReadinessCheck{}, fmt.Errorf("invalid tcp readiness check %q: want host:port", s)
		}
		port, err := strconv.Atoi(rest[idx+1:])
		if err != nil {
			return ReadinessCheck{}, fmt.Errorf("invalid tcp readiness port in %q: %w", s, err)
		}
		return ReadinessCheck{Kind: ReadinessTCP, Host: rest[:idx], PortNum: port}, nil
	case strings.HasPrefix(s, "command:"):
		return ReadinessCheck{Kind: ReadinessCommand, Cmd: strings.TrimPrefix(s, "command:")}, nil
	default:
		return ReadinessCheck{}, fmt.Errorf("unrecognized readiness check %q", s)
	}
}
