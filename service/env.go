package service

import (
	"strconv"
	"strings"

	"github.com/justflowhq/justflow/config"
)

// envVars builds the DAGRUN_SVC_<UPPER_SNAKE(name)>_* map exposed to a
// service's consumers, from its kind and (possibly tunnel-rewritten)
// readiness check.
func envVars(name string, kind config.ServiceKind, check config.ReadinessCheck) map[string]string {
	prefix := "DAGRUN_SVC_" + upperSnake(name)
	env := map[string]string{
		prefix + "_READY": "1",
		prefix + "_KIND":  string(kind),
	}

	if host, port, ok := check.HostPort(); ok {
		env[prefix+"_HOST"] = host
		env[prefix+"_PORT"] = strconv.Itoa(port)
	}
	if base, ok := check.BaseURL(); ok {
		env[prefix+"_URL"] = base
		env[prefix+"_BASE_URL"] = base
	}

	return env
}

// upperSnake upper-cases name and replaces any run of non-alphanumeric
// characters with a single underscore, for use as an environment variable
// name segment.
func upperSnake(name string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevUnderscore = false
		} else if !prevUnderscore {
			b.WriteRune('_')
			prevUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
