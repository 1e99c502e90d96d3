package service

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/justflowhq/justflow/config"
)

// checkTimeout bounds a single readiness attempt, independent of the
// service's overall startup_timeout.
const checkTimeout = 5 * time.Second

// insecureHTTPClient skips TLS verification for readiness checks when
// DAGRUN_INSECURE_TLS is set, so a service fronted by a self-signed
// certificate in a local/dev cluster doesn't fail readiness on that basis
// alone. It is not used for anything but the readiness probe itself.
var insecureHTTPClient = &http.Client{
	Timeout: checkTimeout,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in via DAGRUN_INSECURE_TLS
	},
}

var defaultHTTPClient = &http.Client{Timeout: checkTimeout}

// probe performs one readiness attempt, returning true if it succeeds.
func probe(check config.ReadinessCheck) bool {
	switch check.Kind {
	case config.ReadinessTCP:
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(check.Host, strconv.Itoa(check.PortNum)), checkTimeout)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true

	case config.ReadinessHTTP:
		client := defaultHTTPClient
		if os.Getenv("DAGRUN_INSECURE_TLS") != "" {
			client = insecureHTTPClient
		}
		resp, err := client.Get(check.URL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 400

	case config.ReadinessCommand:
		cmd := exec.Command("sh", "-c", check.Cmd)
		return cmd.Run() == nil

	default:
		return false
	}
}
