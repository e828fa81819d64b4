package watch

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"k8s.io/client-go/rest"
)

// CredentialProvider yields the transport used for every request to the API
// server. It is queried once per request so that rotated credentials are
// picked up without restarting the operator.
type CredentialProvider interface {
	// Transport returns a round tripper that authenticates requests with the
	// active credentials: a bearer token, basic auth or a TLS client
	// certificate, whichever is configured.
	Transport() (http.RoundTripper, error)
}

// RESTConfigCredentials is a CredentialProvider backed by a client-go
// rest.Config, typically loaded from a kubeconfig. The round tripper is
// built on first use and shared by every request, so connections are
// pooled even for configs client-go does not cache transports for (a
// proxy or custom dialer). Token files and exec plugins are refreshed by
// the round tripper itself.
type RESTConfigCredentials struct {
	Config *rest.Config

	once sync.Once
	rt   http.RoundTripper
	err  error
}

var _ CredentialProvider = (*RESTConfigCredentials)(nil)

func (c *RESTConfigCredentials) Transport() (http.RoundTripper, error) {
	c.once.Do(func() {
		if c.Config == nil {
			c.err = fmt.Errorf("no rest config")
			return
		}
		rt, err := rest.TransportFor(c.Config)
		if err != nil {
			c.err = fmt.Errorf("building transport: %w", err)
			return
		}
		c.rt = rt
	})
	return c.rt, c.err
}

// BaseURL returns the API server URL of config, without a trailing slash.
func BaseURL(config *rest.Config) (string, error) {
	if config == nil {
		return "", fmt.Errorf("no rest config")
	}
	u, _, err := rest.DefaultServerUrlFor(config)
	if err != nil {
		return "", fmt.Errorf("resolving API server URL: %w", err)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
