package commons

import (
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

// ParsePoolServiceEndpoint parses endpoint string and returns scheme ("tcp" or "unix") and address
func ParsePoolServiceEndpoint(endpoint string) (string, string, error) {
	if !strings.Contains(endpoint, "://") {
		// host:port
		return "tcp", endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", xerrors.Errorf("failed to parse endpoint %q: %w", endpoint, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "tcp":
		if len(u.Host) == 0 {
			return "", "", xerrors.Errorf("endpoint %q has no host", endpoint)
		}
		return "tcp", u.Host, nil
	case "unix":
		path := u.Path
		if len(u.Host) > 0 {
			path = u.Host + u.Path
		}
		if len(path) == 0 {
			return "", "", xerrors.Errorf("endpoint %q has no socket path", endpoint)
		}
		return "unix", path, nil
	default:
		return "", "", xerrors.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}
