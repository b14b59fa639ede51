package license

import (
	"net/url"
	"strings"
)

// NormalizeSiteURL reduces a site URL to scheme://host[:port], lower case,
// with no path, query or fragment. A missing scheme defaults to https.
func NormalizeSiteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidArgument("site_url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", invalidArgument("site_url %q is not a URL", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", invalidArgument("site_url scheme %q is not supported", u.Scheme)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", invalidArgument("site_url %q has no host", raw)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	switch port := u.Port(); {
	case port == "":
	case scheme == "https" && port == "443", scheme == "http" && port == "80":
	default:
		host += ":" + port
	}

	return scheme + "://" + host, nil
}
