package httplimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Extractor derives the rate limiting identity from an HTTP request: a
// header value, the client address, authentication info, anything available
// without side effects (an extractor must not read the body).
type Extractor interface {
	Extract(r *http.Request) ([]string, error)
}

type headerExtractor struct {
	headers []string
}

// NewHeaderExtractor builds an extractor that uses the values of the given
// headers, in order, as the identity. Use headers that are guaranteed to be
// unique per client.
func NewHeaderExtractor(headers ...string) Extractor {
	return &headerExtractor{headers: headers}
}

func (h *headerExtractor) Extract(r *http.Request) ([]string, error) {
	identity := make([]string, 0, len(h.headers))
	for _, key := range h.headers {
		value := strings.TrimSpace(r.Header.Get(key))
		if value == "" {
			return nil, fmt.Errorf("the header %v must have a value set", key)
		}
		identity = append(identity, value)
	}
	return identity, nil
}

type remoteAddrExtractor struct{}

// NewRemoteAddrExtractor builds an extractor that uses the client IP taken
// from the connection's remote address.
func NewRemoteAddrExtractor() Extractor {
	return remoteAddrExtractor{}
}

func (remoteAddrExtractor) Extract(r *http.Request) ([]string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("malformed remote address %q: %w", r.RemoteAddr, err)
	}
	return []string{host}, nil
}
