package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/corsproxy/corsproxy/internal/safety"
)

// Fetcher performs the upstream request. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultMaxRedirects matches net/http's own redirect cap.
const DefaultMaxRedirects = 10

// ClientOptions configures NewUpstreamClient.
type ClientOptions struct {
	Timeout   time.Duration
	Validator *safety.Validator

	// MaxRedirects caps followed redirects. Zero means DefaultMaxRedirects;
	// config validation requires at least 1.
	MaxRedirects int

	// Transport overrides the default dialing transport.
	Transport http.RoundTripper
}

// NewUpstreamClient builds the client used for upstream fetches. Redirects
// are followed, but each hop must pass the validator again. When the
// validator blocks private networks the dialer also refuses private
// addresses, which catches names that resolve differently at connect time.
func NewUpstreamClient(opts ClientOptions) *http.Client {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	transport := opts.Transport
	if transport == nil {
		transport = newTransport(opts.Validator.BlocksPrivateNetworks())
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if !opts.Validator.IsSafeURL(req.Context(), req.URL) {
				return fmt.Errorf("redirect to unsafe target %s", req.URL.Redacted())
			}
			return nil
		},
	}
}

func newTransport(refusePrivate bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if refusePrivate {
		dialer.Control = refusePrivateAddr
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	transport.MaxIdleConnsPerHost = 16
	return transport
}

func refusePrivateAddr(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if safety.IsBlockedAddr(addr) {
		return fmt.Errorf("connection to private address %s refused", addr)
	}
	return nil
}
