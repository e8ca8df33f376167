// Package httpclient fetches remote media with bounded timeouts, a shared
// rate limit and optional protection against requests into private networks.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/internal/metrics"
	"github.com/kulturgut/ingest/ixgest/valueparse"
	"github.com/kulturgut/ingest/logger"
)

// Options customize a Fetcher. Nil pointers take the defaults.
type Options struct {
	ConnectTimeout    time.Duration // Default: 5s
	ReadTimeout       time.Duration // Default: 30s
	RequestsPerSecond float64       // 0 = unthrottled
	BlockPrivateIP    *bool         // Default: true
	MaxRedirects      *int          // Default: 10
	MaxBytes          int64         // Default: 64 MiB
	UserAgent         string
}

// Fetcher downloads media for IMAGE_URL and IMAGE_MPLUS values
type Fetcher struct {
	client         *http.Client
	limiter        *rate.Limiter
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
	maxBytes       int64
	userAgent      string
	metrics        *metrics.Metrics
	logger         *zap.SugaredLogger
}

var _ valueparse.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher. m may be nil.
func New(opts Options, m *metrics.Metrics, log *zap.SugaredLogger) *Fetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ingest-media-fetcher"
	}

	f := &Fetcher{
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: true,
		maxRedirects:   10,
		maxBytes:       opts.MaxBytes,
		userAgent:      opts.UserAgent,
		limiter:        rate.NewLimiter(rate.Inf, 1),
		metrics:        m,
		logger:         log,
	}
	if opts.BlockPrivateIP != nil {
		f.blockPrivateIP = *opts.BlockPrivateIP
	}
	if opts.MaxRedirects != nil {
		f.maxRedirects = *opts.MaxRedirects
	}
	if opts.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if f.blockPrivateIP {
				if err := checkResolved(ctx, addr); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	f.client = &http.Client{
		Transport: transport,
		Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= f.maxRedirects {
				return errors.Newf("stopped after %d redirects", f.maxRedirects)
			}
			if err := f.validateURL(req.URL); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
	return f
}

// checkResolved rejects hosts that resolve into private ranges
func checkResolved(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrap(err, "invalid address")
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve host %q", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return errors.Newf("private IP address blocked: %s", ip)
		}
	}
	return nil
}

// Fetch downloads rawURL, waiting for the shared rate limit first
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cred valueparse.Credentials) (data []byte, err error) {
	defer func() { f.metrics.ImageFetch(err) }()

	u, err := f.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	if cred.Username != "" {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", u.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Newf("fetch %s: HTTP %d", u.Redacted(), resp.StatusCode)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", u.Redacted())
	}
	if int64(len(data)) > f.maxBytes {
		return nil, errors.Newf("fetch %s: larger than %d bytes", u.Redacted(), f.maxBytes)
	}

	f.logger.Debugw("Media fetched",
		logger.FieldURL, u.Redacted(),
		logger.FieldSize, len(data),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return data, nil
}

// validateURL checks scheme, embedded credentials and private hosts
func (f *Fetcher) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range f.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, f.allowedSchemes)
	}

	// credentials travel in the Authorization header, never in the URL
	if u.User != nil {
		return errors.New("URL contains user info")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if f.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return errors.Newf("private IP address blocked: %s", hostname)
		}
	}
	return nil
}

// ValidateURL parses and validates a URL string before creating a request
func (f *Fetcher) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := f.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// isPrivateIP checks if an IP is in private/special use ranges
func isPrivateIP(ip net.IP) bool {
	privateBlocks := []net.IPNet{
		{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
		{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
		{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
		{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},    // loopback
		{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}, // link-local
		{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
		{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)}, // multicast
		{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)}, // reserved
	}

	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}

	if len(ip) != net.IPv6len {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	// unique local fc00::/7
	if (ip[0] & 0xfe) == 0xfc {
		return true
	}
	// deprecated site-local fec0::/10
	if ip[0] == 0xfe && (ip[1]&0xc0) == 0xc0 {
		return true
	}
	// documentation 2001:db8::/32
	return ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
