package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 8 << 20
	DefaultUserAgent    = "StreamBox/1.0"
	maxRedirects        = 10
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes
var ErrBodyTooLarge = errors.New("response body too large")

// Request is an outbound HTTP request
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a fully read HTTP response
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	// URL is the final URL after redirects
	URL string
}

// StatusError reports a non-2xx response
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Options configures a client
type Options struct {
	Name              string
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables the limiter
	Burst             int
	MaxBodyBytes      int64
	UserAgent         string
	Breakers          *resilience.Group
	Logger            *zap.Logger
}

// Client is a rate limited, breaker protected HTTP client
type Client struct {
	name     string
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	maxBody  int64
	logger   *zap.Logger
}

// URLGuard vets every URL a request visits, including redirects
type URLGuard func(u *url.URL) error

type guardKey struct{}

// WithGuard attaches a guard to ctx for requests made with it
func WithGuard(ctx context.Context, guard URLGuard) context.Context {
	return context.WithValue(ctx, guardKey{}, guard)
}

func guardFrom(ctx context.Context) URLGuard {
	g, _ := ctx.Value(guardKey{}).(URLGuard)
	return g
}

// New creates a client
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakers()
	}

	// Pooled transport only; retries stay off
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	restyClient := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", opts.UserAgent).
		SetTransport(retryClient.HTTPClient.Transport).
		SetRedirectPolicy(resty.RedirectPolicyFunc(checkRedirect))

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		name:     opts.Name,
		resty:    restyClient,
		limiter:  limiter,
		breakers: opts.Breakers,
		maxBody:  opts.MaxBodyBytes,
		logger:   opts.Logger.With(zap.String("client", opts.Name)),
	}
}

// NewBreakers returns the breaker group used by default: trips a host after
// repeated transport failures or 5xx responses.
func NewBreakers() *resilience.Group {
	return resilience.NewGroup(resilience.Settings{
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsFailure: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code >= http.StatusInternalServerError
			}
			return err != nil && !errors.Is(err, context.Canceled)
		},
	})
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if guard := guardFrom(req.Context()); guard != nil {
		return guard(req.URL)
	}
	return nil
}

// Do performs req, waiting on the client quota first
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	op := c.name + " " + req.Method
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, errs.Network(op, fmt.Errorf("invalid URL %q", req.URL))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errs.Network(op, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if guard := guardFrom(ctx); guard != nil {
		if err := guard(u); err != nil {
			return nil, errs.Network(op, err)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.Network(op, fmt.Errorf("rate limit: %w", err))
	}

	start := time.Now()
	var out *Response
	err = c.breakers.Get(u.Host).Execute(func() error {
		var execErr error
		out, execErr = c.execute(ctx, req)
		return execErr
	})

	c.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("host", u.Host),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil))

	if err != nil {
		return nil, errs.Network(op, err)
	}
	return out, nil
}

// Get is a convenience wrapper for GET requests
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Headers: headers})
}

func (c *Client) execute(ctx context.Context, req Request) (*Response, error) {
	r := c.resty.R().
		SetContext(ctx).
		SetHeaders(req.Headers).
		SetDoNotParseResponse(true)
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		return nil, err
	}
	raw := resp.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.maxBody)
	}

	final := req.URL
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		final = resp.RawResponse.Request.URL.String()
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &StatusError{Code: resp.StatusCode(), URL: final}
	}

	return &Response{
		Status:  resp.StatusCode(),
		Headers: resp.Header().Clone(),
		Body:    body,
		URL:     final,
	}, nil
}

// BreakerStates reports breaker state per host
func (c *Client) BreakerStates() map[string]resilience.State {
	return c.breakers.States()
}
