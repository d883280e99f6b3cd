package bridge

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/transport"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/utils"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single bridge call
const DefaultTimeout = 15 * time.Second

// Outcome labels
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Options configures a Bridge
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables quotas
	Burst             int
	Console           bool
	Logger            *zap.Logger
	Metrics           *monitoring.Metrics
}

// Bridge owns the shared transport and per-extension quotas
type Bridge struct {
	client  *transport.Client
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a bridge over client
func New(client *transport.Client, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bridge{
		client:   client,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		limiters: make(map[string]*rate.Limiter),
	}
}

// For returns the binding for one extension. Quotas are keyed by id and
// outlive individual sandboxes.
func (b *Bridge) For(id string, hosts []string) *Binding {
	return &Binding{
		bridge:  b,
		id:      id,
		hosts:   append([]string(nil), hosts...),
		limiter: b.limiter(id),
		logger:  b.logger.With(zap.String("extension", id)),
	}
}

// Forget drops the quota state of an uninstalled extension
func (b *Bridge) Forget(id string) {
	b.mu.Lock()
	delete(b.limiters, id)
	b.mu.Unlock()
}

func (b *Bridge) limiter(id string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.limiters[id]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if b.opts.RequestsPerSecond > 0 {
		burst := b.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(b.opts.RequestsPerSecond), burst)
	}
	b.limiters[id] = l
	return l
}

// ContextFunc returns the context of the sandbox call in progress
type ContextFunc func() context.Context

// Binding is the bridge as seen by one extension
type Binding struct {
	bridge  *Bridge
	id      string
	hosts   []string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// ID returns the extension the binding is attributed to
func (bd *Binding) ID() string { return bd.id }

// Reply is the result of an HTTP call as handed to scripts
type Reply struct {
	Status      int
	Headers     http.Header
	Body        []byte
	ContentType string
}

// Text decodes the reply body to UTF-8
func (r *Reply) Text() string {
	return DecodeText(r.Body, r.ContentType)
}

// Allowed reports whether host is permitted by the binding allow-list. An
// empty list permits every host.
func (bd *Binding) Allowed(host string) bool {
	if len(bd.hosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, pattern := range bd.hosts {
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return false
}

func (bd *Binding) guard(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !bd.Allowed(u.Hostname()) {
		return fmt.Errorf("%w: %s", errs.ErrHostDenied, u.Hostname())
	}
	return nil
}

// Do performs one request on behalf of the extension
func (bd *Binding) Do(ctx context.Context, fn string, req transport.Request) (*Reply, error) {
	op := "bridge." + fn
	m := bd.bridge.metrics

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		m.RecordBridgeRejected(bd.id, "url")
		return nil, errs.New(errs.ErrNetwork, op, bd.id, fmt.Errorf("invalid URL %q", req.URL))
	}
	if err := bd.guard(u); err != nil {
		reason := "scheme"
		if errors.Is(err, errs.ErrHostDenied) {
			reason = "host"
		}
		m.RecordBridgeRejected(bd.id, reason)
		bd.logger.Warn("Bridge call refused", zap.String("function", fn), zap.String("url", req.URL), zap.Error(err))
		return nil, errs.New(errs.ErrNetwork, op, bd.id, err)
	}
	if !bd.limiter.Allow() {
		m.RecordBridgeRejected(bd.id, "quota")
		bd.logger.Warn("Bridge quota exceeded", zap.String("function", fn))
		return nil, errs.New(errs.ErrNetwork, op, bd.id, errs.ErrQuotaExceeded)
	}

	ctx, cancel := context.WithTimeout(ctx, bd.bridge.opts.Timeout)
	defer cancel()
	ctx = transport.WithGuard(ctx, bd.guard)

	start := time.Now()
	resp, err := bd.bridge.client.Do(ctx, req)
	if err != nil {
		m.RecordBridgeCall(bd.id, fn, outcomeError)
		bd.logger.Debug("Bridge call failed",
			zap.String("function", fn),
			zap.String("host", u.Host),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		var e *errs.Error
		if errors.As(err, &e) && e.ExtensionID == "" {
			e.ExtensionID = bd.id
		}
		return nil, err
	}

	m.RecordBridgeCall(bd.id, fn, outcomeOK)
	bd.logger.Debug("Bridge call",
		zap.String("function", fn),
		zap.String("host", u.Host),
		zap.Int("status", resp.Status),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", time.Since(start)))

	return &Reply{
		Status:      resp.Status,
		Headers:     resp.Headers,
		Body:        resp.Body,
		ContentType: resp.Headers.Get("Content-Type"),
	}, nil
}

// FetchText performs a GET and decodes the body
func (bd *Binding) FetchText(ctx context.Context, rawURL string, headers map[string]string) (string, error) {
	r, err := bd.Do(ctx, "fetchText", transport.Request{Method: http.MethodGet, URL: rawURL, Headers: headers})
	if err != nil {
		return "", err
	}
	return r.Text(), nil
}

// FetchBytes performs a GET and returns the raw body
func (bd *Binding) FetchBytes(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	r, err := bd.Do(ctx, "fetchBytes", transport.Request{Method: http.MethodGet, URL: rawURL, Headers: headers})
	if err != nil {
		return nil, err
	}
	return r.Body, nil
}

// Install places the host functions on vm. current supplies the context of
// the call in progress whenever a script reaches the network.
func (bd *Binding) Install(vm *goja.Runtime, current ContextFunc) error {
	if current == nil {
		current = context.Background
	}
	i := &funcs{vm: vm, bd: bd, current: current}

	set := func(name string, value any) error {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
		return nil
	}

	axios := vm.NewObject()
	_ = axios.Set("get", i.axiosGet)
	_ = axios.Set("post", i.axiosPost)

	cheerio := vm.NewObject()
	_ = cheerio.Set("load", cheerioLoad(vm))

	htmlObj := vm.NewObject()
	_ = htmlObj.Set("select", i.htmlSelect)
	_ = htmlObj.Set("xpath", i.htmlXPath)

	cryptoObj := vm.NewObject()
	_ = cryptoObj.Set("md5", md5Hex)
	_ = cryptoObj.Set("aesDecrypt", i.aesDecrypt)

	bindings := []struct {
		name  string
		value any
	}{
		{"fetchText", i.fetchText},
		{"fetchBytes", i.fetchBytes},
		{"axios", axios},
		{"cheerio", cheerio},
		{"html", htmlObj},
		{"crypto", cryptoObj},
		{"atob", i.atob},
		{"btoa", btoa},
	}
	for _, b := range bindings {
		if err := set(b.name, b.value); err != nil {
			return err
		}
	}

	if bd.bridge.opts.Console {
		console := vm.NewObject()
		for _, level := range []string{"log", "info", "warn", "error", "debug"} {
			_ = console.Set(level, i.console(level))
		}
		if err := set("console", console); err != nil {
			return err
		}
	}
	return nil
}

// funcs holds the closures bound into one runtime
type funcs struct {
	vm      *goja.Runtime
	bd      *Binding
	current ContextFunc
}

// settle runs fn and returns an already settled promise
func (i *funcs) settle(fn func() (any, error)) goja.Value {
	promise, resolve, reject := i.vm.NewPromise()
	v, err := fn()
	if err != nil {
		reject(i.vm.NewGoError(err))
	} else {
		resolve(v)
	}
	return i.vm.ToValue(promise)
}

func (i *funcs) fetchText(call goja.FunctionCall) goja.Value {
	rawURL, headers := call.Argument(0).String(), headersOf(call.Argument(1))
	return i.settle(func() (any, error) {
		return i.bd.FetchText(i.current(), rawURL, headers)
	})
}

func (i *funcs) fetchBytes(call goja.FunctionCall) goja.Value {
	rawURL, headers := call.Argument(0).String(), headersOf(call.Argument(1))
	return i.settle(func() (any, error) {
		body, err := i.bd.FetchBytes(i.current(), rawURL, headers)
		if err != nil {
			return nil, err
		}
		return i.vm.NewArrayBuffer(body), nil
	})
}

func (i *funcs) axiosGet(call goja.FunctionCall) goja.Value {
	req := transport.Request{
		Method:  http.MethodGet,
		URL:     call.Argument(0).String(),
		Headers: headersOf(optionHeaders(call.Argument(1))),
	}
	return i.settle(func() (any, error) { return i.axios("axios.get", req) })
}

func (i *funcs) axiosPost(call goja.FunctionCall) goja.Value {
	req := transport.Request{
		Method:  http.MethodPost,
		URL:     call.Argument(0).String(),
		Headers: headersOf(optionHeaders(call.Argument(2))),
	}
	body := call.Argument(1)
	switch {
	case goja.IsUndefined(body) || goja.IsNull(body):
	case isString(body):
		req.Body = []byte(body.String())
	default:
		encoded, err := sonic.Marshal(body.Export())
		if err != nil {
			panic(i.vm.NewTypeError("axios.post: body is not serializable: %v", err))
		}
		req.Body = encoded
		if req.Headers == nil {
			req.Headers = make(map[string]string)
		}
		if _, ok := req.Headers["Content-Type"]; !ok {
			req.Headers["Content-Type"] = "application/json"
		}
	}
	return i.settle(func() (any, error) { return i.axios("axios.post", req) })
}

func (i *funcs) axios(fn string, req transport.Request) (any, error) {
	r, err := i.bd.Do(i.current(), fn, req)
	if err != nil {
		return nil, err
	}
	text := r.Text()
	var data any = text
	if strings.Contains(strings.ToLower(r.ContentType), "json") {
		var parsed any
		if sonic.UnmarshalString(text, &parsed) == nil {
			data = parsed
		}
	}
	headers := make(map[string]any, len(r.Headers))
	for k := range r.Headers {
		headers[strings.ToLower(k)] = r.Headers.Get(k)
	}
	return map[string]any{
		"data":    data,
		"status":  r.Status,
		"headers": headers,
	}, nil
}

func (i *funcs) htmlSelect(call goja.FunctionCall) goja.Value {
	out, err := selectCSS(call.Argument(0).String(), call.Argument(1).String())
	if err != nil {
		panic(i.vm.NewGoError(err))
	}
	return i.vm.ToValue(out)
}

func (i *funcs) htmlXPath(call goja.FunctionCall) goja.Value {
	out, err := selectXPath(call.Argument(0).String(), call.Argument(1).String())
	if err != nil {
		panic(i.vm.NewTypeError("html.xpath: %v", err))
	}
	return i.vm.ToValue(out)
}

func (i *funcs) console(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for n, arg := range call.Arguments {
			parts[n] = arg.String()
		}
		msg := strings.Join(parts, " ")
		logger := i.bd.logger.With(zap.String("source", "console"))
		switch level {
		case "error":
			logger.Error(msg)
		case "warn":
			logger.Warn(msg)
		case "debug":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
		return goja.Undefined()
	}
}

func (i *funcs) atob(encoded string) string {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		// tolerate missing padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(encoded), "="))
		if err != nil {
			panic(i.vm.NewTypeError("atob: invalid base64 input"))
		}
	}
	return string(data)
}

func btoa(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

var md5Hasher, _ = utils.NewHasher(utils.MD5)

func md5Hex(text string) string {
	return md5Hasher.HashString(text)
}

// aesDecrypt decrypts base64 AES-CBC data with a UTF-8 key; a missing iv is
// all zeros. Failures yield "".
func (i *funcs) aesDecrypt(data, key string, iv goja.Value) string {
	ivBytes := make([]byte, aes.BlockSize)
	if iv != nil && !goja.IsUndefined(iv) && !goja.IsNull(iv) {
		ivBytes = []byte(iv.String())
	}
	out, err := decryptCBC(data, []byte(key), ivBytes)
	if err != nil {
		i.bd.logger.Warn("aesDecrypt failed", zap.Error(err))
		return ""
	}
	return out
}

func decryptCBC(data string, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a multiple of the block size")
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return "", errors.New("bad padding")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return "", errors.New("bad padding")
		}
	}
	return string(plain[:len(plain)-pad]), nil
}

func isString(v goja.Value) bool {
	_, ok := v.Export().(string)
	return ok
}

// optionHeaders extracts options.headers
func optionHeaders(v goja.Value) goja.Value {
	obj, ok := v.(*goja.Object)
	if !ok {
		return goja.Undefined()
	}
	return obj.Get("headers")
}

func headersOf(v goja.Value) map[string]string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, ok := v.Export().(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = fmt.Sprint(val)
	}
	return out
}
