package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html"

	"etmapd/pkg/config"
	"etmapd/pkg/logging"
	"etmapd/pkg/version"
)

var defaultUserAgent = fmt.Sprintf("etmapd/%s", version.Version)

// retryStep and retryCap bound the linear retry delay: attempt n waits
// min(n*retryStep, retryCap). Vars so tests can collapse the sleeps.
var (
	retryStep = 5 * time.Second
	retryCap  = 30 * time.Second
)

// Recorder receives fetch telemetry. *metrics.Provider satisfies it.
type Recorder interface {
	FetchUnit(dataset, result string)
	ObserveDownload(dataset string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) FetchUnit(string, string)              {}
func (nopRecorder) ObserveDownload(string, time.Duration) {}

// Client performs provider downloads with a per-host connection cap and
// classified retries.
type Client struct {
	httpClient  *http.Client
	timeout     time.Duration
	retries     int
	concurrency int

	// Basic auth applied when a request or redirect lands on this host.
	authMachine string
	authCreds   *Credentials

	mu   sync.Mutex
	sems map[string]chan struct{}

	recorder Recorder
}

// NewClient creates a Client from the shared request settings.
func NewClient(cfg config.RequestConfig, rec Recorder) *Client {
	if rec == nil {
		rec = nopRecorder{}
	}
	// The jar carries provider session cookies across the Earthdata
	// redirect dance.
	jar, _ := cookiejar.New(nil)

	c := &Client{
		timeout:     time.Duration(cfg.Timeout),
		retries:     cfg.Retries,
		concurrency: cfg.Concurrency,
		sems:        make(map[string]chan struct{}),
		recorder:    rec,
	}
	c.httpClient = &http.Client{
		Jar:           jar,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// SetBasicAuth registers credentials for one provider host. Redirects
// through that host get an Authorization header, everything else does
// not.
func (c *Client) SetBasicAuth(machine string, creds *Credentials) {
	c.authMachine = machine
	c.authCreds = creds
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if c.authCreds != nil && strings.EqualFold(req.URL.Host, c.authMachine) {
		req.SetBasicAuth(c.authCreds.Login, c.authCreds.Password)
	}
	return nil
}

// acquire blocks until a connection slot for the host is free and
// returns the release function.
func (c *Client) acquire(ctx context.Context, host string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.sems[host]
	if !ok {
		sem = make(chan struct{}, c.concurrency)
		c.sems[host] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetBytes fetches a URL body into memory, with retries.
func (c *Client) GetBytes(ctx context.Context, dataset, rawURL string, headers map[string]string) ([]byte, error) {
	var body []byte
	err := c.withRetries(ctx, func() error {
		var err error
		body, err = c.doOnce(ctx, dataset, "GET", rawURL, nil, headers)
		return err
	})
	return body, err
}

// PostJSON sends a JSON payload and returns the response body, with
// retries.
func (c *Client) PostJSON(ctx context.Context, dataset, rawURL string, payload []byte) ([]byte, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	var body []byte
	err := c.withRetries(ctx, func() error {
		var err error
		body, err = c.doOnce(ctx, dataset, "POST", rawURL, payload, headers)
		return err
	})
	return body, err
}

// DownloadFile fetches a URL straight to dest. The write is atomic, a
// partial transfer never leaves a destination file behind. An existing
// dest short-circuits the download.
func (c *Client) DownloadFile(ctx context.Context, dataset, rawURL, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		c.recorder.FetchUnit(dataset, "cached")
		return nil
	}

	err := c.withRetries(ctx, func() error {
		return c.downloadOnce(ctx, dataset, rawURL, dest)
	})
	if err != nil {
		c.recorder.FetchUnit(dataset, "failed")
		return err
	}
	c.recorder.FetchUnit(dataset, "downloaded")
	return nil
}

// downloadFileN is DownloadFile with a caller-supplied retry cap, for
// providers with their own retry cap. It does not touch the unit
// counters, the caller accounts for the unit itself.
func (c *Client) downloadFileN(ctx context.Context, dataset, rawURL, dest string, retries int) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	return c.withRetriesN(ctx, retries, func() error {
		return c.downloadOnce(ctx, dataset, rawURL, dest)
	})
}

// withRetries runs op with the linear retry policy. Non-transient
// failures stop immediately.
func (c *Client) withRetries(ctx context.Context, op func() error) error {
	return c.withRetriesN(ctx, c.retries, op)
}

func (c *Client) withRetriesN(ctx context.Context, retries int, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: retryStep, cap: retryCap}, uint64(retries)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Client) doOnce(ctx context.Context, dataset, method, rawURL string, payload []byte, headers map[string]string) ([]byte, error) {
	resp, err := c.send(ctx, dataset, method, rawURL, payload, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindTransient, "reading response body", err)
	}
	if err := classifyPayload(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) downloadOnce(ctx context.Context, dataset, rawURL, dest string) error {
	resp, err := c.send(ctx, dataset, "GET", rawURL, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return newError(KindConfig, "creating cache directory", err)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return newError(KindConfig, "creating temp file", err)
	}

	// Sniff the first chunk so an HTML login page never lands in the
	// cache as a raster.
	head := make([]byte, 1024)
	n, rerr := io.ReadFull(resp.Body, head)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		f.Close()
		os.Remove(tmp)
		return newError(KindTransient, "reading payload", rerr)
	}
	head = head[:n]
	if err := classifyPayload(resp, head); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if _, err := f.Write(head); err != nil {
		f.Close()
		os.Remove(tmp)
		return newError(KindTransient, "writing payload", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return newError(KindTransient, "writing payload", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return newError(KindTransient, "closing payload", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return newError(KindConfig, "publishing payload", err)
	}
	return nil
}

// send performs one HTTP attempt under the host's connection slot.
func (c *Client) send(ctx context.Context, dataset, method, rawURL string, payload []byte, headers map[string]string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(KindConfig, "invalid url "+rawURL, err)
	}

	release, err := c.acquire(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	defer release()

	logging.TraceDefault("http attempt", "dataset", dataset, "method", method, "url", rawURL)

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	var bodyReader io.Reader = http.NoBody
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, bodyReader)
	if err != nil {
		cancel()
		return nil, newError(KindConfig, "building request", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.authCreds != nil && strings.EqualFold(u.Host, c.authMachine) {
		req.SetBasicAuth(c.authCreds.Login, c.authCreds.Password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, newError(KindTransient, "request failed", err)
	}
	c.recorder.ObserveDownload(dataset, time.Since(start))

	if err := classifyStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	// The caller drains the body; tie the timeout to it.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(KindAuth, "credentials rejected: "+resp.Status, nil)
	case resp.StatusCode == http.StatusNotFound:
		return newError(KindNotFound, "not published: "+resp.Status, nil)
	case resp.StatusCode >= 500:
		return newError(KindTransient, "server error: "+resp.Status, nil)
	default:
		return newError(KindFormat, "unexpected status: "+resp.Status, nil)
	}
}

// classifyPayload rejects HTML bodies on endpoints that serve binary or
// JSON data. Providers behind SSO answer unauthenticated requests with
// a 200 login page, which must fail loudly instead of poisoning the
// cache.
func classifyPayload(resp *http.Response, head []byte) error {
	ct := resp.Header.Get("Content-Type")
	isHTML := strings.Contains(ct, "text/html") || looksLikeHTML(head)
	if !isHTML {
		return nil
	}

	msg := "provider returned an HTML page instead of data"
	if title := htmlTitle(head); title != "" {
		msg += ": " + title
	}
	return newError(KindAuth, msg, nil)
}

func looksLikeHTML(head []byte) bool {
	trimmed := bytes.TrimSpace(head)
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}

// htmlTitle pulls the <title> out of a login or error page for the job
// error message.
func htmlTitle(head []byte) string {
	doc, err := html.Parse(bytes.NewReader(head))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// linearBackOff waits attempt*step, capped. The providers here throttle
// rather than ban, a gentle ramp is enough.
type linearBackOff struct {
	step    time.Duration
	cap     time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(b.attempt) * b.step
	if d > b.cap {
		d = b.cap
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*linearBackOff)(nil)
