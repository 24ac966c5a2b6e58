// Package jmapclient implements the subset of a JMAP mail client mujmap's
// sync engine relies on: session discovery, batched method calls, the
// Email/Mailbox operations listed in spec.md §4.1, and blob download over a
// bounded worker pool.
package jmapclient

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// AuthMode selects how the client authenticates to the API endpoint.
type AuthMode int

const (
	AuthBasic AuthMode = iota
	AuthBearer
)

// Config configures a Client. It is built from mujmapconfig's parsed
// mujmap.toml.
type Config struct {
	SessionURL string
	FQDN       string
	Username   string
	Credential string
	AuthMode   AuthMode

	Timeout             time.Duration
	Retries             int // 0 means unbounded
	DownloadConcurrency int

	// InsecureSkipVerify disables TLS certificate verification. Only
	// meant for talking to test fixtures.
	InsecureSkipVerify bool
}

// Client is a connected JMAP session plus the HTTP plumbing to issue
// batched method calls and blob downloads against it.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	session     *Session
	apiURL      string
	downloadURL string
	accountID   string

	// replacePatches forces the whole-object Email/set compatibility
	// mode (spec.md §4.1) once the server has rejected a path-style
	// patch.
	replacePatches bool
}

// New constructs a Client. It does not perform any network I/O; call
// Connect before issuing method calls.
func New(cfg Config) *Client {
	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	var rt http.RoundTripper = transport
	if cfg.AuthMode == AuthBearer {
		rt = &oauth2.Transport{
			Base: rt,
			Source: oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: cfg.Credential,
				TokenType:   "Bearer",
			}),
		}
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: rt,
		},
		// A conservative default pace between JMAP method calls; this
		// mirrors the teacher's use of golang.org/x/time/rate to keep
		// within a remote quota, generalized here to a plain request
		// pacer independent of any particular provider's quota model.
		limiter: rate.NewLimiter(rate.Limit(20), 20),
	}
}

// applyAuth attaches the configured credential to req.
func (c *Client) applyAuth(req *http.Request) {
	if c.cfg.AuthMode == AuthBasic {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Credential)
	}
	// Bearer auth is handled by the oauth2.Transport wrapping the
	// client's Transport.
}

// Connect resolves the session URL (spec.md §4.1's three-step priority
// order) and fetches the session document, populating the API endpoint,
// download URL template and account id.
func (c *Client) Connect(ctx context.Context) error {
	url, err := discoverSessionURL(ctx, c.cfg.SessionURL, c.cfg.FQDN, c.cfg.Username)
	if err != nil {
		return errors.Wrap(err, "resolving JMAP session URL")
	}
	session, _, err := c.getSession(ctx, url)
	if err != nil {
		return err
	}
	c.session = session
	c.apiURL = session.APIURL
	c.downloadURL = session.DownloadURL
	c.accountID = session.AccountID()
	if c.accountID == "" {
		return errors.New("JMAP session did not advertise a mail account")
	}
	return nil
}

// State returns the JMAP state token advertised by the session document at
// connect time. This is not the per-type Email state tracked across
// changes() calls.
func (c *Client) State() State {
	if c.session == nil {
		return ""
	}
	return c.session.State
}

func (c *Client) newCallID() string {
	return strings.TrimSuffix(uuid.NewString(), "=")[:8]
}

// doWithRetry executes attempt, retrying transport-level failures with
// exponential backoff up to cfg.Retries attempts (0 = unbounded). attempt
// is responsible for distinguishing retryable errors (wrap with
// errors.Wrap) from terminal ones (return ErrAuthentication / ErrStateExpired
// unwrapped so retry stops immediately).
func (c *Client) doWithRetry(ctx context.Context, attempt func(ctx context.Context) error) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for n := 0; ; n++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		cause := errors.Cause(err)
		if cause == ErrAuthentication || cause == ErrStateExpired {
			return err
		}
		if c.cfg.Retries > 0 && n+1 >= c.cfg.Retries {
			return errors.Wrapf(ErrRetriesExhausted, "after %d attempts: %v", n+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// DownloadConcurrency returns the configured worker pool width, defaulting
// to 8 per spec.md §4.1.
func (c *Client) DownloadConcurrency() int {
	if c.cfg.DownloadConcurrency <= 0 {
		return 8
	}
	return c.cfg.DownloadConcurrency
}

// drainBody discards and closes resp.Body, matching the standard library's
// documented requirement for reusing a keep-alive connection.
func drainBody(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
