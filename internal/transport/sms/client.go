// Package sms sends text messages through the Twilio Messages API.
package sms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"gratibot/internal/transport"
	logx "gratibot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.twilio.com"
	channel        = "sms"
	// Twilio rejects bodies above this many characters.
	maxBodyLen = 1600
)

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL redirects API calls, e.g. to a local stub.
	BaseURL string
	// RatePerSec caps outbound sends. Zero disables the limit.
	RatePerSec int
	Timeout    time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	rest    *twilio.RestClient
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, hc *http.Client, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("sms: account_sid and auth_token are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("sms: from number is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BaseURL != DefaultBaseURL {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("sms: invalid base_url %q", cfg.BaseURL)
		}
		next := hc.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		wrapped := *hc
		wrapped.Transport = rebaseTransport{scheme: base.Scheme, host: base.Host, next: next}
		hc = &wrapped
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	tc := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  hc,
	}
	tc.SetAccountSid(cfg.AccountSID)

	c := &Client{
		cfg:  cfg,
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{Client: tc}),
		log:  log.With(logx.String("comp", "sms")),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

// rebaseTransport points every request at another scheme and host while
// keeping the API path the SDK built.
type rebaseTransport struct {
	scheme string
	host   string
	next   http.RoundTripper
}

func (t rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.scheme
	r.URL.Host = t.host
	r.Host = ""
	return t.next.RoundTrip(r)
}

type createResult struct {
	msg *openapi.ApiV2010Message
	err error
}

// SendSMS posts one message. Every failure, including a rate limiter wait
// cut short by ctx, is a transport.DeliveryError.
func (c *Client) SendSMS(ctx context.Context, to, body string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &transport.DeliveryError{Channel: channel, Err: err}
		}
	}

	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(c.cfg.AccountSID)
	params.SetTo(to)
	params.SetFrom(c.cfg.From)
	params.SetBody(truncate(body, maxBodyLen))

	// The SDK call takes no context; the http client timeout bounds it.
	done := make(chan createResult, 1)
	go func() {
		msg, err := c.rest.Api.CreateMessage(params)
		done <- createResult{msg: msg, err: err}
	}()

	var res createResult
	select {
	case <-ctx.Done():
		c.log.Warn("sms send abandoned", logx.String("to", to), logx.Err(ctx.Err()))
		return &transport.DeliveryError{Channel: channel, Err: ctx.Err()}
	case res = <-done:
	}

	if res.err != nil {
		de := &transport.DeliveryError{Channel: channel, Err: res.err}
		var restErr *twilioclient.TwilioRestError
		if errors.As(res.err, &restErr) {
			de.Status = restErr.Status
			de.Err = fmt.Errorf("twilio %d: %s", restErr.Code, restErr.Message)
		}
		c.log.Warn("sms send failed", logx.String("to", to), logx.Int("status", de.Status), logx.Err(de.Err))
		return de
	}

	var sid, status string
	if res.msg != nil {
		if res.msg.Sid != nil {
			sid = *res.msg.Sid
		}
		if res.msg.Status != nil {
			status = *res.msg.Status
		}
	}
	c.log.Debug("sms sent", logx.String("to", to), logx.String("sid", sid), logx.String("status", status))
	return nil
}

// Send lets the client act as the operator alert sink.
func (c *Client) Send(ctx context.Context, to, body string) error {
	return c.SendSMS(ctx, to, body)
}

// truncate cuts s to at most n runes without splitting a character.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
