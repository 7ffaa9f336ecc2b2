package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio sends SMS through the Twilio Messages REST API.
type Twilio struct {
	accountSID     string
	from           string
	statusCallback string
	client         *twilio.RestClient
}

// TwilioOpts holds parameters for creating a Twilio gateway.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	// StatusCallback receives delivery receipts. Optional.
	StatusCallback string
	// BaseURL redirects API calls to another host, for sandboxes and tests.
	BaseURL    string
	HTTPClient *http.Client
}

// NewTwilio creates a Twilio gateway.
func NewTwilio(opts TwilioOpts) (*Twilio, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, fmt.Errorf("delivery: twilio account sid and auth token are required")
	}
	from, err := NormalizeAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("delivery: twilio from number: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil || base.Host == "" {
			return nil, fmt.Errorf("delivery: twilio base url %q is invalid", opts.BaseURL)
		}
		rewritten := *httpClient
		rewritten.Transport = &hostRewriter{base: base, next: transportOf(httpClient)}
		httpClient = &rewritten
	}

	c := &twclient.Client{
		Credentials: twclient.NewCredentials(opts.AccountSID, opts.AuthToken),
		HTTPClient:  httpClient,
	}
	c.SetAccountSid(opts.AccountSID)
	return &Twilio{
		accountSID:     opts.AccountSID,
		from:           from,
		statusCallback: opts.StatusCallback,
		client:         twilio.NewRestClientWithParams(twilio.ClientParams{Client: c}),
	}, nil
}

type sendResult struct {
	msg *openapi.ApiV2010Message
	err error
}

// Send implements Gateway. The SDK call does not take a context, so a
// cancelled ctx abandons the call and the HTTP client timeout bounds it.
func (t *Twilio) Send(ctx context.Context, msg Outgoing) (string, error) {
	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(t.accountSID)
	params.SetTo(msg.To)
	params.SetFrom(t.from)
	params.SetBody(msg.Body)
	if msg.MediaURL != "" {
		params.SetMediaUrl([]string{msg.MediaURL})
	}
	if t.statusCallback != "" {
		params.SetStatusCallback(t.statusCallback)
	}

	done := make(chan sendResult, 1)
	go func() {
		m, err := t.client.Api.CreateMessage(params)
		done <- sendResult{msg: m, err: err}
	}()

	var res sendResult
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("delivery: twilio send: %w", ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		var te *twclient.TwilioRestError
		if errors.As(res.err, &te) {
			return "", &ProviderError{StatusCode: te.Status, Code: te.Code, Message: te.Message}
		}
		return "", fmt.Errorf("delivery: twilio send: %w", res.err)
	}
	m := res.msg
	if m == nil {
		return "", &ProviderError{Message: "empty response"}
	}
	if m.ErrorCode != nil && *m.ErrorCode != 0 {
		pe := &ProviderError{Code: *m.ErrorCode}
		if m.ErrorMessage != nil {
			pe.Message = *m.ErrorMessage
		}
		return "", pe
	}
	if m.Sid == nil || *m.Sid == "" {
		return "", &ProviderError{Message: "response carried no message sid"}
	}
	return *m.Sid, nil
}

// hostRewriter sends every request to base, keeping the path.
type hostRewriter struct {
	base *url.URL
	next http.RoundTripper
}

func (h *hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = h.base.Scheme
	out.URL.Host = h.base.Host
	out.Host = h.base.Host
	return h.next.RoundTrip(out)
}

func transportOf(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}
