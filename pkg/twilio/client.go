// Package twilio provides the outbound-call REST client and the TwiML
// markup that points an answered call at the media-stream endpoint.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/teslashibe/callbridge/internal/httpc"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Sentinel errors for the twilio package.
var (
	// ErrMissingCredentials indicates the account SID or auth token was not provided.
	ErrMissingCredentials = errors.New("twilio: account SID and auth token are required")

	// ErrInvalidPhoneNumber indicates the destination is not E.164.
	ErrInvalidPhoneNumber = errors.New("twilio: invalid phone number")
)

// e164 matches E.164 phone numbers, optionally prefixed with +.
var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// ValidatePhoneNumber reports whether the number is E.164.
func ValidatePhoneNumber(number string) bool {
	return e164.MatchString(number)
}

// APIError represents an error response from the Twilio REST API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio: API error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twilio: API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client handles REST API calls to Twilio.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Twilio REST client.
func NewClient(accountSID, authToken string) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, ErrMissingCredentials
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: httpc.Client,
	}, nil
}

// SetBaseURL overrides the API endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// CallParams configures an outbound call.
type CallParams struct {
	// To is the destination in E.164 format.
	To string

	// From is the caller ID, one of the account's numbers.
	From string

	// TwiMLURL is fetched by Twilio when the call is answered.
	TwiMLURL string

	// StatusCallbackURL receives call-progress webhooks.
	StatusCallbackURL string
}

// Call is the subset of the Twilio call resource the relay uses.
type Call struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// CreateCall places an outbound call via the Twilio REST API.
func (c *Client) CreateCall(ctx context.Context, p CallParams) (*Call, error) {
	if !ValidatePhoneNumber(p.To) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, p.To)
	}

	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Url", p.TwiMLURL)
	form.Set("Method", "POST")
	if p.StatusCallbackURL != "" {
		form.Set("StatusCallback", p.StatusCallbackURL)
		form.Set("StatusCallbackMethod", "POST")
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: create request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: create call request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeAPIError(resp)
	}

	var call Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, fmt.Errorf("twilio: decode call response: %w", err)
	}
	return &call, nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Code: parsed.Code, Message: parsed.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
}

// Terminal call statuses reported by the status callback.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"no-answer": true,
	"failed":    true,
	"canceled":  true,
}

// IsTerminalStatus reports whether a callback status ends the call.
func IsTerminalStatus(status string) bool {
	return terminalStatuses[status]
}
