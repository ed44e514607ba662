// Package client is a minimal Twilio REST client covering the calls and
// phone-number resources a call test needs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Twilio 2010-04-01 REST API root.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// Twilio error codes the engine reacts to.
const (
	// CodeCallNotInProgress is returned when updating a call that has ended.
	CodeCallNotInProgress = 21220
)

// Client is a Twilio API client. It is safe for concurrent use.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("client: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("client: auth token is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call is a Twilio call resource.
type Call struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
}

// CreateCallParams are parameters for placing a call.
type CreateCallParams struct {
	To                  string
	From                string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string
	Timeout             time.Duration // ring timeout
}

// CreateCall places an outbound call executing inline TwiML once answered.
func (c *Client) CreateCall(ctx context.Context, params CreateCallParams) (*Call, error) {
	if params.To == "" || params.From == "" {
		return nil, errors.New("client: to and from are required")
	}
	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
		data.Set("StatusCallbackMethod", http.MethodPost)
	}
	for _, event := range params.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}
	if params.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(int(params.Timeout/time.Second)))
	}

	var call Call
	if err := c.post(ctx, c.accountURL("Calls.json"), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.accountURL("Calls", callSID+".json"), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallParams are parameters for modifying a live call.
type UpdateCallParams struct {
	Twiml  string // replaces the TwiML the call is executing
	Status string // "completed" hangs up an answered call, "canceled" a ringing one
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params UpdateCallParams) (*Call, error) {
	data := url.Values{}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}

	var call Call
	if err := c.post(ctx, c.accountURL("Calls", callSID+".json"), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, UpdateCallParams{Status: "completed"})
}

// PhoneNumber is a Twilio incoming phone number resource.
type PhoneNumber struct {
	SID            string `json:"sid"`
	PhoneNumber    string `json:"phone_number"`
	FriendlyName   string `json:"friendly_name"`
	VoiceURL       string `json:"voice_url"`
	VoiceMethod    string `json:"voice_method"`
	StatusCallback string `json:"status_callback"`
}

type phoneNumberList struct {
	PhoneNumbers []PhoneNumber `json:"incoming_phone_numbers"`
}

// ListPhoneNumbers returns the phone numbers on the account.
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	var list phoneNumberList
	if err := c.get(ctx, c.accountURL("IncomingPhoneNumbers.json"), &list); err != nil {
		return nil, err
	}
	return list.PhoneNumbers, nil
}

// FindPhoneNumber looks up an owned number by its E.164 form.
func (c *Client) FindPhoneNumber(ctx context.Context, number string) (*PhoneNumber, error) {
	endpoint := c.accountURL("IncomingPhoneNumbers.json") + "?" + url.Values{"PhoneNumber": {number}}.Encode()
	var list phoneNumberList
	if err := c.get(ctx, endpoint, &list); err != nil {
		return nil, err
	}
	for i := range list.PhoneNumbers {
		if list.PhoneNumbers[i].PhoneNumber == number {
			return &list.PhoneNumbers[i], nil
		}
	}
	return nil, fmt.Errorf("client: phone number %s not found on account", number)
}

// UpdatePhoneNumberParams are parameters for re-pointing a number's webhooks.
type UpdatePhoneNumberParams struct {
	VoiceURL       string
	StatusCallback string
}

// UpdatePhoneNumber sets the voice webhook of an owned number.
func (c *Client) UpdatePhoneNumber(ctx context.Context, sid string, params UpdatePhoneNumberParams) (*PhoneNumber, error) {
	data := url.Values{}
	data.Set("VoiceUrl", params.VoiceURL)
	data.Set("VoiceMethod", http.MethodPost)
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
		data.Set("StatusCallbackMethod", http.MethodPost)
	}

	var pn PhoneNumber
	if err := c.post(ctx, c.accountURL("IncomingPhoneNumbers", sid+".json"), data, &pn); err != nil {
		return nil, err
	}
	return &pn, nil
}

// Error is a Twilio API error.
type Error struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	MoreInfo   string `json:"more_info"`
	Status     int    `json:"status"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// IsCallNotInProgress reports whether err says the call has already ended.
func IsCallNotInProgress(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeCallNotInProgress || apiErr.HTTPStatus == http.StatusNotFound
}

func (c *Client) accountURL(parts ...string) string {
	return c.baseURL + "/Accounts/" + c.accountSID + "/" + strings.Join(parts, "/")
}

func (c *Client) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

// post sends form data.
func (c *Client) post(ctx context.Context, url string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := Error{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return fmt.Errorf("twilio error (http %d): %s", resp.StatusCode, string(body))
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
