package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the provider's REST API root.
const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

type Config struct {
	AccountSID string
	AuthToken  string
	APIBaseURL string
}

// Client places outbound calls through the provider's REST API.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// PlaceCall starts an outbound call that will fetch its connection
// instructions from instructionURL. It returns the provider call sid.
func (c *Client) PlaceCall(ctx context.Context, to, from, instructionURL string) (string, error) {
	if strings.TrimSpace(c.cfg.AccountSID) == "" || strings.TrimSpace(c.cfg.AuthToken) == "" {
		return "", fmt.Errorf("missing telephony credentials")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Url", instructionURL)
	form.Set("Method", http.MethodPost)

	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Calls.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build call request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read call response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && strings.TrimSpace(apiErr.Message) != "" {
			return "", fmt.Errorf("call placement failed (%d): %s", res.StatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("call placement failed (%d)", res.StatusCode)
	}

	var parsed callResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode call response: %w", err)
	}
	if parsed.SID == "" {
		return "", fmt.Errorf("call response missing sid")
	}
	return parsed.SID, nil
}
