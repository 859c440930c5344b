package video

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// Client talks to the video provider's REST API and signs/verifies the
// JWT and webhook material derived from the shared API secret.
type Client struct {
	apiKey     string
	apiSecret  []byte
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a video provider client
func NewClient(apiKey, apiSecret, baseURL string) *Client {
	return &Client{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		// Provider-side API limit is well above this; the limiter keeps
		// webhook storms from burning the quota.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// VerifyWebhook checks the provider's webhook signature: HMAC-SHA256 of the
// raw body keyed with the API secret, hex encoded. Runs on the raw bytes
// before any JSON parsing.
func (c *Client) VerifyWebhook(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, c.apiSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// tokenClaims is the provider's JWT claim set. Call-scoped tokens carry the
// call_cids restriction; user tokens omit it.
type tokenClaims struct {
	UserID   string   `json:"user_id"`
	CallCIDs []string `json:"call_cids,omitempty"`
	jwt.RegisteredClaims
}

// MintUserToken mints a short-lived token for a human participant
func (c *Client) MintUserToken(userID string, validity time.Duration) (string, error) {
	return c.mintToken(userID, nil, validity)
}

// MintCallToken mints a token scoped to specific call identifiers, used for
// the agent identity joining one call.
func (c *Client) MintCallToken(userID string, callCIDs []string, validity time.Duration) (string, error) {
	return c.mintToken(userID, callCIDs, validity)
}

func (c *Client) mintToken(userID string, callCIDs []string, validity time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UserID:   userID,
		CallCIDs: callCIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// serverToken mints the server-side token used to authenticate REST calls
func (c *Client) serverToken() (string, error) {
	claims := jwt.MapClaims{
		"server": true,
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.apiSecret)
}

// Member is a call member descriptor
type Member struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// CallState is the subset of provider call state the orchestrator inspects
type CallState struct {
	CallID    string   `json:"id"`
	SessionID string   `json:"current_session_id"`
	Members   []Member `json:"members"`
}

// UpsertUser registers or updates an identity with the provider.
// Idempotent by user id.
func (c *Client) UpsertUser(ctx context.Context, id, name string) error {
	payload := map[string]any{
		"users": map[string]any{
			id: map[string]string{"id": id, "name": name},
		},
	}
	return c.do(ctx, http.MethodPost, "/api/v2/users", payload, nil)
}

// GetOrCreateCall ensures the call resource exists with the given members.
// The provider treats repeated calls with the same id as a fetch.
func (c *Client) GetOrCreateCall(ctx context.Context, callType, callID, createdBy string, members []Member) error {
	payload := map[string]any{
		"data": map[string]any{
			"created_by_id": createdBy,
			"members":       members,
		},
	}
	path := fmt.Sprintf("/api/v2/video/call/%s/%s?create=true", callType, callID)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// GetCallState fetches the live state of a call, including its member list
func (c *Client) GetCallState(ctx context.Context, callType, callID string) (*CallState, error) {
	var out struct {
		Call    CallState `json:"call"`
		Members []Member  `json:"members"`
	}
	path := fmt.Sprintf("/api/v2/video/call/%s/%s", callType, callID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	state := out.Call
	if len(state.Members) == 0 {
		state.Members = out.Members
	}
	return &state, nil
}

// do performs one authenticated REST call against the provider
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	token, err := c.serverToken()
	if err != nil {
		return fmt.Errorf("failed to mint server token: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("stream-auth-type", "jwt")
	req.Header.Set("Content-Type", "application/json")

	q := req.URL.Query()
	q.Set("api_key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d for %s %s: %s", resp.StatusCode, method, path, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}
