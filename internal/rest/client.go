package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sessionCookie is the name of the cookie the server mints on login.
const sessionCookie = "session"

// Client wraps the chat server's HTTP API. It is a plain request/response
// layer: authentication state lives with the caller, which passes the raw
// cookie to attach on each call.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client targeting base, e.g. "http://127.0.0.1:8080". A nil
// httpClient falls back to http.DefaultClient.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

// Login exchanges credentials for a session cookie. The return value is the
// raw Set-Cookie header for the session cookie, attributes and all, exactly
// as the server sent it; the server accepts that same string back verbatim
// in a Cookie header. An empty return with a nil error means the server
// answered OK without minting a session.
func (c *Client) Login(ctx context.Context, user, pass string) (string, error) {
	payload, err := json.Marshal(map[string]string{"user": user, "pass": pass})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("POST /api/login: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	for _, raw := range resp.Header.Values("Set-Cookie") {
		if strings.HasPrefix(raw, sessionCookie+"=") {
			return raw, nil
		}
	}
	return "", nil
}

// GetJSON performs a GET with the cookie attached and decodes the JSON
// response into out.
func (c *Client) GetJSON(ctx context.Context, cookie, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	setCookie(req, cookie)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostJSON performs a POST with the cookie attached, sending body as JSON
// and decoding the response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, cookie, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setCookie(req, cookie)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func setCookie(req *http.Request, cookie string) {
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}
