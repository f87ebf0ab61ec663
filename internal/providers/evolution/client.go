package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to an Evolution API server. It never retries.
type Client struct {
	BaseURL     string
	APIKey      string
	Integration string
	HTTP        *http.Client
}

// Error is returned for non-2xx responses and for 2xx bodies carrying an error payload.
type Error struct {
	StatusCode int
	Message    string
	Raw        []byte
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("evolution: %d: %s", e.StatusCode, e.Message)
	}
	return "evolution: " + e.Message
}

var ErrNotConfigured = errors.New("evolution: base url or api key missing")

// Configured reports whether the client has the credentials every call needs.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != ""
}

type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type MediaMessage struct {
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	Caption   string `json:"caption"`
}

type SendMediaRequest struct {
	Number       string       `json:"number"`
	MediaMessage MediaMessage `json:"mediaMessage"`
}

type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// SendResponse is the gateway acknowledgement. Raw keeps the full body for the audit log.
type SendResponse struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status"`
	Raw    []byte     `json:"-"`
}

type createRequest struct {
	InstanceName string `json:"instanceName"`
	Integration  string `json:"integration"`
}

type ConnectResponse struct {
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	Count       int    `json:"count"`
	Instance    struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// State maps the connect payload to a session state: "open", "connecting",
// "qr" (a QR code is waiting to be scanned) or "close".
func (r ConnectResponse) State() string {
	switch {
	case r.Base64 != "" || r.Code != "":
		return "qr"
	case r.Instance.State != "":
		return r.Instance.State
	default:
		return "close"
	}
}

func (c *Client) SendText(ctx context.Context, instance, number, text string) (SendResponse, int, error) {
	return c.send(ctx, "/message/sendText/"+url.PathEscape(instance), SendTextRequest{Number: number, Text: text})
}

func (c *Client) SendMedia(ctx context.Context, instance, number, mediaURL, mediaType, caption string) (SendResponse, int, error) {
	return c.send(ctx, "/message/sendMedia/"+url.PathEscape(instance), SendMediaRequest{
		Number: number,
		MediaMessage: MediaMessage{
			MediaType: mediaType,
			URL:       mediaURL,
			Caption:   caption,
		},
	})
}

func (c *Client) send(ctx context.Context, path string, body any) (SendResponse, int, error) {
	raw, status, err := c.do(ctx, http.MethodPost, path, body)
	out := SendResponse{Raw: raw}
	if err != nil {
		return out, status, err
	}
	_ = json.Unmarshal(raw, &out)
	return out, status, nil
}

func (c *Client) CreateSession(ctx context.Context, name string) ([]byte, error) {
	integration := c.Integration
	if integration == "" {
		integration = "WHATSAPP-BAILEYS"
	}
	raw, _, err := c.do(ctx, http.MethodPost, "/instance/create", createRequest{InstanceName: name, Integration: integration})
	return raw, err
}

func (c *Client) ConnectSession(ctx context.Context, name string) (ConnectResponse, error) {
	var out ConnectResponse
	raw, _, err := c.do(ctx, http.MethodGet, "/instance/connect/"+url.PathEscape(name), nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &Error{Message: "invalid connect payload: " + err.Error(), Raw: raw}
	}
	return out, nil
}

// GetQRCode returns the base64 QR image, or "" when the session needs none.
func (c *Client) GetQRCode(ctx context.Context, name string) (string, error) {
	resp, err := c.ConnectSession(ctx, name)
	if err != nil {
		return "", err
	}
	return resp.Base64, nil
}

func (c *Client) DeleteSession(ctx context.Context, name string) error {
	_, _, err := c.do(ctx, http.MethodDelete, "/instance/delete/"+url.PathEscape(name), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	if !c.Configured() {
		return nil, 0, ErrNotConfigured
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rdr = bytes.NewReader(b)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("apikey", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, resp.StatusCode, &Error{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status), Raw: raw}
	}
	if msg, ok := payloadError(raw); ok {
		return raw, resp.StatusCode, &Error{StatusCode: resp.StatusCode, Message: msg, Raw: raw}
	}
	return raw, resp.StatusCode, nil
}

type errorPayload struct {
	Status   any    `json:"status"`
	Error    any    `json:"error"`
	Message  any    `json:"message"`
	Response *struct {
		Message any `json:"message"`
	} `json:"response"`
}

// payloadError detects the {"error": ..., "response": {"message": ...}} shape the
// gateway sometimes returns with a 2xx status.
func payloadError(raw []byte) (string, bool) {
	var p errorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", false
	}
	if s := flatten(p.Error); s != "" && s != "false" {
		if p.Response != nil {
			if m := flatten(p.Response.Message); m != "" {
				return s + ": " + m, true
			}
		}
		return s, true
	}
	return "", false
}

func errorMessage(raw []byte, fallback string) string {
	var p errorPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		if p.Response != nil {
			if m := flatten(p.Response.Message); m != "" {
				return m
			}
		}
		if m := flatten(p.Message); m != "" {
			return m
		}
		if m := flatten(p.Error); m != "" {
			return m
		}
	}
	if fallback == "" {
		return "gateway request failed"
	}
	return fallback
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := flatten(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
