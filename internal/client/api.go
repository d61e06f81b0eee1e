package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"anichat-rt/internal/e2ee"
)

var _ e2ee.KeyDirectory = (*Client)(nil)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) PublishPublicKey(ctx context.Context, publicKey string) error {
	err := c.do(ctx, http.MethodPost, "/api/encryption/public-key", map[string]string{"publicKey": publicKey}, nil)
	if statusOf(err) == http.StatusConflict {
		return e2ee.ErrKeyInUse
	}
	return err
}

func (c *Client) FetchPublicKey(ctx context.Context, userID string) (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	err := c.do(ctx, http.MethodGet, "/api/encryption/public-key/"+url.PathEscape(userID), nil, &out)
	if statusOf(err) == http.StatusNotFound {
		return "", e2ee.ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return out.PublicKey, nil
}

func (c *Client) FetchConversationKey(ctx context.Context, peerID string) (string, error) {
	var out struct {
		WrappedKey string `json:"wrappedKey"`
	}
	err := c.do(ctx, http.MethodGet, "/api/encryption/conversation-key/"+url.PathEscape(peerID), nil, &out)
	if statusOf(err) == http.StatusNotFound {
		return "", e2ee.ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return out.WrappedKey, nil
}

func (c *Client) StoreConversationKeys(ctx context.Context, peerID string, wrapped map[string]string) error {
	err := c.do(ctx, http.MethodPost, "/api/encryption/conversation-key", map[string]any{
		"peerId": peerID,
		"keys":   wrapped,
	}, nil)
	if statusOf(err) == http.StatusConflict {
		return e2ee.ErrKeyExists
	}
	return err
}

// EncryptionStatus asks the server whether both sides of the conversation
// hold a wrapped key.
func (c *Client) EncryptionStatus(ctx context.Context, peerID string) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/encryption/status/"+url.PathEscape(peerID), nil, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}
