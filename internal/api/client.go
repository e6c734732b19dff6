// Package api is the request/response side of the chat contract: durable
// history, message submission, receipts, reactions and the peer directory.
// Live delivery happens on the transport session, not here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/raaznotes/chatkit/internal/auth"
	"github.com/raaznotes/chatkit/internal/model"
)

// Error taxonomy for REST failures. Callers branch on these with errors.Is.
var (
	ErrHistoryLoad  = errors.New("api: history load failed")
	ErrSendFailed   = errors.New("api: send failed")
	ErrActionFailed = errors.New("api: action failed")
)

// Attachment is a media file going out with a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Client talks to the chat REST API. Every call carries the bearer
// credential.
type Client struct {
	base string
	http *http.Client
	cred auth.Credential
}

// NewClient builds a client for the API rooted at baseURL (".../api").
func NewClient(baseURL string, cred auth.Credential) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 15 * time.Second},
		cred: cred,
	}
}

// History fetches the complete message log for the conversation with
// peerID in one round trip. Identity-agnostic: IsMine tagging is the
// caller's job.
func (c *Client) History(ctx context.Context, peerID string) ([]model.Message, error) {
	res, err := c.do(ctx, http.MethodGet, "/chat/"+peerID, "", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistoryLoad, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrHistoryLoad, res.StatusCode)
	}

	var messages []model.Message
	if err := json.NewDecoder(res.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrHistoryLoad, err)
	}

	return messages, nil
}

// Send submits a new message as a multipart payload and returns the
// canonical server message with its assigned id and timestamp.
func (c *Client) Send(ctx context.Context, receiverID, text string, media *Attachment) (model.Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("receiverId", receiverID); err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := mw.WriteField("text", text); err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if media != nil {
		fw, err := mw.CreateFormFile("media", media.Filename)
		if err != nil {
			return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		if _, err := fw.Write(media.Data); err != nil {
			return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
	}
	if err := mw.Close(); err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	res, err := c.do(ctx, http.MethodPost, "/chat/send", mw.FormDataContentType(), &body)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return model.Message{}, fmt.Errorf("%w: status %d", ErrSendFailed, res.StatusCode)
	}

	// The server wraps the created message: {"data": {...}}.
	var out struct {
		Data model.Message `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return model.Message{}, fmt.Errorf("%w: decode: %w", ErrSendFailed, err)
	}

	return out.Data, nil
}

// React sets the reaction slot on a message. Last write wins server-side.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	payload, err := json.Marshal(map[string]string{"emoji": emoji})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	return c.action(ctx, http.MethodPut, "/chat/react/"+messageID, payload)
}

// MarkSeen is the bulk-seen variant: flips every unseen message in the
// conversation in one call.
func (c *Client) MarkSeen(ctx context.Context, conversationID string) error {
	return c.action(ctx, http.MethodPut, "/chat/seen/"+conversationID, nil)
}

// Delete removes a message, optionally for both participants.
func (c *Client) Delete(ctx context.Context, messageID string, forEveryone bool) error {
	payload, err := json.Marshal(map[string]bool{"forEveryone": forEveryone})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	return c.action(ctx, http.MethodDelete, "/chat/delete/"+messageID, payload)
}

// Users lists the chat partners available to the current user.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	res, err := c.do(ctx, http.MethodGet, "/auth/users", "", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrActionFailed, res.StatusCode)
	}

	var users []model.User
	if err := json.NewDecoder(res.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrActionFailed, err)
	}

	return users, nil
}

func (c *Client) action(ctx context.Context, method, path string, payload []byte) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	res, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrActionFailed, res.StatusCode)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}

	c.cred.Authorize(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.http.Do(req)
}
