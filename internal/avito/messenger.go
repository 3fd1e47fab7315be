package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Subscribe registers url as the v3 webhook receiver.
func (c *Client) Subscribe(ctx context.Context, webhookURL string) error {
	if webhookURL == "" {
		return errors.New("webhook url is empty")
	}
	r, err := jsonRequest(http.MethodPost, "/messenger/v3/webhook", map[string]string{"url": webhookURL})
	if err != nil {
		return err
	}
	r.timeout = webhookTimeout
	r.expect = []int{http.StatusOK, http.StatusCreated}
	if _, err := c.do(ctx, r); err != nil {
		return fmt.Errorf("failed to subscribe webhook: %w", err)
	}
	c.logger.InfoContext(ctx, "Webhook subscribed", "url", webhookURL)
	return nil
}

// Unsubscribe removes the webhook receiver.
func (c *Client) Unsubscribe(ctx context.Context, webhookURL string) error {
	if webhookURL == "" {
		return errors.New("webhook url is empty")
	}
	r, err := jsonRequest(http.MethodPost, "/messenger/v1/webhook/unsubscribe", map[string]string{"url": webhookURL})
	if err != nil {
		return err
	}
	r.timeout = webhookTimeout
	r.expect = []int{http.StatusOK, http.StatusNoContent}
	if _, err := c.do(ctx, r); err != nil {
		return fmt.Errorf("failed to unsubscribe webhook: %w", err)
	}
	c.logger.InfoContext(ctx, "Webhook unsubscribed", "url", webhookURL)
	return nil
}

// Subscriptions lists registered webhooks.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	r, err := jsonRequest(http.MethodPost, "/messenger/v1/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	r.timeout = webhookTimeout
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var out struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	return out.Subscriptions, nil
}

// SendText posts a text message to a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) (*SentMessage, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("chat id is empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("message text is empty")
	}
	path, err := c.accountPath("/messenger/v1/accounts/%d/chats/%s/messages", url.PathEscape(chatID))
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"message": map[string]string{"text": text},
		"type":    "text",
	}
	r, err := jsonRequest(http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	r.expect = []int{http.StatusOK, http.StatusCreated}

	body, err := c.do(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to send message to %s: %w", chatID, err)
	}
	var sent SentMessage
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &sent); err != nil {
			c.logger.WarnContext(ctx, "Unexpected send message response", "chat_id", chatID, "error", err)
		}
	}
	return &sent, nil
}

// UploadImage uploads a local file and returns the image id.
func (c *Client) UploadImage(ctx context.Context, filePath string) (string, error) {
	path, err := c.accountPath("/messenger/v1/accounts/%d/uploadImages")
	if err != nil {
		return "", err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("uploadfile[]", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	body, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        path,
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
		timeout:     imageTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	return firstKey(body)
}

// SendImage posts a previously uploaded image to a chat.
func (c *Client) SendImage(ctx context.Context, chatID, imageID string) (*SentMessage, error) {
	path, err := c.accountPath("/messenger/v1/accounts/%d/chats/%s/messages/image", url.PathEscape(chatID))
	if err != nil {
		return nil, err
	}
	r, err := jsonRequest(http.MethodPost, path, map[string]string{"image_id": imageID})
	if err != nil {
		return nil, err
	}
	r.expect = []int{http.StatusOK, http.StatusCreated}
	body, err := c.do(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to send image to %s: %w", chatID, err)
	}
	var sent SentMessage
	_ = json.Unmarshal(body, &sent)
	return &sent, nil
}

// DeleteMessage removes a message the account sent.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	path, err := c.accountPath("/messenger/v1/accounts/%d/chats/%s/messages/%s", url.PathEscape(chatID), url.PathEscape(messageID))
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, request{method: http.MethodPost, path: path}); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// MarkRead marks the chat as read.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	path, err := c.accountPath("/messenger/v1/accounts/%d/chats/%s/read", url.PathEscape(chatID))
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, request{method: http.MethodPost, path: path}); err != nil {
		return fmt.Errorf("failed to mark chat %s read: %w", chatID, err)
	}
	return nil
}

// ListChats returns chats of the account. Limit is clamped to 1..100 and offset to 0..1000.
func (c *Client) ListChats(ctx context.Context, opts ChatsOptions) ([]Chat, error) {
	path, err := c.accountPath("/messenger/v2/accounts/%d/chats")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(opts.Limit, 1, 100)))
	q.Set("offset", strconv.Itoa(clamp(opts.Offset, 0, 1000)))
	if opts.UnreadOnly {
		q.Set("unread_only", "true")
	}
	if len(opts.ChatTypes) > 0 {
		q.Set("chat_types", strings.Join(opts.ChatTypes, ","))
	}
	if len(opts.ItemIDs) > 0 {
		ids := make([]string, len(opts.ItemIDs))
		for i, id := range opts.ItemIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		q.Set("item_ids", strings.Join(ids, ","))
	}

	body, err := c.do(ctx, request{method: http.MethodGet, path: path, query: q})
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	var out struct {
		Chats []Chat `json:"chats"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode chats: %w", err)
	}
	return out.Chats, nil
}

// GetChat returns one chat with its listing and participants.
func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	path, err := c.accountPath("/messenger/v2/accounts/%d/chats/%s", url.PathEscape(chatID))
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to get chat %s: %w", chatID, err)
	}
	var chat Chat
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat: %w", err)
	}
	return &chat, nil
}

// ListMessages returns messages of a chat, newest first as the API orders them.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	path, err := c.accountPath("/messenger/v3/accounts/%d/chats/%s/messages/", url.PathEscape(chatID))
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 100)))
	q.Set("offset", strconv.Itoa(clamp(offset, 0, 1000)))

	body, err := c.do(ctx, request{method: http.MethodGet, path: path, query: q})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of %s: %w", chatID, err)
	}
	msgs, err := decodeMessages(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// firstKey returns the first key of a JSON object in document order.
func firstKey(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return "", errors.New("upload response is not an object")
	}
	tok, err = dec.Token()
	if err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	key, ok := tok.(string)
	if !ok || key == "" {
		return "", errors.New("upload response has no image id")
	}
	return key, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
