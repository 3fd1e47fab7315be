package avito

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgard/avito-autoanswer/internal/logger"
)

// fakeAPI records calls and serves a token plus per-path handlers.
type fakeAPI struct {
	tokens    atomic.Int32
	expiresIn string

	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	lastAuth string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{expiresIn: "3600", routes: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			n := f.tokens.Add(1)
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"access_token":"tok`+string(rune('0'+n))+`","expires_in":`+f.expiresIn+`}`)
			return
		}
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		h, ok := f.routes[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":"not found"}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	f.routes[route] = h
	f.mu.Unlock()
}

func newTestClient(srv *httptest.Server, accountID int64, opts ...Option) *Client {
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithLogger(logger.Discard())}, opts...)
	return New("id", "secret", accountID, opts...)
}

func TestTokenIsCachedUntilRefreshMargin(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.handle("POST /messenger/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"subscriptions":[]}`)
	})

	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	c := newTestClient(srv, 1, WithClock(clock))
	ctx := context.Background()

	for range 3 {
		if _, err := c.Subscriptions(ctx); err != nil {
			t.Fatalf("Subscriptions() error = %v", err)
		}
	}
	if got := f.tokens.Load(); got != 1 {
		t.Fatalf("token requests = %d, want 1", got)
	}

	advance(3600*time.Second - tokenRefreshMargin - time.Second)
	if _, err := c.Subscriptions(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.tokens.Load(); got != 1 {
		t.Errorf("token refreshed too early: %d requests", got)
	}

	advance(2 * time.Second)
	if _, err := c.Subscriptions(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.tokens.Load(); got != 2 {
		t.Errorf("token requests after margin = %d, want 2", got)
	}
}

func TestTokenExpiresInAsString(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.expiresIn = `"7200"`
	f.handle("POST /messenger/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})
	c := newTestClient(srv, 1)
	if _, err := c.Subscriptions(context.Background()); err != nil {
		t.Fatalf("Subscriptions() error = %v", err)
	}
	if c.expiresAt.Sub(time.Now()) < time.Hour {
		t.Errorf("expiresAt = %v, want about two hours ahead", c.expiresAt)
	}
}

func TestParseExpiresIn(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		``:      defaultExpiresIn,
		`3600`:  3600,
		`"120"`: 120,
		`"abc"`: defaultExpiresIn,
		`-5`:    defaultExpiresIn,
		`null`:  defaultExpiresIn,
	}
	for raw, want := range tests {
		if got := parseExpiresIn(json.RawMessage(raw)); got != want {
			t.Errorf("parseExpiresIn(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestUnauthorizedRetriesOnce(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	var calls atomic.Int32
	f.handle("POST /messenger/v1/accounts/7/chats/u2i-1/messages", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"id":"m1","created":1,"type":"text"}`)
	})

	c := newTestClient(srv, 7)
	sent, err := c.SendText(context.Background(), "u2i-1", "Здравствуйте")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if sent.ID != "m1" {
		t.Errorf("sent.ID = %q", sent.ID)
	}
	if calls.Load() != 2 || f.tokens.Load() != 2 {
		t.Errorf("calls = %d, tokens = %d; want 2, 2", calls.Load(), f.tokens.Load())
	}
	f.mu.Lock()
	auth := f.lastAuth
	f.mu.Unlock()
	if auth != "Bearer tok2" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestUnauthorizedTwiceFails(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.handle("GET /messenger/v2/accounts/7/chats/u2i-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(srv, 7)
	_, err := c.GetChat(context.Background(), "u2i-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("GetChat() error = %v, want 401 APIError", err)
	}
}

func TestSendTextPayload(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.handle("POST /messenger/v1/accounts/7/chats/u2i-abc/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Type != "text" || body.Message.Text != "Привет" {
			t.Errorf("body = %+v", body)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
	})

	c := newTestClient(srv, 7)
	if _, err := c.SendText(context.Background(), "u2i-abc", "Привет"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if _, err := c.SendText(context.Background(), "u2i-abc", "  "); err == nil {
		t.Error("SendText(blank) error = nil")
	}
}

func TestAccountScopedCallsRequireAccount(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAPI(t)
	c := newTestClient(srv, 0)
	ctx := context.Background()

	if _, err := c.SendText(ctx, "u2i-1", "text"); !errors.Is(err, ErrNoAccount) {
		t.Errorf("SendText() error = %v, want ErrNoAccount", err)
	}
	if _, err := c.ListChats(ctx, ChatsOptions{}); !errors.Is(err, ErrNoAccount) {
		t.Errorf("ListChats() error = %v, want ErrNoAccount", err)
	}
	if err := c.MarkRead(ctx, "u2i-1"); !errors.Is(err, ErrNoAccount) {
		t.Errorf("MarkRead() error = %v, want ErrNoAccount", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAPI(t)
	c := New("", "", 1, WithBaseURL(srv.URL), WithLogger(logger.Discard()))
	if _, err := c.Subscriptions(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Subscriptions() error = %v, want ErrNoCredentials", err)
	}
}

func TestSubscribeStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"created", http.StatusCreated, false},
		{"forbidden", http.StatusForbidden, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, srv := newFakeAPI(t)
			f.handle("POST /messenger/v3/webhook", func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				if body["url"] != "https://bot.example.com/avito/webhook" {
					t.Errorf("url = %q", body["url"])
				}
				w.WriteHeader(tt.status)
			})
			c := newTestClient(srv, 1)
			err := c.Subscribe(context.Background(), "https://bot.example.com/avito/webhook")
			if (err != nil) != tt.wantErr {
				t.Errorf("Subscribe() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnsubscribeAcceptsNoContent(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.handle("POST /messenger/v1/webhook/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(srv, 1)
	if err := c.Unsubscribe(context.Background(), "https://x/avito/webhook"); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if err := c.Unsubscribe(context.Background(), ""); err == nil {
		t.Error("Unsubscribe(\"\") error = nil")
	}
}

func TestListChatsQuery(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.handle("GET /messenger/v2/accounts/7/chats", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "100" || q.Get("offset") != "0" {
			t.Errorf("limit/offset = %s/%s", q.Get("limit"), q.Get("offset"))
		}
		if q.Get("unread_only") != "true" || q.Get("chat_types") != "u2i,u2u" {
			t.Errorf("query = %v", q)
		}
		io.WriteString(w, `{"chats":[{"id":"u2i-1","context":{"type":"item","value":{"id":42,"title":"Виза"}},
			"users":[{"id":7,"name":"Visa Way Pro"},{"id":9,"name":"Иван"}]}]}`)
	})

	c := newTestClient(srv, 7)
	chats, err := c.ListChats(context.Background(), ChatsOptions{Limit: 500, Offset: -3, UnreadOnly: true, ChatTypes: []string{"u2i", "u2u"}})
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats) != 1 || chats[0].Context.Value.Title != "Виза" {
		t.Fatalf("chats = %+v", chats)
	}
	client, ok := chats[0].Interlocutor(7)
	if !ok || client.Name != "Иван" {
		t.Errorf("Interlocutor() = %+v, %v", client, ok)
	}
	account, ok := chats[0].Account(7)
	if !ok || account.Name != "Visa Way Pro" {
		t.Errorf("Account() = %+v, %v", account, ok)
	}
}

func TestListMessagesShapes(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"list":    `[{"id":"1","content":{"text":"a"},"direction":"in","created":1700000000}]`,
		"wrapped": `{"messages":[{"id":"1","content":{"text":"a"},"direction":"in","created":1700000000}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f, srv := newFakeAPI(t)
			f.handle("GET /messenger/v3/accounts/7/chats/u2i-1/messages/", func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("limit") != "50" {
					t.Errorf("limit = %q", r.URL.Query().Get("limit"))
				}
				io.WriteString(w, body)
			})
			c := newTestClient(srv, 7)
			msgs, err := c.ListMessages(context.Background(), "u2i-1", 50, 0)
			if err != nil {
				t.Fatalf("ListMessages() error = %v", err)
			}
			if len(msgs) != 1 || msgs[0].Content.Text != "a" || msgs[0].CreatedAt().IsZero() {
				t.Errorf("messages = %+v", msgs)
			}
		})
	}
}

func TestUploadImageReturnsFirstKey(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAPI(t)
	f.handle("POST /messenger/v1/accounts/7/uploadImages", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		file, header, err := r.FormFile("uploadfile[]")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Filename != "photo.jpg" {
			t.Errorf("filename = %q", header.Filename)
		}
		io.WriteString(w, `{"img-123":{"140x105":"https://x/1.jpg"},"img-999":{}}`)
	})

	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := newTestClient(srv, 7)
	id, err := c.UploadImage(context.Background(), path)
	if err != nil {
		t.Fatalf("UploadImage() error = %v", err)
	}
	if id != "img-123" {
		t.Errorf("UploadImage() = %q, want img-123", id)
	}
}

func TestFirstKey(t *testing.T) {
	t.Parallel()

	if _, err := firstKey([]byte(`[]`)); err == nil {
		t.Error("firstKey(list) error = nil")
	}
	if _, err := firstKey([]byte(`{}`)); err == nil {
		t.Error("firstKey(empty) error = nil")
	}
	if k, err := firstKey([]byte(`{"b":1,"a":2}`)); err != nil || k != "b" {
		t.Errorf("firstKey() = %q, %v", k, err)
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	tests := []struct{ v, lo, hi, want int }{
		{0, 1, 100, 1},
		{50, 1, 100, 50},
		{101, 1, 100, 100},
		{-1, 0, 1000, 0},
	}
	for _, tt := range tests {
		if got := clamp(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
		}
	}
}
