package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/pkg/channel"
)

// fakeBotAPI is an in-process Bot API endpoint recording the calls it
// receives.
type fakeBotAPI struct {
	mu       sync.Mutex
	calls    []string
	payloads []map[string]any
	updates  []Update
	failWith *APIError
}

func (f *fakeBotAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]

		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.payloads = append(f.payloads, payload)
		fail := f.failWith
		updates := f.updates
		f.updates = nil
		f.mu.Unlock()

		if fail != nil {
			json.NewEncoder(w).Encode(map[string]any{
				"ok":          false,
				"error_code":  fail.Code,
				"description": fail.Description,
			})
			return
		}

		var result any
		switch method {
		case "getUpdates":
			result = updates
		case "sendMessage":
			result = Message{MessageID: 42, Chat: Chat{ID: 7}}
		case "getMe":
			result = User{ID: 1, Username: "courier_bot"}
		default:
			result = true
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
	}
}

func (f *fakeBotAPI) lastPayload(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i] == method {
			return f.payloads[i]
		}
	}
	return nil
}

func newTestClient(t *testing.T, fake *fakeBotAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	c := NewClient("test-token")
	c.SetBaseURL(srv.URL)
	return c
}

func TestClient(t *testing.T) {
	t.Run("SendMessage round-trip", func(t *testing.T) {
		fake := &fakeBotAPI{}
		c := newTestClient(t, fake)

		msg, err := c.SendMessage(context.Background(), 7, "hello", "Markdown", nil)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if msg.MessageID != 42 {
			t.Errorf("message ID = %d", msg.MessageID)
		}

		payload := fake.lastPayload("sendMessage")
		if payload["text"] != "hello" {
			t.Errorf("text = %v", payload["text"])
		}
		if payload["parse_mode"] != "Markdown" {
			t.Errorf("parse_mode = %v", payload["parse_mode"])
		}
	})

	t.Run("API error surfaces code and description", func(t *testing.T) {
		fake := &fakeBotAPI{failWith: &APIError{Code: 400, Description: "Bad Request: can't parse entities"}}
		c := newTestClient(t, fake)

		_, err := c.SendMessage(context.Background(), 7, "broken *markdown", "Markdown", nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.Code != 400 {
			t.Errorf("code = %d", apiErr.Code)
		}
	})

	t.Run("GetUpdates decodes messages", func(t *testing.T) {
		fake := &fakeBotAPI{updates: []Update{{
			UpdateID: 10,
			Message: &Message{
				MessageID: 1,
				From:      &User{ID: 99},
				Chat:      Chat{ID: 7},
				Text:      "run the tests",
			},
		}}}
		c := newTestClient(t, fake)

		updates, err := c.GetUpdates(context.Background(), 0, time.Second)
		if err != nil {
			t.Fatalf("get updates: %v", err)
		}
		if len(updates) != 1 || updates[0].Message.Text != "run the tests" {
			t.Errorf("updates = %+v", updates)
		}
	})

	t.Run("GetMe works as a probe", func(t *testing.T) {
		fake := &fakeBotAPI{}
		c := newTestClient(t, fake)
		user, err := c.GetMe(context.Background())
		if err != nil {
			t.Fatalf("getMe: %v", err)
		}
		if user.Username != "courier_bot" {
			t.Errorf("username = %q", user.Username)
		}
	})
}

func TestChannelSend(t *testing.T) {
	newTestChannel := func(t *testing.T, fake *fakeBotAPI) *Telegram {
		srv := httptest.NewServer(fake.handler())
		t.Cleanup(srv.Close)
		ch := New(Config{Token: "test-token"})
		ch.API().SetBaseURL(srv.URL)
		return ch
	}

	t.Run("plain send carries no parse mode", func(t *testing.T) {
		fake := &fakeBotAPI{}
		ch := newTestChannel(t, fake)

		_, err := ch.Send(context.Background(), 7, "raw output", &channel.SendOptions{Plain: true})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if _, ok := fake.lastPayload("sendMessage")["parse_mode"]; ok {
			t.Error("plain send should not set parse_mode")
		}
	})

	t.Run("keyboard rides on the message", func(t *testing.T) {
		fake := &fakeBotAPI{}
		ch := newTestChannel(t, fake)

		opts := &channel.SendOptions{Buttons: [][]channel.Button{
			channel.Row(channel.Button{Label: "Allow", Data: "tool:allow:x"}),
		}}
		if _, err := ch.Send(context.Background(), 7, "approve?", opts); err != nil {
			t.Fatalf("send: %v", err)
		}
		if fake.lastPayload("sendMessage")["reply_markup"] == nil {
			t.Error("expected a reply_markup payload")
		}
	})

	t.Run("long text is delivered in parts", func(t *testing.T) {
		fake := &fakeBotAPI{}
		ch := newTestChannel(t, fake)

		long := strings.Repeat("line\n", 3000)
		if _, err := ch.Send(context.Background(), 7, long, nil); err != nil {
			t.Fatalf("send: %v", err)
		}

		fake.mu.Lock()
		sends := 0
		for _, m := range fake.calls {
			if m == "sendMessage" {
				sends++
			}
		}
		fake.mu.Unlock()
		if sends < 2 {
			t.Errorf("expected multiple sendMessage calls, got %d", sends)
		}
	})
}
