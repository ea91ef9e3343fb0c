package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTelegramServer(t *testing.T, reply string) (*httptest.Server, chan telegramMessage, chan string) {
	t.Helper()
	msgs := make(chan telegramMessage, 4)
	paths := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m telegramMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode request: %v", err)
		}
		paths <- r.URL.Path
		msgs <- m
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, msgs, paths
}

func TestTelegramAlerter_Alert(t *testing.T) {
	srv, msgs, paths := newTelegramServer(t, `{"ok":true}`)
	a := NewTelegramAlerter(TelegramConfig{BotToken: "tok", ChatID: "42", BaseURL: srv.URL + "/"})
	a.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := a.Alert(context.Background(), SeverityHigh, "position force-closed", "reason", "STOP_LOSS", "pnl", "<-2.5>"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}

	if p := <-paths; p != "/bottok/sendMessage" {
		t.Errorf("path = %q, want /bottok/sendMessage", p)
	}
	m := <-msgs
	if m.ChatID != "42" || m.ParseMode != "HTML" {
		t.Errorf("message = %+v", m)
	}
	for _, want := range []string{"<b>[HIGH]</b>", "position force-closed", "• reason: STOP_LOSS", "&lt;-2.5&gt;", "2024-03-01 12:00:00 UTC"} {
		if !strings.Contains(m.Text, want) {
			t.Errorf("text %q missing %q", m.Text, want)
		}
	}
}

func TestTelegramAlerter_APIError(t *testing.T) {
	srv, _, _ := newTelegramServer(t, `{"ok":false,"description":"chat not found"}`)
	a := NewTelegramAlerter(TelegramConfig{BotToken: "tok", ChatID: "1", BaseURL: srv.URL})

	err := a.Alert(context.Background(), SeverityInfo, "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Alert() error = %v, want API description", err)
	}
}

func TestTelegramAlerter_BadResponse(t *testing.T) {
	srv, _, _ := newTelegramServer(t, `not json`)
	a := NewTelegramAlerter(TelegramConfig{BotToken: "tok", ChatID: "1", BaseURL: srv.URL})

	if err := a.Alert(context.Background(), SeverityInfo, "x"); err == nil {
		t.Error("Alert() error = nil on malformed response")
	}
}
