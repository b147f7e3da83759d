package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), volatilityNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Volatility: 12.500%") {
		t.Fatalf("text 应包含波动率: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), volatilityNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), volatilityNote()); err == nil {
		t.Fatal("非 2xx 应报错")
	}
}

func TestRenderInsufficientMessage(t *testing.T) {
	text := RenderMessage(Notification{
		Kind:       KindInsufficient,
		Oracle:     "consensus",
		Asset:      "WETH",
		ObservedAt: time.Unix(1_700_000_000, 0),
		Failures:   3,
		Channels:   []string{"telegram"},
	})
	if !strings.Contains(text, "insufficient sources") || !strings.Contains(text, "Consecutive failures: 3") {
		t.Fatalf("消息内容不正确: %q", text)
	}
	if strings.Contains(text, "Volatility") {
		t.Fatalf("不应包含波动率: %q", text)
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), volatilityNote()); err != nil {
		t.Fatalf("LogNotifier 不应报错: %v", err)
	}
}

func volatilityNote() Notification {
	return Notification{
		Kind:         KindVolatility,
		Oracle:       "consensus",
		Asset:        "WETH",
		ObservedAt:   time.Now(),
		Price:        decimal.NewFromInt(2000),
		ValuePct:     decimal.RequireFromString("12.5"),
		ThresholdPct: decimal.NewFromInt(10),
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
