package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alert kinds carried by Notification.Kind.
const (
	KindVolatility   = "volatility"
	KindInsufficient = "insufficient_sources"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind       string
	Oracle     string
	Asset      string
	ObservedAt time.Time
	// Price is the latest aggregated price in quote units, zero when unavailable.
	Price        decimal.Decimal
	ValuePct     decimal.Decimal
	ThresholdPct decimal.Decimal
	// Failures counts consecutive failed aggregations for insufficient-source alerts.
	Failures      int
	Channels      []string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Time("observed_at", note.ObservedAt).
		Str("kind", note.Kind).
		Str("asset", note.Asset).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes alerts to the log; used when no delivery channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("kind", note.Kind).
		Str("oracle", note.Oracle).
		Str("asset", note.Asset).
		Time("observed_at", note.ObservedAt).
		Str("value_pct", note.ValuePct.String()).
		Str("threshold_pct", note.ThresholdPct.String()).
		Int("failures", note.Failures).
		Msg("alert")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindInsufficient:
		builder.WriteString("[Oracle Alert] insufficient sources\n")
	default:
		builder.WriteString("[Oracle Alert] volatility\n")
	}
	builder.WriteString(fmt.Sprintf("Oracle: %s\n", note.Oracle))
	builder.WriteString(fmt.Sprintf("Asset: %s\n", note.Asset))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.ObservedAt.UTC().Format(time.RFC3339)))
	switch note.Kind {
	case KindInsufficient:
		builder.WriteString(fmt.Sprintf("Consecutive failures: %d\n", note.Failures))
	default:
		if !note.Price.IsZero() {
			builder.WriteString(fmt.Sprintf("Price: %s\n", note.Price.String()))
		}
		builder.WriteString(fmt.Sprintf("Volatility: %s%% (threshold %s%%)\n", note.ValuePct.StringFixed(3), note.ThresholdPct.StringFixed(3)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
