package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装一次对账告警的上下文。
type Notification struct {
	Market          string
	TradeDate       time.Time
	PrimarySource   string
	SecondarySource string
	ChosenSource    string
	Confidence      decimal.Decimal
	Action          string
	Significant     []string
	Rationale       string
	Channels        []string
	AdditionalMsg   string
}

// PairKey identifies the source pair for cooldown tracking.
func (n Notification) PairKey() string {
	return PairKey(n.Market, n.PrimarySource, n.SecondarySource)
}

// PairKey builds the cooldown key of a market and source pair.
func PairKey(market, primary, secondary string) string {
	return fmt.Sprintf("%s:%s/%s", market, strings.ToLower(primary), strings.ToLower(secondary))
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
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
		"text":    renderMessage(note),
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

	n.logger.Info().Str("pair", note.PairKey()).
		Str("action", note.Action).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Equity Recon Alert] %s\n", strings.ToUpper(note.Market)))
	if !note.TradeDate.IsZero() {
		builder.WriteString(fmt.Sprintf("Trade date: %s\n", note.TradeDate.Format("2006-01-02")))
	}
	builder.WriteString(fmt.Sprintf("Sources: %s vs %s\n", note.PrimarySource, note.SecondarySource))
	builder.WriteString(fmt.Sprintf("Confidence: %s\n", note.Confidence.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Action: %s\n", note.Action))
	if note.ChosenSource != "" {
		builder.WriteString(fmt.Sprintf("Using: %s\n", note.ChosenSource))
	}
	if len(note.Significant) > 0 {
		builder.WriteString(fmt.Sprintf("Diverging: %s\n", strings.Join(note.Significant, ", ")))
	}
	if note.Rationale != "" {
		builder.WriteString(fmt.Sprintf("Rationale: %s\n", note.Rationale))
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
	_ Notifier = Multi(nil)
)
