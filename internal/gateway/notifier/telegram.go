package notifier

import (
	"fmt"
	"strings"
	"time"

	"sessionpilot/internal/events"

	"github.com/go-resty/resty/v2"
)

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramOptions struct {
	APIBase    string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Telegram 通过 Bot API 推送会话事件。
type Telegram struct {
	BotToken string
	ChatID   string
	client   *resty.Client
}

func NewTelegram(botToken, chatID string, opts TelegramOptions) *Telegram {
	base := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	} else if opts.RetryCount == 0 {
		opts.RetryCount = 2
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(10 * opts.RetryWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := resp.StatusCode()
			return code == 429 || code >= 500
		})
	return &Telegram{
		BotToken: strings.TrimSpace(botToken),
		ChatID:   strings.TrimSpace(chatID),
		client:   client,
	}
}

// SendText 发送 Markdown 文本；5xx/429 由 resty 按配置重试。
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram: bot_token/chat_id not configured")
	}
	resp, err := t.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"chat_id":    t.ChatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.BotToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram status=%d", resp.StatusCode())
	}
	return nil
}

func (t *Telegram) Notify(evt events.Event) error {
	return t.SendText(FromEvent(evt).RenderMarkdown())
}
