package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	baseURL  string
	client   *resty.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		enabled:  enabled,
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   resty.New().SetTimeout(timeout),
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	var parsed telegramSendMessageResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramSendMessageRequest{ChatID: t.chatID, Text: msg}).
		SetResult(&parsed).
		SetError(&parsed).
		Post(t.baseURL + "/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode(), strings.TrimSpace(body))
	}
	if len(resp.Body()) == 0 {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
