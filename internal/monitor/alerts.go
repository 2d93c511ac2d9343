package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// TelegramSink posts alerts to a Telegram chat via the bot API.
type TelegramSink struct {
	BotToken string
	ChatID   string
	Client   *http.Client
}

func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		BotToken: botToken,
		ChatID:   chatID,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramSink) Send(message string) error {
	payload, err := json.Marshal(map[string]string{"chat_id": t.ChatID, "text": message})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	resp, err := t.Client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send: HTTP %d", resp.StatusCode)
	}
	return nil
}

// SlackSink posts alerts to a Slack incoming webhook.
type SlackSink struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackSink) Send(message string) error {
	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	resp, err := s.Client.Post(s.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack send: HTTP %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes alerts to the process log, always configured as a fallback.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT: %s", message)
	return nil
}
