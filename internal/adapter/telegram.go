package adapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/pulsefeed/internal/config"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramBot is the subset of the bot API the adapter uses (allows mocking
// in tests).
type TelegramBot interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	return w.bot.GetUpdates(config)
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramAdapter integrates Telegram bot chats. The bot token is gateway
// configuration, not per-account credentials, so Credentials are unused.
type TelegramAdapter struct {
	token      string
	secret     string
	proxy      string
	botFactory BotFactory

	mu  sync.Mutex
	bot TelegramBot
}

func NewTelegramAdapter(cfg config.TelegramConfig) (*TelegramAdapter, error) {
	return NewTelegramAdapterWithFactory(cfg, defaultBotFactory)
}

// NewTelegramAdapterWithFactory creates a TelegramAdapter with a custom bot
// factory (for testing).
func NewTelegramAdapterWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramAdapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramAdapter{
		token:      cfg.Token,
		secret:     cfg.WebhookSecret,
		proxy:      cfg.Proxy,
		botFactory: factory,
	}, nil
}

func (t *TelegramAdapter) Name() string {
	return feed.PlatformTelegram
}

func (t *TelegramAdapter) ensureBot() (TelegramBot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}

	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", classifyTelegramErr(err))
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return bot, nil
}

func (t *TelegramAdapter) FetchSince(ctx context.Context, userID string, cursor feed.SyncCursor, _ Credentials) (FetchResult, error) {
	bot, err := t.ensureBot()
	if err != nil {
		return FetchResult{}, err
	}

	offset := 0
	if cursor.Cursor != "" {
		last, err := strconv.Atoi(cursor.Cursor)
		if err != nil {
			return FetchResult{}, fmt.Errorf("%w: bad telegram cursor %q", ErrMalformedPayload, cursor.Cursor)
		}
		offset = last + 1
	}

	updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Limit: 100})
	if err != nil {
		return FetchResult{}, fmt.Errorf("telegram get updates: %w", classifyTelegramErr(err))
	}

	result := FetchResult{NextCursor: cursor.Cursor}
	lastID := offset - 1
	for _, u := range updates {
		if u.UpdateID > lastID {
			lastID = u.UpdateID
		}
		if u.Message == nil {
			continue
		}
		payload, err := json.Marshal(u)
		if err != nil {
			continue
		}
		result.Messages = append(result.Messages, RawMessage{
			Platform: feed.PlatformTelegram,
			UserID:   userID,
			Payload:  payload,
		})
	}
	if lastID >= 0 {
		result.NextCursor = strconv.Itoa(lastID)
	}
	return result, nil
}

func (t *TelegramAdapter) Normalize(raw RawMessage) (feed.Message, error) {
	body := gjson.ParseBytes(raw.Payload)
	msg := body.Get("message")
	if !msg.Exists() {
		// Webhook deliveries of edits and channel posts are not inbound
		// chat messages.
		return feed.Message{}, fmt.Errorf("%w: no message object", ErrMalformedPayload)
	}

	msgID := msg.Get("message_id")
	chatID := msg.Get("chat.id")
	if !msgID.Exists() || !chatID.Exists() {
		return feed.Message{}, fmt.Errorf("%w: missing message_id or chat.id", ErrMalformedPayload)
	}

	senderID := msg.Get("from.id").String()
	senderName := msg.Get("from.username").String()
	if senderName == "" {
		senderName = msg.Get("from.first_name").String()
	}

	receivedAt := time.Now().UTC()
	if ts := msg.Get("date").Int(); ts > 0 {
		receivedAt = time.Unix(ts, 0).UTC()
	}

	thread := chatID.String()
	return feed.Message{
		UserID:            raw.UserID,
		Platform:          feed.PlatformTelegram,
		PlatformMessageID: thread + ":" + msgID.String(),
		ThreadID:          thread,
		SenderID:          senderID,
		SenderName:        senderName,
		ContentText:       msg.Get("text").String(), // empty sentinel for media-only messages
		ReceivedAt:        receivedAt,
	}, nil
}

func (t *TelegramAdapter) Send(ctx context.Context, threadID, text string, _ Credentials) (string, error) {
	bot, err := t.ensureBot()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendTransient, err)
	}

	chatID, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: thread %q is not a telegram chat id", ErrSendRejected, threadID)
	}

	sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.Code == http.StatusTooManyRequests {
				return "", fmt.Errorf("%w: %v", ErrSendTransient, err)
			}
			return "", fmt.Errorf("%w: %v", ErrSendRejected, err)
		}
		return "", fmt.Errorf("%w: %v", ErrSendTransient, err)
	}
	return threadID + ":" + strconv.Itoa(sent.MessageID), nil
}

func (t *TelegramAdapter) RegisterWebhook(ctx context.Context, userID, callbackURL string, _ Credentials) (string, error) {
	bot, err := t.ensureBot()
	if err != nil {
		return "", err
	}
	wh, err := tgbotapi.NewWebhook(callbackURL)
	if err != nil {
		return "", fmt.Errorf("build telegram webhook: %w", err)
	}
	if _, err := bot.Request(wh); err != nil {
		return "", fmt.Errorf("register telegram webhook: %w", classifyTelegramErr(err))
	}
	return callbackURL, nil
}

func (t *TelegramAdapter) VerifyWebhook(r *http.Request, _ []byte) error {
	if t.secret == "" {
		return nil
	}
	got := r.Header.Get(telegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(t.secret)) != 1 {
		return ErrBadSignature
	}
	return nil
}

func classifyTelegramErr(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuthRevoked, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
