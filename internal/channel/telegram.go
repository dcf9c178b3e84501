package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
)

// TelegramAdapter delivers messages through the Telegram Bot API. The
// recipient id is the Telegram chat id in decimal form.
type TelegramAdapter struct {
	api *tgbotapi.BotAPI
}

func NewTelegramAdapter(token string, debug bool) (*TelegramAdapter, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	api.Debug = debug
	return &TelegramAdapter{api: api}, nil
}

func (a *TelegramAdapter) Deliver(_ context.Context, recipientID, content, mediaType string) (string, error) {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return "", &DeliveryError{Permanent: true, Msg: fmt.Sprintf("invalid recipient %q", recipientID)}
	}
	if mediaType != "" && mediaType != "text" {
		return "", &DeliveryError{Permanent: true, Msg: fmt.Sprintf("unsupported media type %q", mediaType)}
	}

	sent, err := a.api.Send(tgbotapi.NewMessage(chatID, content))
	if err != nil {
		return "", classifyTelegramError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func classifyTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		// 400 (bad chat, message too long) and 403 (bot blocked) will
		// not succeed on retry; 429 and 5xx will.
		permanent := apiErr.Code == 400 || apiErr.Code == 403
		return &DeliveryError{Permanent: permanent, Msg: apiErr.Message}
	}
	return &DeliveryError{Permanent: false, Msg: err.Error()}
}
