package channel

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&DeliveryError{Permanent: true, Msg: "blocked"}))
	assert.False(t, IsPermanent(&DeliveryError{Permanent: false, Msg: "timeout"}))
	assert.False(t, IsPermanent(errors.New("some network error")), "unclassified errors are retried")
}

func TestClassifyTelegramError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{name: "bad request", err: &tgbotapi.Error{Code: 400, Message: "chat not found"}, wantPermanent: true},
		{name: "forbidden", err: &tgbotapi.Error{Code: 403, Message: "bot was blocked"}, wantPermanent: true},
		{name: "rate limited", err: &tgbotapi.Error{Code: 429, Message: "too many requests"}, wantPermanent: false},
		{name: "server error", err: &tgbotapi.Error{Code: 502, Message: "bad gateway"}, wantPermanent: false},
		{name: "plain error", err: errors.New("connection reset"), wantPermanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyTelegramError(tt.err)
			assert.Equal(t, tt.wantPermanent, IsPermanent(classified))
		})
	}
}

func TestDeliverRejectsBadInputWithoutAPICall(t *testing.T) {
	adapter := &TelegramAdapter{}

	_, err := adapter.Deliver(context.Background(), "not-a-chat-id", "hi", "text")
	assert.True(t, IsPermanent(err))

	_, err = adapter.Deliver(context.Background(), "12345", "hi", "video")
	assert.True(t, IsPermanent(err))
}
