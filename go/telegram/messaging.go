package telegram

import (
	"context"
	"errors"
	"strings"

	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// SendMessage posts |text| to |chatID|, optionally with an inline
// keyboard, and returns the new message's id for later edits.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb *InlineKeyboard) (int64, error) {
	var params = struct {
		ChatID      int64           `json:"chat_id"`
		Text        string          `json:"text"`
		ParseMode   string          `json:"parse_mode"`
		ReplyMarkup *InlineKeyboard `json:"reply_markup,omitempty"`
	}{chatID, text, "HTML", kb}

	var sent Message
	if err := c.call(ctx, limits.TierUI, "sendMessage", params, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Reply posts |text| as a reply to |messageID|.
func (c *Client) Reply(ctx context.Context, chatID, messageID int64, text string, kb *InlineKeyboard) (int64, error) {
	var params = struct {
		ChatID           int64           `json:"chat_id"`
		Text             string          `json:"text"`
		ParseMode        string          `json:"parse_mode"`
		ReplyToMessageID int64           `json:"reply_to_message_id"`
		ReplyMarkup      *InlineKeyboard `json:"reply_markup,omitempty"`
	}{chatID, text, "HTML", messageID, kb}

	var sent Message
	if err := c.call(ctx, limits.TierUI, "sendMessage", params, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditMessageText rewrites a previously sent message. Editing to
// identical content is reported as an error by the gateway; that case
// is absorbed here since progress updates often repeat.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *InlineKeyboard) error {
	var params = struct {
		ChatID      int64           `json:"chat_id"`
		MessageID   int64           `json:"message_id"`
		Text        string          `json:"text"`
		ParseMode   string          `json:"parse_mode"`
		ReplyMarkup *InlineKeyboard `json:"reply_markup,omitempty"`
	}{chatID, messageID, text, "HTML", kb}

	var err = c.call(ctx, limits.TierUI, "editMessageText", params, nil)
	if isNotModified(err) {
		return nil
	}
	return err
}

// AnswerCallback acknowledges a button press so the client stops
// showing a spinner. |text| may be empty.
func (c *Client) AnswerCallback(ctx context.Context, queryID, text string) error {
	var params = struct {
		CallbackQueryID string `json:"callback_query_id"`
		Text            string `json:"text,omitempty"`
	}{queryID, text}
	return c.call(ctx, limits.TierUI, "answerCallbackQuery", params, nil)
}

// DeleteMessage removes a previously sent message. A message already
// gone is not an error.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	var params = struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int64 `json:"message_id"`
	}{chatID, messageID}

	var err = c.call(ctx, limits.TierUI, "deleteMessage", params, nil)
	var status *limits.StatusError
	if errors.As(err, &status) && status.Code == 400 &&
		strings.Contains(status.Body, "message to delete not found") {
		return nil
	}
	return err
}

func isNotModified(err error) bool {
	var status *limits.StatusError
	return errors.As(err, &status) && status.Code == 400 &&
		strings.Contains(status.Body, "message is not modified")
}
