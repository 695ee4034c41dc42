package telegram

import "fmt"

// Update is one event from the chat gateway. Exactly one of Message
// or CallbackQuery is set.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an inbound or outbound chat message. Only the fields the
// collector consumes are mapped.
type Message struct {
	MessageID    int64       `json:"message_id"`
	From         *User       `json:"from,omitempty"`
	Chat         Chat        `json:"chat"`
	Text         string      `json:"text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	MediaGroupID string      `json:"media_group_id,omitempty"`
	Document     *Document   `json:"document,omitempty"`
	Video        *Video      `json:"video,omitempty"`
	Audio        *Audio      `json:"audio,omitempty"`
	Photo        []PhotoSize `json:"photo,omitempty"`
}

// User identifies a chat account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// Document is a generic file attachment.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Video is a video attachment.
type Video struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// Audio is an audio attachment.
type Audio struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// PhotoSize is one rendition of a photo; the gateway sends several,
// smallest first.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Media is the normalized attachment extracted from a message.
type Media struct {
	FileRef  string
	FileName string
	MimeType string
	FileSize int64
}

// MediaOf extracts the transferable attachment of |m|, or nil when
// the message carries none. Photos use the largest rendition.
func MediaOf(m *Message) *Media {
	switch {
	case m == nil:
		return nil
	case m.Document != nil:
		return &Media{
			FileRef:  m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			FileSize: m.Document.FileSize,
		}
	case m.Video != nil:
		return &Media{
			FileRef:  m.Video.FileID,
			FileName: m.Video.FileName,
			MimeType: m.Video.MimeType,
			FileSize: m.Video.FileSize,
		}
	case m.Audio != nil:
		return &Media{
			FileRef:  m.Audio.FileID,
			FileName: m.Audio.FileName,
			MimeType: m.Audio.MimeType,
			FileSize: m.Audio.FileSize,
		}
	case len(m.Photo) > 0:
		var best = m.Photo[len(m.Photo)-1]
		return &Media{
			FileRef:  best.FileID,
			FileName: fmt.Sprintf("photo_%d.jpg", m.MessageID),
			MimeType: "image/jpeg",
			FileSize: best.FileSize,
		}
	default:
		return nil
	}
}

// InlineKeyboard is an inline button grid attached to a message.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// InlineButton is one button; Data round-trips through the callback.
type InlineButton struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Row builds a single-row keyboard, the common case for task cards.
func Row(buttons ...InlineButton) *InlineKeyboard {
	return &InlineKeyboard{InlineKeyboard: [][]InlineButton{buttons}}
}

// Grid builds a keyboard from explicit rows.
func Grid(rows ...[]InlineButton) *InlineKeyboard {
	return &InlineKeyboard{InlineKeyboard: rows}
}
