package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaVoice    MediaKind = "voice"
	MediaAudio    MediaKind = "audio"
)

// Ext is the file extension used for local working copies.
func (k MediaKind) Ext() string {
	switch k {
	case MediaPhoto:
		return ".jpg"
	case MediaVideo:
		return ".mp4"
	case MediaVoice:
		return ".ogg"
	case MediaAudio:
		return ".mp3"
	default:
		return ".dat"
	}
}

// Attachment references a single media item. FileID is only valid for the bot
// that received it; LocalPath, when set, points at a working copy on disk and
// takes precedence on send.
type Attachment struct {
	Kind      MediaKind
	FileID    string
	FileName  string
	LocalPath string
}

type Contact struct {
	UserID    int64
	FirstName string
	LastName  string
	Phone     string
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	FromName     string
	Text         string // text or media caption
	Attachment   *Attachment
	Contact      *Contact
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, rows of buttons.
type Keyboard [][]Button

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       Keyboard
}

// Adapter is one bot connection. Send errors are plain errors; the delivery
// package classifies them (see errors.go for the typed ones adapters return).
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, att Attachment, caption string, opt *SendOptions) (MessageRef, error)
	EditKeyboard(ctx context.Context, ref MessageRef, kb Keyboard) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// Download stores the file behind fileID at dst.
	Download(ctx context.Context, fileID string, dst string) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
