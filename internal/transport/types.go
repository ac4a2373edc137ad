package transport

import "context"

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
	// ReplyToBot is set when the message answers one of the bot's own.
	ReplyToBot bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
	// ReplyTo quotes this message id when non-zero.
	ReplyTo int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

type Media struct {
	Kind     MediaKind
	Data     []byte
	MIMEType string
	FileName string
	Caption  string
}

// Activity is a transient chat status such as "typing".
type Activity string

const (
	ActivityTyping   Activity = "typing"
	ActivityPhoto    Activity = "upload_photo"
	ActivityVideo    Activity = "upload_video"
	ActivityAudio    Activity = "upload_audio"
	ActivityDocument Activity = "upload_document"
)

// BotCommand is a command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is a chat platform connection. Incoming messages are delivered on
// the channel passed to Start; sends are safe for concurrent use.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	// Username is the bot's own handle without "@".
	Username() string

	SendText(ctx context.Context, to ChatTarget, text string) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, m Media) (MessageRef, error)
	SendActivity(ctx context.Context, to ChatTarget, a Activity) error
	SetCommands(ctx context.Context, cmds []BotCommand) error
}
