package event

import (
	"time"

	"go.mau.fi/whatsmeow"
)

type Kind int

const (
	KindMessage Kind = iota
	KindEdit
	KindReaction
	KindCall
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEdit:
		return "edit"
	case KindReaction:
		return "reaction"
	case KindCall:
		return "call"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Quote is the referenced message carried by a reply.
type Quote struct {
	Name string
	Text string
}

// Attachment is a media payload. Inbound WhatsApp media starts as a
// downloadable reference; Data is only filled once the size policy allows
// the download. Discord-origin attachments carry a URL instead.
type Attachment struct {
	Name         string
	Mimetype     string
	Size         int64
	Data         []byte
	URL          string
	Downloadable whatsmeow.DownloadableMessage
}

// Event is the single normalized shape every inbound payload is reduced to
// before filtering and dispatch. Transient, never persisted.
type Event struct {
	Kind Kind

	ChatJID    string
	SenderJID  string
	PushName   string
	SenderName string
	AvatarURL  string

	Body       string
	Quote      *Quote
	Forwarded  bool
	Attachment *Attachment

	// MessageID is the id of this payload on its origin platform.
	// RefMessageID points at the original message for edits and reactions.
	MessageID    string
	RefMessageID string
	Emoji        string

	Timestamp time.Time
	IsGroup   bool
	FromMe    bool
}

// Empty reports whether the event carries nothing worth relaying.
func (e *Event) Empty() bool {
	return e.Body == "" && e.Quote == nil && e.Attachment == nil && e.Emoji == ""
}
