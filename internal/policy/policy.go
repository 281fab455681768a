package policy

import (
	"errors"
	"time"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/event"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/ledger"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
)

type Direction int

const (
	ToDiscord Direction = iota
	ToWhatsApp
)

// MaxInlineAttachment is the largest attachment uploaded inline, slightly
// under Discord's 8 MB webhook limit to leave room for the form envelope.
const MaxInlineAttachment = 8388284

var (
	// ErrNotWhitelisted and ErrBeforeStartup drop the event silently.
	ErrNotWhitelisted    = errors.New("conversation is not whitelisted")
	ErrBeforeStartup     = errors.New("event predates bridge startup")
	ErrDirectionDisabled = errors.New("relay direction is disabled")
	// ErrUnknownReference is user visible: the referenced message left the
	// history ledger, so the reaction or edit cannot be correlated anymore.
	ErrUnknownReference = errors.New("referenced message is too old")
)

type AttachmentVerdict int

const (
	AttachmentInline AttachmentVerdict = iota
	AttachmentNotice
	AttachmentLocalDownload
)

// Filter gates every normalized event before it may propagate. Checks are
// applied uniformly regardless of the event's origin or whether the sender
// is the account itself.
type Filter struct {
	settings  *settings.Settings
	ledger    *ledger.Ledger
	startTime time.Time
}

func NewFilter(s *settings.Settings, l *ledger.Ledger, startTime time.Time) *Filter {
	return &Filter{settings: s, ledger: l, startTime: startTime}
}

// Allow returns nil when the event may be relayed in the given direction.
func (f *Filter) Allow(e *event.Event, direction Direction) error {
	if !f.settings.Whitelisted(e.ChatJID) {
		return ErrNotWhitelisted
	}
	if e.Timestamp.Before(f.startTime) {
		return ErrBeforeStartup
	}

	bit := settings.DirectionToDiscord
	if direction == ToWhatsApp {
		bit = settings.DirectionToWhatsApp
	}
	if !f.settings.AllowsDirection(bit) {
		return ErrDirectionDisabled
	}

	if e.Kind == event.KindReaction || e.Kind == event.KindEdit {
		if _, ok := f.ledger.Lookup(e.RefMessageID); !ok {
			return ErrUnknownReference
		}
	}
	return nil
}

// AttachmentVerdict decides what happens to an attachment of the given size:
// inline upload, a substituted text notice, or a local download with a
// templated message.
func (f *Filter) AttachmentVerdict(size int64) AttachmentVerdict {
	if size <= MaxInlineAttachment {
		return AttachmentInline
	}
	if f.settings.LocalDownloads {
		return AttachmentLocalDownload
	}
	return AttachmentNotice
}
