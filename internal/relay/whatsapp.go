package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
	"github.com/sunshineplan/imgconv"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/event"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/ledger"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/policy"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/wajid"
)

// WhatsAppAPI is the slice of the WhatsApp client the dispatcher needs.
type WhatsAppAPI interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	GenerateMessageID() types.MessageID
	BuildEdit(chat types.JID, id types.MessageID, newContent *waE2E.Message) *waE2E.Message
}

// Fetcher retrieves an attachment from the Discord CDN.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// HTTPFetcher returns a Fetcher backed by the given HTTP client.
func HTTPFetcher(client *http.Client) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("attachment fetch returned %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
}

// ErrInvalidReactionEmoji rejects reaction payloads WhatsApp cannot render.
var ErrInvalidReactionEmoji = errors.New("reaction must be a single emoji")

// relayedIDPrefix marks message ids this side generated, which arrive on
// WhatsApp as messages from the linked account itself.
const relayedIDPrefix = "3EB0"

// WhatsAppDispatcher relays Discord-origin events into the mapped WhatsApp
// conversation.
type WhatsAppDispatcher struct {
	api      WhatsAppAPI
	settings *settings.Settings
	filter   *policy.Filter
	ledger   *ledger.Ledger
	contacts *contacts.Directory
	fetch    Fetcher
}

func NewWhatsAppDispatcher(api WhatsAppAPI, s *settings.Settings, f *policy.Filter, l *ledger.Ledger, dir *contacts.Directory, fetch Fetcher) *WhatsAppDispatcher {
	if fetch == nil {
		fetch = HTTPFetcher(nil)
	}
	return &WhatsAppDispatcher{
		api:      api,
		settings: s,
		filter:   f,
		ledger:   l,
		contacts: dir,
		fetch:    fetch,
	}
}

// Dispatch relays one event toward WhatsApp. Filter rejections are returned
// unwrapped so the caller can decide which ones warrant a user notice.
func (d *WhatsAppDispatcher) Dispatch(ctx context.Context, e *event.Event) error {
	if err := d.filter.Allow(e, policy.ToWhatsApp); err != nil {
		return err
	}
	jid, err := wajid.Parse(e.ChatJID)
	if err != nil {
		return err
	}

	switch e.Kind {
	case event.KindEdit:
		return d.edit(ctx, jid, e)
	case event.KindReaction:
		return d.reaction(ctx, jid, e)
	default:
		return d.message(ctx, jid, e)
	}
}

func (d *WhatsAppDispatcher) message(ctx context.Context, jid types.JID, e *event.Event) error {
	text := d.prefixed(e)
	quoted, quoteLost := d.quoteContext(e)

	var err error
	switch {
	case e.Attachment != nil && d.settings.UploadAttachments:
		err = d.sendAttachment(ctx, jid, e, text)
	default:
		if e.Attachment != nil {
			if text != "" {
				text += "\n"
			}
			text += e.Attachment.URL
		}
		if text == "" {
			return nil
		}
		content := &waE2E.Message{Conversation: proto.String(text)}
		if quoted != nil {
			content = &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{
					Text:        proto.String(text),
					ContextInfo: quoted,
				},
			}
		}
		err = d.send(ctx, jid, content, e.MessageID)
	}
	if err != nil {
		return err
	}
	// The message went out without its quote; the sender still gets told.
	if quoteLost {
		return policy.ErrUnknownReference
	}
	return nil
}

func (d *WhatsAppDispatcher) edit(ctx context.Context, jid types.JID, e *event.Event) error {
	waID, ok := d.ledger.Lookup(e.RefMessageID)
	if !ok || waID == "" {
		return policy.ErrUnknownReference
	}
	content := &waE2E.Message{Conversation: proto.String(d.prefixed(e))}
	_, err := d.api.SendMessage(ctx, jid, d.api.BuildEdit(jid, waID, content))
	return err
}

func (d *WhatsAppDispatcher) reaction(ctx context.Context, jid types.JID, e *event.Event) error {
	if e.Emoji != "" && !gomoji.ContainsEmoji(e.Emoji) && uniseg.GraphemeClusterCount(e.Emoji) != 1 {
		return ErrInvalidReactionEmoji
	}
	waID, ok := d.ledger.Lookup(e.RefMessageID)
	if !ok || waID == "" {
		return policy.ErrUnknownReference
	}

	key := &waCommon.MessageKey{
		FromMe:    proto.Bool(strings.HasPrefix(waID, relayedIDPrefix)),
		ID:        proto.String(waID),
		RemoteJID: proto.String(jid.String()),
	}
	// Group keys must address the reacted message's author or WhatsApp
	// cannot attach the reaction.
	if jid.Server == types.GroupServer {
		participant := d.contacts.Self()
		if e.Quote != nil {
			if resolved, ok := d.contacts.ResolveJID(e.Quote.Name); ok {
				participant = resolved
			}
		}
		key.Participant = proto.String(participant)
	}

	reaction := &waE2E.Message{
		ReactionMessage: &waE2E.ReactionMessage{
			Key: key,
			// An empty Text retracts the reaction.
			Text:              proto.String(e.Emoji),
			SenderTimestampMS: proto.Int64(time.Now().UnixMilli()),
		},
	}
	if _, err := d.api.SendMessage(ctx, jid, reaction); err != nil {
		return err
	}
	d.ledger.MarkRelayed(e.MessageID)
	return nil
}

func (d *WhatsAppDispatcher) sendAttachment(ctx context.Context, jid types.JID, e *event.Event, caption string) error {
	data, err := d.fetch(ctx, e.Attachment.URL)
	if err != nil {
		return fmt.Errorf("failed to fetch attachment: %w", err)
	}

	mimetype := e.Attachment.Mimetype
	var content *waE2E.Message
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		content, err = d.imageMessage(ctx, data, mimetype, caption)
	case strings.HasPrefix(mimetype, "video/"):
		content, err = d.videoMessage(ctx, data, mimetype, caption)
	case strings.HasPrefix(mimetype, "audio/"):
		// Audio carries no caption; relay the text as its own message first.
		if caption != "" {
			if err := d.send(ctx, jid, &waE2E.Message{Conversation: proto.String(caption)}, ""); err != nil {
				return err
			}
		}
		content, err = d.audioMessage(ctx, data, mimetype)
	default:
		content, err = d.documentMessage(ctx, data, mimetype, e.Attachment.Name, caption)
	}
	if err != nil {
		return err
	}
	return d.send(ctx, jid, content, e.MessageID)
}

// send delivers content under a locally generated id and records the pair so
// later edits and reactions on either side can be correlated.
func (d *WhatsAppDispatcher) send(ctx context.Context, jid types.JID, content *waE2E.Message, originID string) error {
	extra := whatsmeow.SendRequestExtra{ID: d.api.GenerateMessageID()}
	if _, err := d.api.SendMessage(ctx, jid, content, extra); err != nil {
		return err
	}
	if originID != "" {
		d.ledger.Record(extra.ID, originID)
	}
	return nil
}

// prefixed renders the event body with the optional sender tag.
func (d *WhatsAppDispatcher) prefixed(e *event.Event) string {
	if !d.settings.DiscordPrefix {
		return e.Body
	}
	name := d.settings.DiscordPrefixText
	if name == "" {
		name = e.SenderName
	}
	return "[" + name + "] " + e.Body
}

// quoteContext resolves a reply reference into quoting context. Replies to
// messages that already left the ledger degrade to plain sends; lost reports
// that degradation so the sender can be notified.
func (d *WhatsAppDispatcher) quoteContext(e *event.Event) (ctxInfo *waE2E.ContextInfo, lost bool) {
	if e.Quote == nil || e.RefMessageID == "" {
		return nil, false
	}
	waID, ok := d.ledger.Lookup(e.RefMessageID)
	if !ok || waID == "" {
		return nil, true
	}
	participant := d.contacts.Self()
	if jid, ok := d.contacts.ResolveJID(e.Quote.Name); ok {
		participant = jid
	}
	return &waE2E.ContextInfo{
		StanzaID:      proto.String(waID),
		Participant:   proto.String(participant),
		QuotedMessage: &waE2E.Message{Conversation: proto.String(e.Quote.Text)},
	}, false
}

func (d *WhatsAppDispatcher) imageMessage(ctx context.Context, data []byte, mimetype string, caption string) (*waE2E.Message, error) {
	uploaded, err := d.api.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}
	msg := &waE2E.ImageMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		Mimetype:      proto.String(mimetype),
		Caption:       proto.String(caption),
		FileLength:    proto.Uint64(uploaded.FileLength),
		FileSHA256:    uploaded.FileSHA256,
		FileEncSHA256: uploaded.FileEncSHA256,
		MediaKey:      uploaded.MediaKey,
	}

	// Thumbnail generation is best effort; exotic formats go out without one.
	if thumb, err := renderThumbnail(data); err == nil {
		thumbUploaded, err := d.api.Upload(ctx, thumb, whatsmeow.MediaLinkThumbnail)
		if err == nil {
			msg.JPEGThumbnail = thumb
			msg.ThumbnailDirectPath = proto.String(thumbUploaded.DirectPath)
			msg.ThumbnailSHA256 = thumbUploaded.FileSHA256
			msg.ThumbnailEncSHA256 = thumbUploaded.FileEncSHA256
		}
	}
	return &waE2E.Message{ImageMessage: msg}, nil
}

func (d *WhatsAppDispatcher) videoMessage(ctx context.Context, data []byte, mimetype string, caption string) (*waE2E.Message, error) {
	uploaded, err := d.api.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return nil, fmt.Errorf("failed to upload video: %w", err)
	}
	return &waE2E.Message{
		VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(mimetype),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		},
	}, nil
}

func (d *WhatsAppDispatcher) audioMessage(ctx context.Context, data []byte, mimetype string) (*waE2E.Message, error) {
	uploaded, err := d.api.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio: %w", err)
	}
	return &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(mimetype),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		},
	}, nil
}

func (d *WhatsAppDispatcher) documentMessage(ctx context.Context, data []byte, mimetype string, name string, caption string) (*waE2E.Message, error) {
	uploaded, err := d.api.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}
	return &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(mimetype),
			FileName:      proto.String(name),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		},
	}, nil
}

// renderThumbnail downscales an image to the 72 pixel preview WhatsApp shows
// in chat lists.
func renderThumbnail(data []byte) ([]byte, error) {
	decoded, err := imgconv.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	encoded := new(bytes.Buffer)
	err = imgconv.Write(encoded,
		imgconv.Resize(decoded, &imgconv.ResizeOption{Width: 72}),
		&imgconv.FormatOption{Format: imgconv.JPEG})
	if err != nil {
		return nil, err
	}
	return encoded.Bytes(), nil
}
