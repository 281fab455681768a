package event

import (
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/wajid"
)

// MessageType is the recognized subset of the waE2E message union.
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeConversation
	TypeExtendedText
	TypeImage
	TypeVideo
	TypeAudio
	TypeDocument
	TypeSticker
	TypeReaction
	TypeEdit
)

// Classify returns the first recognized message type, unwrapping one level
// of view-once and edit wrappers to reach the inner payload. TypeUnknown
// means the payload should be dropped upstream.
func Classify(msg *waE2E.Message) (MessageType, *waE2E.Message) {
	if msg == nil {
		return TypeUnknown, nil
	}
	if pm := msg.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_MESSAGE_EDIT {
		if inner := pm.GetEditedMessage(); inner != nil {
			return TypeEdit, inner
		}
		return TypeUnknown, nil
	}
	if inner := msg.GetViewOnceMessage().GetMessage(); inner != nil {
		msg = inner
	} else if inner := msg.GetViewOnceMessageV2().GetMessage(); inner != nil {
		msg = inner
	}

	switch {
	case msg.GetReactionMessage() != nil:
		return TypeReaction, msg
	case msg.Conversation != nil:
		return TypeConversation, msg
	case msg.GetExtendedTextMessage() != nil:
		return TypeExtendedText, msg
	case msg.GetImageMessage() != nil:
		return TypeImage, msg
	case msg.GetVideoMessage() != nil:
		return TypeVideo, msg
	case msg.GetAudioMessage() != nil:
		return TypeAudio, msg
	case msg.GetDocumentMessage() != nil:
		return TypeDocument, msg
	case msg.GetStickerMessage() != nil:
		return TypeSticker, msg
	default:
		return TypeUnknown, nil
	}
}

// FromWhatsApp reduces an inbound WhatsApp message to the normalized event
// shape. It returns nil when no recognized message type is present. Media is
// kept as a downloadable reference so the size policy can run before any
// download is attempted.
func FromWhatsApp(evt *events.Message, dir *contacts.Directory) *Event {
	msgType, msg := Classify(evt.Message)
	if msgType == TypeUnknown {
		return nil
	}

	chatJID, err := wajid.Normalize(evt.Info.Chat.String())
	if err != nil {
		return nil
	}
	senderJID, err := wajid.Normalize(evt.Info.Sender.String())
	if err != nil {
		return nil
	}

	e := &Event{
		Kind:       KindMessage,
		ChatJID:    chatJID,
		SenderJID:  senderJID,
		PushName:   evt.Info.PushName,
		SenderName: dir.ResolveName(senderJID, evt.Info.PushName),
		MessageID:  evt.Info.ID,
		Timestamp:  evt.Info.Timestamp,
		IsGroup:    evt.Info.IsGroup,
		FromMe:     evt.Info.IsFromMe,
	}

	switch msgType {
	case TypeReaction:
		reaction := msg.GetReactionMessage()
		e.Kind = KindReaction
		e.Emoji = reaction.GetText()
		e.RefMessageID = reaction.GetKey().GetID()
	case TypeEdit:
		e.Kind = KindEdit
		e.RefMessageID = evt.Message.GetProtocolMessage().GetKey().GetID()
		innerType, inner := Classify(msg)
		extractContent(e, innerType, inner, dir)
	default:
		extractContent(e, msgType, msg, dir)
	}

	return e
}

// extractContent fills body, quote, forward flag and attachment. The three
// extended-text framings (forwarded, quoted, plain) are mutually exclusive
// and checked in that priority order.
func extractContent(e *Event, msgType MessageType, msg *waE2E.Message, dir *contacts.Directory) {
	switch msgType {
	case TypeConversation:
		e.Body = msg.GetConversation()
	case TypeExtendedText:
		ext := msg.GetExtendedTextMessage()
		e.Body = ext.GetText()
		ctx := ext.GetContextInfo()
		switch {
		case ctx.GetIsForwarded():
			e.Forwarded = true
		case ctx.GetQuotedMessage() != nil:
			e.Quote = &Quote{
				Name: dir.ResolveName(ctx.GetParticipant(), ""),
				Text: quotedText(ctx.GetQuotedMessage()),
			}
		}
	case TypeImage:
		img := msg.GetImageMessage()
		e.Body = img.GetCaption()
		e.Attachment = mediaAttachment(img, "image", img.GetMimetype(), int64(img.GetFileLength()))
	case TypeVideo:
		vid := msg.GetVideoMessage()
		e.Body = vid.GetCaption()
		e.Attachment = mediaAttachment(vid, "video", vid.GetMimetype(), int64(vid.GetFileLength()))
	case TypeAudio:
		aud := msg.GetAudioMessage()
		e.Attachment = mediaAttachment(aud, "audio", aud.GetMimetype(), int64(aud.GetFileLength()))
	case TypeDocument:
		doc := msg.GetDocumentMessage()
		e.Body = doc.GetCaption()
		attachment := mediaAttachment(doc, "document", doc.GetMimetype(), int64(doc.GetFileLength()))
		if doc.GetFileName() != "" {
			attachment.Name = doc.GetFileName()
		}
		e.Attachment = attachment
	case TypeSticker:
		sticker := msg.GetStickerMessage()
		e.Attachment = mediaAttachment(sticker, "sticker", sticker.GetMimetype(), int64(sticker.GetFileLength()))
	}
}

func mediaAttachment(media whatsmeow.DownloadableMessage, kind string, mimetype string, size int64) *Attachment {
	return &Attachment{
		Name:         fileName(kind, mimetype),
		Mimetype:     mimetype,
		Size:         size,
		Downloadable: media,
	}
}

func fileName(kind string, mimetype string) string {
	if kind == "audio" {
		return "audio.ogg"
	}
	subtype := "bin"
	if slash := strings.IndexRune(mimetype, '/'); slash >= 0 {
		subtype = mimetype[slash+1:]
		if semi := strings.IndexRune(subtype, ';'); semi >= 0 {
			subtype = subtype[:semi]
		}
	}
	return kind + "." + subtype
}

func quotedText(quoted *waE2E.Message) string {
	switch {
	case quoted.Conversation != nil:
		return quoted.GetConversation()
	case quoted.GetExtendedTextMessage() != nil:
		return quoted.GetExtendedTextMessage().GetText()
	case quoted.GetImageMessage() != nil:
		return quoted.GetImageMessage().GetCaption()
	case quoted.GetVideoMessage() != nil:
		return quoted.GetVideoMessage().GetCaption()
	case quoted.GetDocumentMessage() != nil:
		return quoted.GetDocumentMessage().GetCaption()
	default:
		return ""
	}
}
