package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
)

func waMessage(msg *waE2E.Message) *events.Message {
	chat, _ := types.ParseJID("15551230000@s.whatsapp.net")
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            "WAMSG1",
			PushName:      "Alice",
			Timestamp:     time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

func TestClassifyPlainText(t *testing.T) {
	msgType, _ := Classify(&waE2E.Message{Conversation: proto.String("hi")})
	assert.Equal(t, TypeConversation, msgType)
}

func TestClassifyUnwrapsViewOnce(t *testing.T) {
	msgType, inner := Classify(&waE2E.Message{
		ViewOnceMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{
				ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")},
			},
		},
	})
	assert.Equal(t, TypeImage, msgType)
	require.NotNil(t, inner.GetImageMessage())
}

func TestClassifyEditWrapper(t *testing.T) {
	msgType, inner := Classify(&waE2E.Message{
		ProtocolMessage: &waE2E.ProtocolMessage{
			Type:          waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
			Key:           &waCommon.MessageKey{ID: proto.String("ORIG1")},
			EditedMessage: &waE2E.Message{Conversation: proto.String("fixed")},
		},
	})
	assert.Equal(t, TypeEdit, msgType)
	assert.Equal(t, "fixed", inner.GetConversation())
}

func TestClassifyUnrecognized(t *testing.T) {
	msgType, _ := Classify(&waE2E.Message{})
	assert.Equal(t, TypeUnknown, msgType)
	msgType, _ = Classify(nil)
	assert.Equal(t, TypeUnknown, msgType)
}

func TestFromWhatsAppPlainText(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{Conversation: proto.String("hello")}), dir)
	require.NotNil(t, e)
	assert.Equal(t, KindMessage, e.Kind)
	assert.Equal(t, "hello", e.Body)
	assert.Equal(t, "15551230000@s.whatsapp.net", e.ChatJID)
	assert.Equal(t, "Alice", e.SenderName)
	assert.Equal(t, "WAMSG1", e.MessageID)
	assert.False(t, e.Empty())
}

func TestFromWhatsAppForwardedBeatsQuote(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("fwd body"),
			ContextInfo: &waE2E.ContextInfo{
				IsForwarded:   proto.Bool(true),
				Participant:   proto.String("15551231111@s.whatsapp.net"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("quoted")},
			},
		},
	}), dir)
	require.NotNil(t, e)
	assert.True(t, e.Forwarded)
	assert.Nil(t, e.Quote)
	assert.Equal(t, "fwd body", e.Body)
}

func TestFromWhatsAppQuote(t *testing.T) {
	dir := contacts.NewDirectory()
	dir.Set("15551231111@s.whatsapp.net", "Bob")
	e := FromWhatsApp(waMessage(&waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("reply body"),
			ContextInfo: &waE2E.ContextInfo{
				Participant:   proto.String("15551231111@s.whatsapp.net"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("original text")},
			},
		},
	}), dir)
	require.NotNil(t, e)
	require.NotNil(t, e.Quote)
	assert.Equal(t, "Bob", e.Quote.Name)
	assert.Equal(t, "original text", e.Quote.Text)
	assert.False(t, e.Forwarded)
}

func TestFromWhatsAppMediaKeepsReferenceOnly(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:    proto.String("look"),
			Mimetype:   proto.String("image/png"),
			FileLength: proto.Uint64(1024),
		},
	}), dir)
	require.NotNil(t, e)
	require.NotNil(t, e.Attachment)
	assert.Equal(t, "image.png", e.Attachment.Name)
	assert.Equal(t, int64(1024), e.Attachment.Size)
	assert.Nil(t, e.Attachment.Data)
	assert.NotNil(t, e.Attachment.Downloadable)
	assert.Equal(t, "look", e.Body)
}

func TestFromWhatsAppDocumentFileName(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			FileName:   proto.String("report.pdf"),
			Mimetype:   proto.String("application/pdf"),
			FileLength: proto.Uint64(2048),
		},
	}), dir)
	require.NotNil(t, e)
	require.NotNil(t, e.Attachment)
	assert.Equal(t, "report.pdf", e.Attachment.Name)
}

func TestFromWhatsAppAudioFileName(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			Mimetype:   proto.String("audio/ogg; codecs=opus"),
			FileLength: proto.Uint64(512),
		},
	}), dir)
	require.NotNil(t, e)
	require.NotNil(t, e.Attachment)
	assert.Equal(t, "audio.ogg", e.Attachment.Name)
}

func TestFromWhatsAppReaction(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{
		ReactionMessage: &waE2E.ReactionMessage{
			Text: proto.String("👍"),
			Key:  &waCommon.MessageKey{ID: proto.String("TARGET1")},
		},
	}), dir)
	require.NotNil(t, e)
	assert.Equal(t, KindReaction, e.Kind)
	assert.Equal(t, "👍", e.Emoji)
	assert.Equal(t, "TARGET1", e.RefMessageID)
}

func TestFromWhatsAppEdit(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{
		ProtocolMessage: &waE2E.ProtocolMessage{
			Type:          waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
			Key:           &waCommon.MessageKey{ID: proto.String("ORIG1")},
			EditedMessage: &waE2E.Message{Conversation: proto.String("fixed text")},
		},
	}), dir)
	require.NotNil(t, e)
	assert.Equal(t, KindEdit, e.Kind)
	assert.Equal(t, "ORIG1", e.RefMessageID)
	assert.Equal(t, "fixed text", e.Body)
}

func TestFromWhatsAppUnrecognizedDropped(t *testing.T) {
	dir := contacts.NewDirectory()
	assert.Nil(t, FromWhatsApp(waMessage(&waE2E.Message{}), dir))
}

func TestEmptyTextSuppressed(t *testing.T) {
	dir := contacts.NewDirectory()
	e := FromWhatsApp(waMessage(&waE2E.Message{Conversation: proto.String("")}), dir)
	require.NotNil(t, e)
	assert.True(t, e.Empty())
}
