package bridge

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/event"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/ledger"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/policy"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/registry"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/wajid"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"
)

// Discord translates gateway events from bound channels into relay events.
type Discord struct {
	session  *discordgo.Session
	loop     *Loop
	registry *registry.Registry
	settings *settings.Settings
}

func NewDiscord(session *discordgo.Session, loop *Loop, reg *registry.Registry, s *settings.Settings) *Discord {
	return &Discord{session: session, loop: loop, registry: reg, settings: s}
}

// Register attaches the gateway handlers.
func (d *Discord) Register() {
	d.session.AddHandler(d.onMessageCreate)
	d.session.AddHandler(d.onMessageUpdate)
	d.session.AddHandler(d.onReactionAdd)
	d.session.AddHandler(d.onReactionRemove)
	d.session.AddHandler(d.onChannelDelete)
}

func (d *Discord) selfID(s *discordgo.Session) string {
	if s.State != nil && s.State.User != nil {
		return s.State.User.ID
	}
	return ""
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author != nil && m.Author.ID == d.selfID(s) {
		return
	}
	jid, ok := d.registry.JIDFor(m.ChannelID)
	if !ok {
		return
	}
	if m.WebhookID != "" {
		binding, _ := d.registry.Get(jid)
		// Our own webhook is always skipped; foreign webhooks relay only
		// when redirection is enabled.
		if !d.settings.RedirectWebhooks || m.WebhookID == binding.WebhookID {
			return
		}
	}
	for _, e := range eventsFromMessage(jid, m.Message) {
		d.loop.EnqueueToWhatsApp(e)
	}
}

func (d *Discord) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Author == nil || m.Author.ID == d.selfID(s) || m.WebhookID != "" {
		return
	}
	jid, ok := d.registry.JIDFor(m.ChannelID)
	if !ok || m.Content == "" {
		return
	}
	d.loop.EnqueueToWhatsApp(&event.Event{
		Kind:         event.KindEdit,
		ChatJID:      jid,
		SenderName:   senderName(m.Member, m.Author),
		Body:         m.Content,
		MessageID:    m.ID,
		RefMessageID: m.ID,
		Timestamp:    time.Now(),
		IsGroup:      wajid.IsGroup(jid),
	})
}

func (d *Discord) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	d.reaction(s, r.MessageReaction, r.Emoji.Name)
}

func (d *Discord) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	// WhatsApp keeps one reaction per sender; an empty payload retracts it.
	d.reaction(s, r.MessageReaction, "")
}

func (d *Discord) reaction(s *discordgo.Session, r *discordgo.MessageReaction, emoji string) {
	if r.UserID == d.selfID(s) {
		return
	}
	jid, ok := d.registry.JIDFor(r.ChannelID)
	if !ok {
		return
	}
	e := &event.Event{
		Kind:         event.KindReaction,
		ChatJID:      jid,
		RefMessageID: r.MessageID,
		Emoji:        emoji,
		Timestamp:    time.Now(),
		IsGroup:      wajid.IsGroup(jid),
	}
	// Group reaction keys address the reacted message's author, so carry
	// that author's name along. Best effort, the dispatcher falls back to
	// the linked account.
	if e.IsGroup {
		if msg, err := s.ChannelMessage(r.ChannelID, r.MessageID); err == nil && msg != nil {
			e.Quote = &event.Quote{Name: senderName(nil, msg.Author)}
		}
	}
	d.loop.EnqueueToWhatsApp(e)
}

func (d *Discord) onChannelDelete(_ *discordgo.Session, c *discordgo.ChannelDelete) {
	if jid, ok := d.registry.Unbind(c.ID); ok {
		log.Print("discord").Info("Channel for " + jid + " deleted, conversation unbridged")
	}
}

// NotifyRejected surfaces reference failures back into the channel the user
// acted in. Wire it to Loop.OnRejected.
func (d *Discord) NotifyRejected(e *event.Event, direction policy.Direction, _ error) {
	if direction != policy.ToWhatsApp {
		return
	}
	binding, ok := d.registry.Get(e.ChatJID)
	if !ok {
		return
	}
	capacity := d.settings.LastMessageStorage
	if capacity <= 0 {
		capacity = ledger.DefaultCapacity
	}
	var text string
	switch {
	case e.Kind == event.KindReaction:
		text = fmt.Sprintf("Couldn't send the reaction. You can only react to the last %d messages.", capacity)
	case e.Kind == event.KindEdit:
		text = fmt.Sprintf("Couldn't edit the message. You can only edit the last %d messages.", capacity)
	case e.Kind == event.KindMessage && e.Quote != nil:
		text = "Couldn't find the message quoted. You can only reply to messages received after the bot went online. Sending the message without the quoted message."
	default:
		return
	}
	if _, err := d.session.ChannelMessageSend(binding.ChannelID, text); err != nil {
		log.Print("discord").WithError(err).Warn("Failed to send rejection notice")
	}
}

// eventsFromMessage flattens one gateway message into relay events: the text
// and first attachment ride together, every further attachment becomes its
// own uncorrelated event.
func eventsFromMessage(jid string, m *discordgo.Message) []*event.Event {
	base := &event.Event{
		Kind:       event.KindMessage,
		ChatJID:    jid,
		SenderName: senderName(m.Member, m.Author),
		Body:       m.Content,
		MessageID:  m.ID,
		Timestamp:  m.Timestamp,
		IsGroup:    wajid.IsGroup(jid),
	}
	if m.MessageReference != nil && m.ReferencedMessage != nil {
		base.RefMessageID = m.MessageReference.MessageID
		base.Quote = &event.Quote{
			Name: senderName(nil, m.ReferencedMessage.Author),
			Text: m.ReferencedMessage.Content,
		}
	}

	out := []*event.Event{base}
	for i, attachment := range m.Attachments {
		converted := &event.Attachment{
			Name:     attachment.Filename,
			Mimetype: attachment.ContentType,
			Size:     int64(attachment.Size),
			URL:      attachment.URL,
		}
		if i == 0 {
			base.Attachment = converted
			continue
		}
		out = append(out, &event.Event{
			Kind:       event.KindMessage,
			ChatJID:    jid,
			SenderName: base.SenderName,
			Attachment: converted,
			Timestamp:  m.Timestamp,
			IsGroup:    base.IsGroup,
		})
	}
	if base.Body == "" && base.Attachment == nil {
		out = out[1:]
	}
	return out
}

func senderName(member *discordgo.Member, author *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if author != nil {
		return author.Username
	}
	return ""
}
