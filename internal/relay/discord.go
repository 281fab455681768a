package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/event"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/ledger"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/policy"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/registry"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"

	"go.mau.fi/whatsmeow"
)

// DiscordAPI is the slice of the Discord session the dispatcher needs.
type DiscordAPI interface {
	WebhookExecute(webhookID string, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageCrosspost(channelID string, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID string, messageID string, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID string, messageID string, emojiID string, userID string, options ...discordgo.RequestOption) error
	ChannelMessage(channelID string, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// MediaDownloader fetches the ciphertext of a referenced media payload and
// returns the decrypted bytes.
type MediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

const attachmentNotice = "Received a file, but it's over 8MB. Check WhatsApp on your phone or enable local downloads."

// DiscordDispatcher relays normalized events into the bound Discord channel
// through its per-conversation webhook. Sends for a single event are strictly
// sequential so partitioned chunks arrive in order.
type DiscordDispatcher struct {
	api      DiscordAPI
	media    MediaDownloader
	registry *registry.Registry
	settings *settings.Settings
	filter   *policy.Filter
	ledger   *ledger.Ledger
	limiter  *rate.Limiter
}

func NewDiscordDispatcher(api DiscordAPI, media MediaDownloader, reg *registry.Registry, s *settings.Settings, f *policy.Filter, l *ledger.Ledger) *DiscordDispatcher {
	return &DiscordDispatcher{
		api:      api,
		media:    media,
		registry: reg,
		settings: s,
		filter:   f,
		ledger:   l,
		// Discord allows 5 webhook executions per 2 seconds.
		limiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 5),
	}
}

// Dispatch relays one event toward Discord. Filter rejections are returned
// unwrapped so the caller can decide which ones warrant a user notice.
func (d *DiscordDispatcher) Dispatch(ctx context.Context, e *event.Event) error {
	if err := d.filter.Allow(e, policy.ToDiscord); err != nil {
		return err
	}

	switch e.Kind {
	case event.KindReaction:
		return d.reaction(e)
	case event.KindCall, event.KindPresence:
		return d.notice(ctx, e)
	default:
		return d.message(ctx, e)
	}
}

func (d *DiscordDispatcher) message(ctx context.Context, e *event.Event) error {
	binding, err := d.registry.GetOrCreate(e.ChatJID)
	if err != nil {
		return err
	}

	content := renderContent(e, d.settings)
	var file *discordgo.File
	if e.Attachment != nil {
		switch d.filter.AttachmentVerdict(e.Attachment.Size) {
		case policy.AttachmentInline:
			data, err := d.attachmentData(ctx, e.Attachment)
			if err != nil {
				return fmt.Errorf("failed to download attachment: %w", err)
			}
			file = &discordgo.File{
				Name:        e.Attachment.Name,
				ContentType: e.Attachment.Mimetype,
				Reader:      bytes.NewReader(data),
			}
		case policy.AttachmentLocalDownload:
			line, err := d.saveLocal(ctx, e.Attachment)
			if err != nil {
				return err
			}
			content += line
		case policy.AttachmentNotice:
			content += attachmentNotice
		}
	}

	chunks := Partition(content, DiscordMessageLimit)
	if len(chunks) == 0 && file == nil {
		return nil
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var sent []*discordgo.Message
	for i, chunk := range chunks {
		params := &discordgo.WebhookParams{
			Content:   chunk,
			Username:  e.SenderName,
			AvatarURL: e.AvatarURL,
		}
		if file != nil && i == len(chunks)-1 {
			params.Files = []*discordgo.File{file}
		}
		msg, err := d.execute(ctx, e.ChatJID, binding, params)
		if err != nil {
			return err
		}
		sent = append(sent, msg)
	}

	last := sent[len(sent)-1]
	if e.MessageID != "" && last != nil {
		d.ledger.Record(e.MessageID, last.ID)
	}

	if d.settings.Publish {
		d.crosspost(binding.ChannelID, sent)
	}
	return nil
}

// execute runs one webhook send, pacing against the shared limiter. A stale
// webhook is replaced and the send retried exactly once.
func (d *DiscordDispatcher) execute(ctx context.Context, jid string, binding registry.Binding, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := d.api.WebhookExecute(binding.WebhookID, binding.WebhookToken, true, params)
	if !hasErrorCode(err, discordgo.ErrCodeUnknownWebhook) {
		return msg, err
	}

	log.Print("relay").Warn("Webhook for " + jid + " is gone, recreating")
	binding, rerr := d.registry.RecreateWebhook(jid)
	if rerr != nil {
		return nil, rerr
	}
	return d.api.WebhookExecute(binding.WebhookID, binding.WebhookToken, true, params)
}

func (d *DiscordDispatcher) reaction(e *event.Event) error {
	binding, ok := d.registry.Get(e.ChatJID)
	if !ok {
		return nil
	}
	messageID, ok := d.ledger.Lookup(e.RefMessageID)
	if !ok || messageID == "" {
		return nil
	}
	// Reactions need no reverse correlation; a sentinel keeps the origin id
	// recognized without pairing it to anything.
	d.ledger.MarkRelayed(e.MessageID)
	if e.Emoji == "" {
		return d.retractReactions(binding.ChannelID, messageID)
	}
	err := d.api.MessageReactionAdd(binding.ChannelID, messageID, e.Emoji)
	if hasErrorCode(err, discordgo.ErrCodeUnknownEmoji) {
		_, err = d.api.ChannelMessageSend(binding.ChannelID,
			fmt.Sprintf("Unknown emoji reaction (%s) received. Check WhatsApp app to see it.", e.Emoji))
	}
	return err
}

// retractReactions removes only the reactions the bot itself placed. Other
// users' reactions on the message stay.
func (d *DiscordDispatcher) retractReactions(channelID string, messageID string) error {
	msg, err := d.api.ChannelMessage(channelID, messageID)
	if err != nil {
		return err
	}
	for _, reaction := range msg.Reactions {
		if !reaction.Me {
			continue
		}
		if err := d.api.MessageReactionRemove(channelID, messageID, reaction.Emoji.APIName(), "@me"); err != nil {
			return err
		}
	}
	return nil
}

// notice delivers call and presence announcements into the conversation's
// channel under the sender's identity.
func (d *DiscordDispatcher) notice(ctx context.Context, e *event.Event) error {
	if e.Body == "" {
		return nil
	}
	binding, err := d.registry.GetOrCreate(e.ChatJID)
	if err != nil {
		return err
	}
	_, err = d.execute(ctx, e.ChatJID, binding, &discordgo.WebhookParams{
		Content:   e.Body,
		Username:  e.SenderName,
		AvatarURL: e.AvatarURL,
	})
	return err
}

func (d *DiscordDispatcher) crosspost(channelID string, sent []*discordgo.Message) {
	channel, err := d.api.Channel(channelID)
	if err != nil || channel.Type != discordgo.ChannelTypeGuildNews {
		return
	}
	for _, msg := range sent {
		if _, err := d.api.ChannelMessageCrosspost(channelID, msg.ID); err != nil {
			log.Print("relay").WithError(err).Warn("Failed to publish message " + msg.ID)
		}
	}
}

func (d *DiscordDispatcher) attachmentData(ctx context.Context, att *event.Attachment) ([]byte, error) {
	if att.Data != nil {
		return att.Data, nil
	}
	if att.Downloadable == nil {
		return nil, errors.New("attachment has no payload")
	}
	return d.media.Download(ctx, att.Downloadable)
}

// saveLocal writes an oversized attachment under the configured download
// directory and renders the user-facing line from the configured template.
func (d *DiscordDispatcher) saveLocal(ctx context.Context, att *event.Attachment) (string, error) {
	data, err := d.attachmentData(ctx, att)
	if err != nil {
		return "", fmt.Errorf("failed to download attachment: %w", err)
	}
	if err := os.MkdirAll(d.settings.DownloadDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString()[:8] + "-" + filepath.Base(att.Name)
	path := filepath.Join(d.settings.DownloadDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	line := d.settings.LocalDownloadMessage
	line = strings.ReplaceAll(line, "{abs}", abs)
	line = strings.ReplaceAll(line, "{downloadDir}", d.settings.DownloadDir)
	line = strings.ReplaceAll(line, "{fileName}", name)
	return line, nil
}

// renderContent frames the event body the way it is presented on Discord:
// an optional group sender tag, then exactly one of the forwarded banner,
// the quote block, or the edit header.
func renderContent(e *event.Event, s *settings.Settings) string {
	var b strings.Builder
	if e.IsGroup && s.WAGroupPrefix {
		b.WriteString("[" + e.SenderName + "] ")
	}
	switch {
	case e.Kind == event.KindEdit:
		b.WriteString("Edited message:\n" + e.Body)
	case e.Forwarded:
		b.WriteString("forwarded message:\n" + strings.ReplaceAll(e.Body, "\n", "\n> "))
	case e.Quote != nil:
		b.WriteString("> " + e.Quote.Name + ": " + strings.ReplaceAll(e.Quote.Text, "\n", "\n> ") + "\n" + e.Body)
	default:
		b.WriteString(e.Body)
	}
	return b.String()
}

func hasErrorCode(err error, code int) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Code == code
}
