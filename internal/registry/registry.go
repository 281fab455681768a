package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/storage"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"
)

// CategoryCapacity is Discord's hard limit on channels per category. The
// n-th binding always lands in category floor(n / CategoryCapacity).
const CategoryCapacity = 50

const (
	categoryName       = "whatsapp"
	controlChannelName = "control-room"
	webhookName        = "whatsapp-bridge"
	dbBindingsName     = "chats"
)

var ErrUnknownChannel = errors.New("no conversation is bound to this channel")

// DiscordAPI is the narrow slice of the Discord session the registry needs.
type DiscordAPI interface {
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	WebhookCreate(channelID string, name string, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	Request(method string, urlStr string, data interface{}, options ...discordgo.RequestOption) ([]byte, error)
}

// channelDetach clears a channel's category explicitly. ChannelEdit cannot
// express this: its ParentID field is omitempty, so an empty string never
// reaches the wire.
type channelDetach struct {
	ParentID *string `json:"parent_id"`
}

// Binding ties a WhatsApp conversation to its Discord channel and webhook.
type Binding struct {
	JID          string `json:"jid"`
	ChannelID    string `json:"channel_id"`
	WebhookID    string `json:"webhook_id"`
	WebhookToken string `json:"webhook_token"`
}

// Registry owns the conversation -> channel/webhook mapping. Bindings are
// created lazily on first relay; creation for the same conversation is
// deduplicated so concurrent events for a brand-new chat share one in-flight
// channel creation instead of racing.
type Registry struct {
	api      DiscordAPI
	settings *settings.Settings
	contacts *contacts.Directory

	mu        sync.Mutex
	bindings  map[string]Binding
	byChannel map[string]string

	flight singleflight.Group
}

func New(api DiscordAPI, s *settings.Settings, dir *contacts.Directory) *Registry {
	return &Registry{
		api:       api,
		settings:  s,
		contacts:  dir,
		bindings:  make(map[string]Binding),
		byChannel: make(map[string]string),
	}
}

func (r *Registry) Get(jid string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.bindings[jid]
	return binding, ok
}

// JIDFor returns the conversation bound to a Discord channel.
func (r *Registry) JIDFor(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jid, ok := r.byChannel[channelID]
	return jid, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// BucketIndex computes which category the k-th binding belongs to.
func BucketIndex(k int) int {
	return k / CategoryCapacity
}

// GetOrCreate returns the binding for a conversation, creating the Discord
// channel and webhook on first use. Concurrent callers for the same JID
// await the same creation.
func (r *Registry) GetOrCreate(jid string) (Binding, error) {
	if binding, ok := r.Get(jid); ok {
		return binding, nil
	}

	v, err, _ := r.flight.Do(jid, func() (interface{}, error) {
		if binding, ok := r.Get(jid); ok {
			return binding, nil
		}
		return r.create(jid)
	})
	if err != nil {
		return Binding{}, err
	}
	return v.(Binding), nil
}

func (r *Registry) create(jid string) (Binding, error) {
	categoryID, err := r.bucketForNext()
	if err != nil {
		return Binding{}, err
	}

	name := r.contacts.ResolveName(jid, "")
	channel, err := r.api.GuildChannelCreateComplex(r.settings.GuildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: categoryID,
	})
	if err != nil {
		// Channel names reject some scripts and symbols; retry once with a
		// generic fallback before giving up.
		fallback := "chat-" + uuid.NewString()[:8]
		log.Print("registry").WithError(err).Warn("Channel name " + name + " rejected, retrying as " + fallback)
		channel, err = r.api.GuildChannelCreateComplex(r.settings.GuildID, discordgo.GuildChannelCreateData{
			Name:     fallback,
			Type:     discordgo.ChannelTypeGuildText,
			ParentID: categoryID,
		})
		if err != nil {
			return Binding{}, fmt.Errorf("failed to create channel for %s: %w", jid, err)
		}
	}

	webhook, err := r.api.WebhookCreate(channel.ID, webhookName, "")
	if err != nil {
		return Binding{}, fmt.Errorf("failed to create webhook for %s: %w", jid, err)
	}

	binding := Binding{
		JID:          jid,
		ChannelID:    channel.ID,
		WebhookID:    webhook.ID,
		WebhookToken: webhook.Token,
	}
	r.mu.Lock()
	r.bindings[jid] = binding
	r.byChannel[channel.ID] = jid
	r.mu.Unlock()
	return binding, nil
}

// bucketForNext returns the category for the next binding, creating a new
// category once the current one is full.
func (r *Registry) bucketForNext() (string, error) {
	r.mu.Lock()
	index := BucketIndex(len(r.bindings))
	r.mu.Unlock()

	for index >= len(r.settings.Categories) {
		category, err := r.api.GuildChannelCreateComplex(r.settings.GuildID, discordgo.GuildChannelCreateData{
			Name: categoryName,
			Type: discordgo.ChannelTypeGuildCategory,
		})
		if err != nil {
			return "", fmt.Errorf("failed to create category: %w", err)
		}
		r.settings.Categories = append(r.settings.Categories, category.ID)
	}
	return r.settings.Categories[index], nil
}

// RecreateWebhook replaces a binding's webhook after the old one was deleted
// externally. The send that hit the stale webhook retries exactly once with
// the fresh one.
func (r *Registry) RecreateWebhook(jid string) (Binding, error) {
	binding, ok := r.Get(jid)
	if !ok {
		return Binding{}, ErrUnknownChannel
	}
	webhook, err := r.api.WebhookCreate(binding.ChannelID, webhookName, "")
	if err != nil {
		return Binding{}, fmt.Errorf("failed to recreate webhook for %s: %w", jid, err)
	}
	binding.WebhookID = webhook.ID
	binding.WebhookToken = webhook.Token
	r.mu.Lock()
	r.bindings[jid] = binding
	r.mu.Unlock()
	return binding, nil
}

// Unbind drops the binding for a deleted channel and reports which
// conversation it belonged to so derived state can be cleared.
func (r *Registry) Unbind(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jid, ok := r.byChannel[channelID]
	if !ok {
		return "", false
	}
	delete(r.byChannel, channelID)
	delete(r.bindings, jid)
	return jid, true
}

// Repair reconciles stored state with the guild: bindings whose channel is
// gone are dropped, vanished categories are forgotten, channels squatting in
// a managed category without a binding are detached (never deleted), and the
// control channel is recreated if missing and pinned to the top.
func (r *Registry) Repair() error {
	channels, err := r.api.GuildChannels(r.settings.GuildID)
	if err != nil {
		return fmt.Errorf("failed to list guild channels: %w", err)
	}

	existing := make(map[string]*discordgo.Channel, len(channels))
	for _, channel := range channels {
		existing[channel.ID] = channel
	}

	kept := r.settings.Categories[:0]
	for _, categoryID := range r.settings.Categories {
		if _, ok := existing[categoryID]; ok {
			kept = append(kept, categoryID)
		}
	}
	r.settings.Categories = kept
	if len(r.settings.Categories) == 0 {
		category, err := r.api.GuildChannelCreateComplex(r.settings.GuildID, discordgo.GuildChannelCreateData{
			Name: categoryName,
			Type: discordgo.ChannelTypeGuildCategory,
		})
		if err != nil {
			return fmt.Errorf("failed to recreate category: %w", err)
		}
		r.settings.Categories = []string{category.ID}
	}

	if _, ok := existing[r.settings.ControlChannelID]; !ok {
		control, err := r.api.GuildChannelCreateComplex(r.settings.GuildID, discordgo.GuildChannelCreateData{
			Name:     controlChannelName,
			Type:     discordgo.ChannelTypeGuildText,
			ParentID: r.settings.Categories[0],
		})
		if err != nil {
			return fmt.Errorf("failed to recreate control channel: %w", err)
		}
		r.settings.ControlChannelID = control.ID
	}
	position := 0
	if _, err := r.api.ChannelEdit(r.settings.ControlChannelID, &discordgo.ChannelEdit{
		Position: &position,
		ParentID: r.settings.Categories[0],
	}); err != nil {
		log.Print("registry").WithError(err).Warn("Failed to pin control channel")
	}

	r.mu.Lock()
	for jid, binding := range r.bindings {
		if _, ok := existing[binding.ChannelID]; !ok {
			delete(r.bindings, jid)
			delete(r.byChannel, binding.ChannelID)
		}
	}
	r.mu.Unlock()

	managed := make(map[string]bool, len(r.settings.Categories))
	for _, categoryID := range r.settings.Categories {
		managed[categoryID] = true
	}
	for _, channel := range channels {
		if channel.ID == r.settings.ControlChannelID || !managed[channel.ParentID] {
			continue
		}
		if _, bound := r.JIDFor(channel.ID); bound {
			continue
		}
		// Not ours: move it out of the category instead of deleting it.
		if _, err := r.api.Request(http.MethodPatch, discordgo.EndpointChannel(channel.ID), channelDetach{}); err != nil {
			log.Print("registry").WithError(err).Warn("Failed to detach channel " + channel.ID)
		}
	}
	return nil
}

// Load restores persisted bindings at startup.
func (r *Registry) Load(ctx context.Context, store *storage.Store) error {
	stored := make(map[string]Binding)
	if _, err := store.Get(ctx, dbBindingsName, &stored); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = make(map[string]Binding, len(stored))
	r.byChannel = make(map[string]string, len(stored))
	for jid, binding := range stored {
		binding.JID = jid
		r.bindings[jid] = binding
		r.byChannel[binding.ChannelID] = jid
	}
	return nil
}

// Save persists the current bindings.
func (r *Registry) Save(ctx context.Context, store *storage.Store) error {
	r.mu.Lock()
	snapshot := make(map[string]Binding, len(r.bindings))
	for jid, binding := range r.bindings {
		snapshot[jid] = binding
	}
	r.mu.Unlock()
	return store.Upsert(ctx, dbBindingsName, snapshot)
}
