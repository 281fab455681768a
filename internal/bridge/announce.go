package bridge

import (
	"io"

	"github.com/bwmarrin/discordgo"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"
)

// AnnounceAPI is the slice of the Discord session used for control channel
// announcements.
type AnnounceAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSend(channelID string, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Announcer posts operator-facing status lines into the control channel.
// Announcements are best effort; a failed one is logged and forgotten.
type Announcer struct {
	api      AnnounceAPI
	settings *settings.Settings
}

func NewAnnouncer(api AnnounceAPI, s *settings.Settings) *Announcer {
	return &Announcer{api: api, settings: s}
}

func (a *Announcer) Send(text string) {
	if a.settings.ControlChannelID == "" {
		log.Print("bridge").Warn("No control channel for announcement: " + text)
		return
	}
	if _, err := a.api.ChannelMessageSend(a.settings.ControlChannelID, text); err != nil {
		log.Print("bridge").WithError(err).Warn("Failed to announce: " + text)
	}
}

func (a *Announcer) SendFile(name string, r io.Reader) {
	if a.settings.ControlChannelID == "" {
		return
	}
	if _, err := a.api.ChannelFileSend(a.settings.ControlChannelID, name, r); err != nil {
		log.Print("bridge").WithError(err).Warn("Failed to send " + name + " to the control channel")
	}
}
