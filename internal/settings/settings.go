package settings

import (
	"context"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/storage"
)

// Direction bitmask values for the OneWay setting. Bit 0 allows relaying
// toward Discord, bit 1 toward WhatsApp. Both bits set means two-way.
const (
	DirectionToDiscord  = 0b01
	DirectionToWhatsApp = 0b10
	DirectionBoth       = 0b11
)

const (
	dbSettingsName = "settings"

	DefaultLocalDownloadMessage = "Saved a file larger than the upload limit to {abs}."
	DefaultDownloadDir          = "downloads"
)

// Settings is the shared bridge configuration. Loaded once at startup,
// mutated at runtime by the administrative layer and persisted periodically.
type Settings struct {
	Token            string
	GuildID          string
	Categories       []string
	ControlChannelID string

	Whitelist            []string
	OneWay               int
	DiscordPrefix        bool
	DiscordPrefixText    string
	WAGroupPrefix        bool
	UploadAttachments    bool
	Publish              bool
	LocalDownloads       bool
	LocalDownloadMessage string
	DownloadDir          string
	RedirectWebhooks     bool
	ChangeNotifications  bool
	LastMessageStorage   int
}

func Default() *Settings {
	return &Settings{
		OneWay:               DirectionBoth,
		UploadAttachments:    true,
		LocalDownloadMessage: DefaultLocalDownloadMessage,
		DownloadDir:          DefaultDownloadDir,
		LastMessageStorage:   0,
	}
}

// Load reads stored settings, filling in defaults for fields persisted by an
// older version. It reports whether anything was stored at all so the caller
// can run first-time setup.
func Load(ctx context.Context, store *storage.Store) (*Settings, bool, error) {
	s := Default()
	found, err := store.Get(ctx, dbSettingsName, s)
	if err != nil {
		return nil, false, err
	}
	if s.OneWay == 0 {
		s.OneWay = DirectionBoth
	}
	if s.LocalDownloadMessage == "" {
		s.LocalDownloadMessage = DefaultLocalDownloadMessage
	}
	if s.DownloadDir == "" {
		s.DownloadDir = DefaultDownloadDir
	}
	return s, found, nil
}

func (s *Settings) Save(ctx context.Context, store *storage.Store) error {
	return store.Upsert(ctx, dbSettingsName, s)
}

// AllowsDirection reports whether the one-way bitmask permits the given
// direction bit.
func (s *Settings) AllowsDirection(direction int) bool {
	return s.OneWay&direction != 0
}

// Whitelisted reports whether the conversation may be relayed. An empty
// whitelist allows everything.
func (s *Settings) Whitelisted(jid string) bool {
	if len(s.Whitelist) == 0 {
		return true
	}
	for _, allowed := range s.Whitelist {
		if allowed == jid {
			return true
		}
	}
	return false
}
