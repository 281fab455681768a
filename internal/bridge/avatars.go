package bridge

import (
	"context"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/wajid"
)

// ProfilePictureAPI fetches profile picture metadata from WhatsApp.
type ProfilePictureAPI interface {
	GetProfilePictureInfo(ctx context.Context, jid types.JID, params *whatsmeow.GetProfilePictureParams) (*types.ProfilePictureInfo, error)
}

// AvatarCache memoizes profile picture URLs used as webhook avatars. Lookups
// that fail or return nothing are cached as empty so a contact without a
// picture is not refetched on every message.
type AvatarCache struct {
	api  ProfilePictureAPI
	mu   sync.Mutex
	urls map[string]string
}

func NewAvatarCache(api ProfilePictureAPI) *AvatarCache {
	return &AvatarCache{api: api, urls: make(map[string]string)}
}

// URL returns the avatar URL for a sender, fetching it on first use.
func (c *AvatarCache) URL(ctx context.Context, jid string) string {
	c.mu.Lock()
	url, ok := c.urls[jid]
	c.mu.Unlock()
	if ok {
		return url
	}

	url = ""
	if parsed, err := wajid.Parse(jid); err == nil {
		info, err := c.api.GetProfilePictureInfo(ctx, parsed, &whatsmeow.GetProfilePictureParams{Preview: true})
		if err == nil && info != nil {
			url = info.URL
		}
	}
	c.mu.Lock()
	c.urls[jid] = url
	c.mu.Unlock()
	return url
}

// Invalidate drops the cached URL after a profile picture change.
func (c *AvatarCache) Invalidate(jid string) {
	c.mu.Lock()
	delete(c.urls, jid)
	c.mu.Unlock()
}
