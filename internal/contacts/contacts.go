package contacts

import (
	"sort"
	"strings"
	"sync"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/wajid"
)

// Directory maps normalized conversation JIDs to display names. It is seeded
// from the WhatsApp contact store and joined groups and refreshed whenever the
// client reports contact or group changes.
type Directory struct {
	mu      sync.RWMutex
	names   map[string]string
	selfJID string
}

func NewDirectory() *Directory {
	return &Directory{names: make(map[string]string)}
}

func (d *Directory) SetSelf(jid string) {
	d.mu.Lock()
	d.selfJID = jid
	d.mu.Unlock()
}

func (d *Directory) Self() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selfJID
}

// Set stores the display name for a conversation. Empty names are ignored so
// a partial contact sync never erases a known name.
func (d *Directory) Set(jid string, name string) {
	if name == "" {
		return
	}
	normalized, err := wajid.Normalize(jid)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.names[normalized] = name
	d.mu.Unlock()
}

func (d *Directory) Forget(jid string) {
	normalized, err := wajid.Normalize(jid)
	if err != nil {
		return
	}
	d.mu.Lock()
	delete(d.names, normalized)
	d.mu.Unlock()
}

// ResolveName resolves a display name for the given JID. The priority chain
// is fixed: the account itself, then the stored contact name, then the push
// name carried by the message, then the bare phone number.
func (d *Directory) ResolveName(jid string, pushName string) string {
	d.mu.RLock()
	self := d.selfJID
	name := ""
	if normalized, err := wajid.Normalize(jid); err == nil {
		name = d.names[normalized]
	}
	d.mu.RUnlock()

	if self != "" && wajid.IsSelf(self, jid) {
		return "You"
	}
	if name != "" {
		return name
	}
	if pushName != "" {
		return pushName
	}
	return wajid.Phone(jid)
}

// ResolveJID converts a contact name or bare phone number into a JID. Pure
// numeric input maps directly to an individual chat. Names are matched
// case-insensitively and whitespace-trimmed, exact matches only.
func (d *Directory) ResolveJID(nameOrNumber string) (string, bool) {
	query := strings.TrimSpace(nameOrNumber)
	if query == "" {
		return "", false
	}
	if wajid.IsPhone(query) {
		return wajid.FromPhone(query), true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for jid, name := range d.names {
		if strings.EqualFold(strings.TrimSpace(name), query) {
			return jid, true
		}
	}
	return "", false
}

// Names returns all known display names, sorted, optionally filtered by a
// case-insensitive substring. Listing is the only place partial matching is
// allowed.
func (d *Directory) Names(filter string) []string {
	filter = strings.ToLower(filter)

	d.mu.RLock()
	names := make([]string, 0, len(d.names))
	for _, name := range d.names {
		if filter == "" || strings.Contains(strings.ToLower(name), filter) {
			names = append(names, name)
		}
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the directory for persistence.
func (d *Directory) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snapshot := make(map[string]string, len(d.names))
	for jid, name := range d.names {
		snapshot[jid] = name
	}
	return snapshot
}

// Load replaces the directory contents, used at startup.
func (d *Directory) Load(names map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = make(map[string]string, len(names))
	for jid, name := range names {
		if normalized, err := wajid.Normalize(jid); err == nil && name != "" {
			d.names[normalized] = name
		}
	}
}
