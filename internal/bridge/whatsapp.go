package bridge

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	qrCode "github.com/skip2/go-qrcode"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/event"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/wajid"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"
)

// WhatsApp owns the whatsmeow client: pairing, the reconnect ladder, contact
// seeding and translation of incoming events onto the relay loop. It also
// fronts the client for outbound sends so a relogin can swap the underlying
// client without re-wiring the dispatchers.
type WhatsApp struct {
	container *sqlstore.Container
	loop      *Loop
	contacts  *contacts.Directory
	settings  *settings.Settings
	announce  *Announcer
	ladder    *ReconnectLadder
	avatars   *AvatarCache
	pairPhone string

	mu           sync.Mutex
	client       *whatsmeow.Client
	reconnecting atomic.Bool
}

func NewWhatsApp(ctx context.Context, container *sqlstore.Container, loop *Loop, dir *contacts.Directory, s *settings.Settings, announce *Announcer, pairPhone string) (*WhatsApp, error) {
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	w := &WhatsApp{
		container: container,
		loop:      loop,
		contacts:  dir,
		settings:  s,
		announce:  announce,
		ladder:    &ReconnectLadder{},
		pairPhone: pairPhone,
	}
	w.avatars = NewAvatarCache(w)
	w.attach(whatsmeow.NewClient(device, nil))
	return w, nil
}

func (w *WhatsApp) attach(client *whatsmeow.Client) {
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true
	client.AddEventHandler(w.handleEvent)
	w.mu.Lock()
	w.client = client
	w.mu.Unlock()
}

func (w *WhatsApp) current() *whatsmeow.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// Connect opens the WhatsApp session, starting a pairing flow when no
// credentials are stored yet.
func (w *WhatsApp) Connect(ctx context.Context) error {
	client := w.current()
	if client.Store.ID == nil {
		return w.pair(ctx)
	}
	return client.Connect()
}

func (w *WhatsApp) Disconnect() {
	w.current().Disconnect()
}

func (w *WhatsApp) pair(ctx context.Context) error {
	client := w.current()

	if w.pairPhone != "" {
		if err := client.Connect(); err != nil {
			return err
		}
		code, err := client.PairPhone(ctx, w.pairPhone, true, whatsmeow.PairClientChrome, "Chrome ("+runtime.GOOS+")")
		if err != nil {
			return err
		}
		w.announce.Send("Enter this code on the phone to link it: " + code)
		return nil
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsApp) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch {
		case evt.Event == "code":
			qrPNG, err := qrCode.Encode(evt.Code, qrCode.Medium, 256)
			if err != nil {
				log.Print("whatsapp").WithError(err).Error("Failed to render pairing QR")
				continue
			}
			w.announce.Send("Scan the QR code below to link the WhatsApp account.")
			w.announce.SendFile("qr.png", bytes.NewReader(qrPNG))
		case evt.Event == whatsmeow.QRChannelSuccess.Event:
			w.announce.Send("Pairing successful!")
			return
		case evt.Event == whatsmeow.QRChannelTimeout.Event:
			w.announce.Send("Pairing timed out. Restart the bridge to get a new QR code.")
			return
		case evt.Event == "error":
			log.Print("whatsapp").WithError(evt.Error).Error("QR pairing failed")
			return
		}
	}
}

// SeedContacts loads the directory from the session's contact store and
// joined groups.
func (w *WhatsApp) SeedContacts(ctx context.Context) error {
	client := w.current()
	if client.Store.ID != nil {
		self, err := wajid.Normalize(client.Store.ID.ToNonAD().String())
		if err == nil {
			w.contacts.SetSelf(self)
		}
	}

	all, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	for jid, info := range all {
		normalized, err := wajid.Normalize(jid.String())
		if err != nil {
			continue
		}
		w.contacts.Set(normalized, contactName(info))
	}

	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}
	for _, group := range groups {
		normalized, err := wajid.Normalize(group.JID.String())
		if err != nil {
			continue
		}
		w.contacts.Set(normalized, group.Name)
	}
	return nil
}

func contactName(info types.ContactInfo) string {
	switch {
	case info.FullName != "":
		return info.FullName
	case info.FirstName != "":
		return info.FirstName
	case info.PushName != "":
		return info.PushName
	default:
		return info.BusinessName
	}
}

func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.onMessage(evt)
	case *events.CallOffer:
		w.onCall(evt.CallCreator, evt.Timestamp, "%s is calling you! Check your phone to respond.")
	case *events.CallOfferNotice:
		w.onCall(evt.From, evt.Timestamp, "%s is calling you! Check your phone to respond.")
	case *events.CallTerminate:
		if evt.Reason == "timeout" {
			w.onCall(evt.CallCreator, evt.Timestamp, "Missed a call from %s!")
		}
	case *events.Presence:
		w.onPresence(evt)
	case *events.Picture:
		w.onPicture(evt)
	case *events.PushName:
		if normalized, err := wajid.Normalize(evt.JID.String()); err == nil {
			w.contacts.Set(normalized, evt.NewPushName)
		}
	case *events.Contact:
		if normalized, err := wajid.Normalize(evt.JID.String()); err == nil {
			w.contacts.Set(normalized, evt.Action.GetFullName())
		}
	case *events.GroupInfo:
		if evt.Name != nil {
			if normalized, err := wajid.Normalize(evt.JID.String()); err == nil {
				w.contacts.Set(normalized, evt.Name.Name)
			}
		}
	case *events.Connected:
		w.ladder.Reset()
		w.announce.Send("WhatsApp connection successfully opened!")
	case *events.Disconnected:
		w.reconnect()
	case *events.LoggedOut:
		log.Print("whatsapp").Warn("Session logged out, reason=" + evt.Reason.String())
		w.announce.Send("Logged out of WhatsApp. Starting a new pairing.")
		w.relogin()
	case *events.StreamReplaced:
		log.Print("whatsapp").Error("Stream replaced by another client, reconnecting")
		w.reconnect()
	}
}

func (w *WhatsApp) onMessage(evt *events.Message) {
	e := event.FromWhatsApp(evt, w.contacts)
	if e == nil {
		return
	}
	if e.Kind == event.KindMessage && e.Empty() {
		return
	}
	e.AvatarURL = w.avatars.URL(context.Background(), e.SenderJID)
	w.loop.EnqueueToDiscord(e)
}

func (w *WhatsApp) onCall(caller types.JID, timestamp time.Time, format string) {
	jid, err := wajid.Normalize(caller.String())
	if err != nil {
		return
	}
	name := w.contacts.ResolveName(jid, "")
	w.loop.EnqueueToDiscord(&event.Event{
		Kind:       event.KindCall,
		ChatJID:    jid,
		SenderJID:  jid,
		SenderName: name,
		Body:       fmt.Sprintf(format, name),
		Timestamp:  timestamp,
	})
}

func (w *WhatsApp) onPresence(evt *events.Presence) {
	if !w.settings.ChangeNotifications {
		return
	}
	jid, err := wajid.Normalize(evt.From.String())
	if err != nil {
		return
	}
	name := w.contacts.ResolveName(jid, "")
	body := name + " is now online."
	if evt.Unavailable {
		body = name + " is now offline."
	}
	w.loop.EnqueueToDiscord(&event.Event{
		Kind:       event.KindPresence,
		ChatJID:    jid,
		SenderJID:  jid,
		SenderName: name,
		Body:       body,
		Timestamp:  time.Now(),
	})
}

func (w *WhatsApp) onPicture(evt *events.Picture) {
	jid, err := wajid.Normalize(evt.JID.String())
	if err != nil {
		return
	}
	w.avatars.Invalidate(jid)
	if !w.settings.ChangeNotifications {
		return
	}
	name := w.contacts.ResolveName(jid, "")
	body := name + " changed their profile picture."
	if evt.Remove {
		body = name + " removed their profile picture."
	}
	w.loop.EnqueueToDiscord(&event.Event{
		Kind:       event.KindPresence,
		ChatJID:    jid,
		SenderJID:  jid,
		SenderName: name,
		Body:       body,
		Timestamp:  evt.Timestamp,
	})
}

// reconnect walks the ladder in a single goroutine; overlapping disconnect
// events while a climb is in progress are ignored.
func (w *WhatsApp) reconnect() {
	if !w.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer w.reconnecting.Store(false)
		for {
			action, delay, attempt := w.ladder.Next()
			w.announce.Send(Announcement(action, delay, attempt))
			if action == RequireRelogin {
				w.relogin()
				return
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			err := w.current().Connect()
			if err == nil {
				return
			}
			log.Print("whatsapp").WithError(err).Error("Reconnect attempt failed")
		}
	}()
}

// relogin discards the stored session and starts a fresh pairing flow.
func (w *WhatsApp) relogin() {
	ctx := context.Background()
	client := w.current()
	client.Disconnect()
	if client.Store.ID != nil {
		if err := client.Store.Delete(ctx); err != nil {
			log.Print("whatsapp").WithError(err).Error("Failed to delete stored session")
		}
	}
	w.ladder.Reset()
	w.attach(whatsmeow.NewClient(w.container.NewDevice(), nil))
	if err := w.Connect(ctx); err != nil {
		log.Print("whatsapp").WithError(err).Error("Failed to restart pairing")
	}
}

// The methods below front the active client so dispatchers keep working
// across a relogin swap.

func (w *WhatsApp) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	return w.current().SendMessage(ctx, to, message, extra...)
}

func (w *WhatsApp) Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return w.current().Upload(ctx, plaintext, appInfo)
}

func (w *WhatsApp) GenerateMessageID() types.MessageID {
	return w.current().GenerateMessageID()
}

func (w *WhatsApp) BuildEdit(chat types.JID, id types.MessageID, newContent *waE2E.Message) *waE2E.Message {
	return w.current().BuildEdit(chat, id, newContent)
}

func (w *WhatsApp) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return w.current().Download(ctx, msg)
}

func (w *WhatsApp) GetProfilePictureInfo(ctx context.Context, jid types.JID, params *whatsmeow.GetProfilePictureParams) (*types.ProfilePictureInfo, error) {
	return w.current().GetProfilePictureInfo(ctx, jid, params)
}
