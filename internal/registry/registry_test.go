package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
)

type fakeDiscord struct {
	mu       sync.Mutex
	channels []*discordgo.Channel
	webhooks map[string]int
	edits    map[string]*discordgo.ChannelEdit
	// patches holds raw request bodies keyed by URL, the way the REST layer
	// would serialize them.
	patches map[string]string

	nextID         int64
	channelCreates int64
	createDelay    time.Duration
	failNames      map[string]bool
}

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		webhooks:  make(map[string]int),
		edits:     make(map[string]*discordgo.ChannelEdit),
		patches:   make(map[string]string),
		failNames: make(map[string]bool),
	}
}

func (f *fakeDiscord) Request(method string, urlStr string, data interface{}, _ ...discordgo.RequestOption) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[method+" "+urlStr] = string(body)
	return nil, nil
}

func (f *fakeDiscord) GuildChannels(_ string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*discordgo.Channel, len(f.channels))
	copy(out, f.channels)
	return out, nil
}

func (f *fakeDiscord) GuildChannelCreateComplex(_ string, data discordgo.GuildChannelCreateData, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNames[data.Name] {
		return nil, errors.New("invalid channel name")
	}
	if data.Type == discordgo.ChannelTypeGuildText {
		atomic.AddInt64(&f.channelCreates, 1)
	}
	f.nextID++
	channel := &discordgo.Channel{
		ID:       fmt.Sprintf("ch-%d", f.nextID),
		Name:     data.Name,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	f.channels = append(f.channels, channel)
	return channel, nil
}

func (f *fakeDiscord) ChannelEdit(channelID string, edit *discordgo.ChannelEdit, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[channelID] = edit
	for _, channel := range f.channels {
		if channel.ID == channelID {
			channel.ParentID = edit.ParentID
			return channel, nil
		}
	}
	return nil, errors.New("unknown channel")
}

func (f *fakeDiscord) WebhookCreate(channelID string, name string, _ string, _ ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[channelID]++
	return &discordgo.Webhook{
		ID:        "wh-" + channelID,
		Token:     "token-" + channelID,
		ChannelID: channelID,
	}, nil
}

func newRegistry(api DiscordAPI) (*Registry, *settings.Settings) {
	s := settings.Default()
	s.GuildID = "guild-1"
	return New(api, s, contacts.NewDirectory()), s
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	api := newFakeDiscord()
	r, _ := newRegistry(api)

	first, err := r.GetOrCreate("15551230000@s.whatsapp.net")
	require.NoError(t, err)
	second, err := r.GetOrCreate("15551230000@s.whatsapp.net")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&api.channelCreates))
	assert.Equal(t, 1, api.webhooks[first.ChannelID])

	jid, ok := r.JIDFor(first.ChannelID)
	require.True(t, ok)
	assert.Equal(t, "15551230000@s.whatsapp.net", jid)
}

func TestGetOrCreateConcurrentSingleflight(t *testing.T) {
	api := newFakeDiscord()
	api.createDelay = 10 * time.Millisecond
	r, _ := newRegistry(api)

	const workers = 16
	results := make([]Binding, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			binding, err := r.GetOrCreate("15551230000@s.whatsapp.net")
			require.NoError(t, err)
			results[i] = binding
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&api.channelCreates))
	for _, binding := range results {
		assert.Equal(t, results[0], binding)
	}
	assert.Equal(t, 1, r.Count())
}

func TestNameCollisionFallsBackOnce(t *testing.T) {
	api := newFakeDiscord()
	r, _ := newRegistry(api)
	// The raw phone number becomes the channel name when no contact exists.
	api.failNames["15551230000"] = true

	binding, err := r.GetOrCreate("15551230000@s.whatsapp.net")
	require.NoError(t, err)
	assert.NotEmpty(t, binding.ChannelID)
}

func TestBucketIndex(t *testing.T) {
	assert.Equal(t, 0, BucketIndex(0))
	assert.Equal(t, 0, BucketIndex(49))
	assert.Equal(t, 1, BucketIndex(50))
	assert.Equal(t, 1, BucketIndex(99))
	assert.Equal(t, 2, BucketIndex(100))
}

func TestCategoryOverflowCreatesNewBucket(t *testing.T) {
	api := newFakeDiscord()
	r, s := newRegistry(api)

	for i := 0; i < CategoryCapacity+1; i++ {
		_, err := r.GetOrCreate(fmt.Sprintf("1555%07d@s.whatsapp.net", i))
		require.NoError(t, err)
	}

	require.Len(t, s.Categories, 2)
	firstBinding, _ := r.Get("15550000000@s.whatsapp.net")
	lastBinding, _ := r.Get(fmt.Sprintf("1555%07d@s.whatsapp.net", CategoryCapacity))

	var firstParent, lastParent string
	for _, channel := range api.channels {
		if channel.ID == firstBinding.ChannelID {
			firstParent = channel.ParentID
		}
		if channel.ID == lastBinding.ChannelID {
			lastParent = channel.ParentID
		}
	}
	assert.Equal(t, s.Categories[0], firstParent)
	assert.Equal(t, s.Categories[1], lastParent)
}

func TestUnbind(t *testing.T) {
	api := newFakeDiscord()
	r, _ := newRegistry(api)
	binding, err := r.GetOrCreate("15551230000@s.whatsapp.net")
	require.NoError(t, err)

	jid, ok := r.Unbind(binding.ChannelID)
	require.True(t, ok)
	assert.Equal(t, "15551230000@s.whatsapp.net", jid)

	_, ok = r.Get("15551230000@s.whatsapp.net")
	assert.False(t, ok)
	_, ok = r.JIDFor(binding.ChannelID)
	assert.False(t, ok)

	_, ok = r.Unbind("ch-unknown")
	assert.False(t, ok)
}

func TestRecreateWebhook(t *testing.T) {
	api := newFakeDiscord()
	r, _ := newRegistry(api)
	binding, err := r.GetOrCreate("15551230000@s.whatsapp.net")
	require.NoError(t, err)

	repaired, err := r.RecreateWebhook("15551230000@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, binding.ChannelID, repaired.ChannelID)
	assert.Equal(t, 2, api.webhooks[binding.ChannelID])

	_, err = r.RecreateWebhook("nobody@s.whatsapp.net")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestRepairDropsStaleBindingsAndDetachesStrays(t *testing.T) {
	api := newFakeDiscord()
	r, s := newRegistry(api)

	kept, err := r.GetOrCreate("15551230001@s.whatsapp.net")
	require.NoError(t, err)
	gone, err := r.GetOrCreate("15551230002@s.whatsapp.net")
	require.NoError(t, err)

	// Simulate the bound channel being deleted out from under us.
	api.mu.Lock()
	for i, channel := range api.channels {
		if channel.ID == gone.ChannelID {
			api.channels = append(api.channels[:i], api.channels[i+1:]...)
			break
		}
	}
	// And a foreign channel squatting inside the managed category.
	stray := &discordgo.Channel{ID: "ch-stray", ParentID: s.Categories[0], Type: discordgo.ChannelTypeGuildText}
	api.channels = append(api.channels, stray)
	api.mu.Unlock()

	require.NoError(t, r.Repair())

	_, ok := r.Get("15551230002@s.whatsapp.net")
	assert.False(t, ok)
	_, ok = r.Get("15551230001@s.whatsapp.net")
	assert.True(t, ok)
	_, ok = r.JIDFor(kept.ChannelID)
	assert.True(t, ok)

	// The stray was detached, not deleted. The PATCH body must carry an
	// explicit null parent_id; an omitted field would leave the channel in
	// the category.
	body, ok := api.patches["PATCH "+discordgo.EndpointChannel("ch-stray")]
	require.True(t, ok)
	assert.JSONEq(t, `{"parent_id":null}`, body)
}

func TestRepairRecreatesControlChannel(t *testing.T) {
	api := newFakeDiscord()
	r, s := newRegistry(api)

	require.NoError(t, r.Repair())
	require.NotEmpty(t, s.ControlChannelID)
	require.Len(t, s.Categories, 1)
	firstControl := s.ControlChannelID

	// Control channel still present: repair keeps it and re-pins it.
	require.NoError(t, r.Repair())
	assert.Equal(t, firstControl, s.ControlChannelID)
	edit, ok := api.edits[firstControl]
	require.True(t, ok)
	require.NotNil(t, edit.Position)
	assert.Equal(t, 0, *edit.Position)

	// Deleted control channel comes back on the next repair.
	api.mu.Lock()
	for i, channel := range api.channels {
		if channel.ID == firstControl {
			api.channels = append(api.channels[:i], api.channels[i+1:]...)
			break
		}
	}
	api.mu.Unlock()
	require.NoError(t, r.Repair())
	assert.NotEqual(t, firstControl, s.ControlChannelID)
}

func TestRepairForgetsVanishedCategories(t *testing.T) {
	api := newFakeDiscord()
	r, s := newRegistry(api)
	s.Categories = []string{"cat-gone"}

	require.NoError(t, r.Repair())
	require.Len(t, s.Categories, 1)
	assert.NotEqual(t, "cat-gone", s.Categories[0])
}
