package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	cron "github.com/robfig/cron/v3"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/env"
	"github.com/gdbrns/go-whatsapp-discord-bridge/pkg/log"

	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/bridge"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/contacts"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/ledger"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/policy"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/registry"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/relay"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/settings"
	"github.com/gdbrns/go-whatsapp-discord-bridge/internal/storage"
)

const dbContactsName = "contacts"

func main() {
	ctx := context.Background()

	// Initialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Open Bridge Datastore
	store, err := storage.Open(ctx,
		env.GetEnvStringOrDefault("BRIDGE_DATASTORE_TYPE", "sqlite"),
		env.GetEnvStringOrDefault("BRIDGE_DATASTORE_URI", ""),
	)
	if err != nil {
		log.Print("main").WithError(err).Fatal("Failed to open bridge datastore")
	}
	defer store.Close()

	// Load Bridge Settings
	conf, found, err := settings.Load(ctx, store)
	if err != nil {
		log.Print("main").WithError(err).Fatal("Failed to load bridge settings")
	}
	if !found {
		log.Print("main").Info("No stored settings found, starting first-time setup")
	}
	conf.Token = env.GetEnvStringOrDefault("DISCORD_BOT_TOKEN", conf.Token)
	conf.GuildID = env.GetEnvStringOrDefault("DISCORD_GUILD_ID", conf.GuildID)
	conf.DownloadDir = env.GetEnvStringOrDefault("BRIDGE_DOWNLOAD_DIR", conf.DownloadDir)
	conf.LocalDownloads = env.GetEnvBoolOrDefault("BRIDGE_LOCAL_DOWNLOADS", conf.LocalDownloads)
	conf.LastMessageStorage = env.GetEnvIntOrDefault("BRIDGE_MESSAGE_HISTORY", conf.LastMessageStorage)
	if conf.Token == "" || conf.GuildID == "" {
		log.Print("main").Fatal("DISCORD_BOT_TOKEN and DISCORD_GUILD_ID must be set")
	}

	// Load Contact Directory
	dir := contacts.NewDirectory()
	names := make(map[string]string)
	if found, err := store.Get(ctx, dbContactsName, &names); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to load contact directory")
	} else if found {
		dir.Load(names)
	}

	// Initialize Message History Ledger
	led := ledger.New(conf.LastMessageStorage)

	// Open Discord Session
	session, err := discordgo.New("Bot " + conf.Token)
	if err != nil {
		log.Print("main").WithError(err).Fatal("Failed to create Discord session")
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent
	if err := session.Open(); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to open Discord session")
	}
	defer session.Close()

	// Load and Repair Channel Registry
	reg := registry.New(session, conf, dir)
	if err := reg.Load(ctx, store); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to load channel registry")
	}
	if err := reg.Repair(); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to repair channel registry")
	}

	// Open WhatsApp Session Container on the Bridge Datastore
	container := sqlstore.NewWithDB(store.DB(), store.Dialect(), nil)
	if err := container.Upgrade(ctx); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to migrate WhatsApp session container")
	}

	// Wire Relay Pipeline
	filter := policy.NewFilter(conf, led, time.Now())
	announce := bridge.NewAnnouncer(session, conf)

	loop := bridge.NewLoop(nil, nil, 0)
	wa, err := bridge.NewWhatsApp(ctx, container, loop, dir, conf, announce,
		env.GetEnvStringOrDefault("BRIDGE_PAIR_PHONE", ""))
	if err != nil {
		log.Print("main").WithError(err).Fatal("Failed to initialize WhatsApp client")
	}

	loop.SetDispatchers(
		relay.NewDiscordDispatcher(session, wa, reg, conf, filter, led),
		relay.NewWhatsAppDispatcher(wa, conf, filter, led, dir, nil),
	)

	dc := bridge.NewDiscord(session, loop, reg, conf)
	dc.Register()
	loop.OnRejected = dc.NotifyRejected
	loop.Announce = announce.Send
	go loop.Run(ctx)

	// Connect WhatsApp
	if err := wa.Connect(ctx); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to connect to WhatsApp")
	}
	defer wa.Disconnect()
	if err := wa.SeedContacts(ctx); err != nil {
		log.Print("main").WithError(err).Warn("Failed to seed contact directory")
	}

	// Periodic State Autosave
	saveTimeout := env.GetEnvDurationOrDefault("BRIDGE_SAVE_TIMEOUT", 30*time.Second)
	saveState := func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := conf.Save(saveCtx, store); err != nil {
			log.Print("main").WithError(err).Error("Failed to save bridge settings")
		}
		if err := reg.Save(saveCtx, store); err != nil {
			log.Print("main").WithError(err).Error("Failed to save channel registry")
		}
		if err := store.Upsert(saveCtx, dbContactsName, dir.Snapshot()); err != nil {
			log.Print("main").WithError(err).Error("Failed to save contact directory")
		}
	}

	autosaveSpec := env.GetEnvStringOrDefault("BRIDGE_AUTOSAVE_CRON", "@every 5m")
	if _, err := c.AddFunc(autosaveSpec, saveState); err != nil {
		log.Print("main").WithError(err).Fatal("Failed to schedule state autosave")
	}
	c.Start()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown

	// Stop Cron and Flush State
	c.Stop()
	saveState()
}
