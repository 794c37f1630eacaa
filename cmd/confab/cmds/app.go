package cmds

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/confab/pkg/channel"
	"github.com/go-go-golems/confab/pkg/config"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/preferences"
	"github.com/go-go-golems/confab/pkg/provider"
	"github.com/go-go-golems/confab/pkg/session"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/ui"
)

const openAIProviderID = "openai"

// App holds the collaborators a command runs with.
type App struct {
	Settings *config.Settings
	Router   *events.EventRouter
	Mux      *channel.Multiplexer
	Store    store.Store
	Prefs    *preferences.Synchronizer
	Manager  *session.Manager
	Printer  *ui.Printer

	closeStore func() error
}

// NewApp builds an App from the bound viper configuration. options are added
// after the ones derived from the configuration.
func NewApp(options ...session.ManagerOption) (*App, error) {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	printer := ui.NewPrinter(os.Stdout, os.Stderr, color)

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return nil, errors.Wrap(err, "could not create event router")
	}
	router.AddHandler("print-notifications", events.TopicNotifications, events.NotificationHandler(printer.Notify))
	notifier := events.NewRouterNotifier(router)

	app := &App{
		Settings: settings,
		Router:   router,
		Printer:  printer,
	}

	storeClient := &http.Client{Timeout: settings.RequestTimeout}

	if settings.ChannelURL != "" {
		muxOptions := []channel.MultiplexerOption{
			channel.WithStateListener(func(connected bool) {
				if connected {
					notifier.Notify(context.Background(), events.Info(events.KindChannelState, "", "channel connected"))
				} else {
					notifier.Notify(context.Background(), events.Warning(events.KindChannelState, "", "channel disconnected"))
				}
			}),
		}
		if settings.ChannelReconnect {
			muxOptions = append(muxOptions, channel.WithReconnect(channel.DefaultReconnectPolicy()))
		}
		app.Mux = channel.NewMultiplexer(channel.NewWebsocketDialer(settings.ChannelURL), muxOptions...)
	}

	app.Store, app.closeStore, err = newStore(settings, storeClient)
	if err != nil {
		return nil, err
	}

	base := preferences.Defaults()
	if settings.DefaultProvider != "" {
		base.Provider = settings.DefaultProvider
	}
	if settings.DefaultModel != "" {
		base.Model = settings.DefaultModel
	}
	prefOptions := []preferences.Option{
		preferences.WithBase(base),
		preferences.WithNotifier(notifier),
	}
	if settings.Store == config.StoreHTTP {
		prefOptions = append(prefOptions, preferences.WithRemote(preferences.NewHTTPRemote(settings.APIBaseURL, storeClient)))
	}
	app.Prefs = preferences.NewSynchronizer(preferences.NewFileKV(settings.PreferencesFile), prefOptions...)

	managerOptions := []session.ManagerOption{
		session.WithManagerNotifier(notifier),
		session.WithManagerObserver(printer),
		session.WithGenerationDefaults(settings.Temperature, settings.MaxTokens),
	}
	if app.Mux != nil {
		managerOptions = append(managerOptions, session.WithManagerMultiplexer(app.Mux))
	}
	managerOptions = append(managerOptions, options...)
	app.Manager = session.NewManager(newRegistry(settings, app.Mux), app.Store, app.Prefs, managerOptions...)

	return app, nil
}

func newStore(settings *config.Settings, client *http.Client) (store.Store, func() error, error) {
	switch settings.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(settings.SQLitePath), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "could not create database directory")
		}
		dsn, err := store.SQLiteDSNForFile(settings.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreMemory:
		return store.NewMemoryStore(), func() error { return nil }, nil
	case config.StoreHTTP:
		return store.NewHTTPStore(settings.APIBaseURL, client), func() error { return nil }, nil
	default:
		return nil, nil, errors.Errorf("unknown store %q", settings.Store)
	}
}

// newRegistry registers one backend provider per configured id. The first
// backend provider streams over HTTP; the others stream over the shared
// channel when one is configured.
func newRegistry(settings *config.Settings, mux *channel.Multiplexer) *provider.Registry {
	// no overall timeout, streams can run for a long time
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: settings.RequestTimeout,
		},
	}

	registry := provider.NewRegistry()
	for i, id := range settings.Providers {
		hp := provider.NewHTTPProvider(id, settings.APIBaseURL, client)
		if i > 0 && mux != nil {
			registry.Register(provider.NewChannelProvider(hp, mux))
			continue
		}
		registry.Register(hp)
	}
	if settings.OpenAIAPIKey != "" {
		registry.Register(provider.NewOpenAIProvider(openAIProviderID, settings.OpenAIAPIKey, settings.OpenAIBaseURL))
	}
	log.Debug().Strs("providers", registry.IDs()).Msg("Registered providers")
	return registry
}

// Run starts the event router and the channel, loads the preferences, then
// calls fn. Everything is shut down once fn returns.
func (a *App) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.Router.Run(ctx)
	})

	eg.Go(func() error {
		defer cancel()
		defer func() {
			_ = a.Router.Close()
		}()

		select {
		case <-a.Router.Running():
		case <-ctx.Done():
			return ctx.Err()
		}

		if a.Mux != nil {
			if err := a.Mux.Connect(ctx); err != nil {
				log.Warn().Err(err).Msg("Could not connect channel, streaming over HTTP only")
			}
			defer func() {
				if err := a.Mux.Disconnect(); err != nil {
					log.Warn().Err(err).Msg("Could not close channel")
				}
			}()
		}

		if _, err := a.Prefs.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not cache preferences")
		}
		// start over with the loaded provider and model
		if _, err := a.Manager.NewConversation(); err != nil {
			return err
		}

		err := fn(ctx)

		if ferr := a.Manager.Flush(); ferr != nil {
			log.Warn().Err(ferr).Msg("Could not flush pending work")
		}
		if cerr := a.closeStore(); cerr != nil {
			log.Warn().Err(cerr).Msg("Could not close store")
		}
		return err
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
