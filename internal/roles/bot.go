package roles

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"dreambot/internal/conversation"
	"dreambot/internal/dispatcher"
	"dreambot/internal/http/handlers"
	"dreambot/internal/http/httpapi"
	"dreambot/internal/infra"
	"dreambot/internal/infra/geoip"
	"dreambot/internal/notify"
	"dreambot/internal/poller"
	"dreambot/internal/queue"
)

// Bot is the front-end role: command surface, dispatcher and poller.
type Bot struct {
	env        *Env
	Dispatcher *dispatcher.Dispatcher
	Poller     *poller.Poller
	Threads    *conversation.Store
	Server     *infra.HTTPServer

	emitter  *notify.MQTTEmitter
	resolver geoip.CountryResolver
}

// NewBot wires the front-end. MQTT and GeoIP are optional: a broker or
// database that cannot be reached is logged and skipped.
func (e *Env) NewBot(ctx context.Context) (*Bot, error) {
	cfg := e.Config
	threads := conversation.NewStore(e.Logger)

	d, err := dispatcher.New(dispatcher.Options{
		Work:      e.Broker.Work,
		Upscale:   e.Broker.Upscale,
		Presence:  e.Broker.Presence,
		Artifacts: e.Store,
		WorkerTTL: cfg.PresenceTTL,
		Logger:    e.Logger,
	})
	if err != nil {
		return nil, err
	}

	bot := &Bot{env: e, Dispatcher: d, Threads: threads}
	operator := notify.Fanout{threads}
	var events notify.EventSink
	if cfg.MQTTBroker != "" {
		em := notify.NewMQTTEmitter(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID, e.Logger)
		if err := em.Connect(ctx); err != nil {
			e.Logger.Warn().Err(err).Str("broker", cfg.MQTTBroker).Msg("bot: mqtt unavailable, events disabled")
		} else {
			bot.emitter = em
			operator = append(operator, em)
			events = em
		}
	}

	p, err := poller.New(poller.Options{
		Notify:     e.Broker.Notify,
		Upscale:    e.Broker.Upscale,
		Results:    e.Broker.Result,
		Jobs:       d.Jobs(),
		Upscales:   d.Upscales(),
		Operator:   operator,
		Events:     events,
		Artifacts:  e.Store,
		Interval:   cfg.PollInterval,
		JitterMax:  cfg.ResponseJitterMax,
		LostJobs:   cfg.LostJobPolicy,
		JobTimeout: cfg.JobTimeout,
		Logger:     e.Logger,
	})
	if err != nil {
		bot.close()
		return nil, err
	}
	bot.Poller = p

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("bot: geoip disabled")
		resolver = nil
	}
	bot.resolver = resolver

	app := handlers.NewApp(d, threads, e.Store, e.Registry, e.Logger)
	router := httpapi.NewRouter(app, httpapi.OptionsFromConfig(cfg, e.Logger, geoip.Lookup(resolver)))
	bot.Server = infra.NewHTTPServer(cfg, router)
	return bot, nil
}

// Run serves HTTP and runs the supervised poller until ctx is cancelled or
// either of them fails for good.
func (b *Bot) Run(ctx context.Context) error {
	defer b.close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.env.Logger.Info().Str("addr", b.Server.Addr()).Msg("bot: http listening")
		return b.Server.Serve(ctx, b.env.Config.HTTPIdleTimeout)
	})
	g.Go(func() error {
		return b.env.Supervise(ctx, queue.RoleBot, queue.RoleBot, b.Poller.Run)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bot) close() {
	if b.emitter != nil {
		b.emitter.Disconnect()
	}
	if err := geoip.CloseResolver(b.resolver); err != nil {
		b.env.Logger.Warn().Err(err).Msg("bot: close geoip")
	}
}
