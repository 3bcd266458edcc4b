package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ai-voice-connector/pkg/call"
	"ai-voice-connector/pkg/config"
	"ai-voice-connector/pkg/events"
	http_server "ai-voice-connector/pkg/http"
	"ai-voice-connector/pkg/media"
	"ai-voice-connector/pkg/messaging"
	"ai-voice-connector/pkg/metrics"
	"ai-voice-connector/pkg/ratelimit"
	"ai-voice-connector/pkg/sip"
	"ai-voice-connector/pkg/telemetry/tracing"
	"ai-voice-connector/pkg/util"
	"ai-voice-connector/pkg/version"
)

const shutdownTimeout = 15 * time.Second

// Shutdown priorities. The SIP server goes first so that dialog termination
// events still reach the sinks, which are drained next.
const (
	prioritySIP = iota * 10
	prioritySinks
	priorityHTTP
	priorityAMQP
	priorityTracing
)

var (
	logger    = logrus.New()
	appConfig *config.Config

	ports          *media.PortManager
	inviteLimiter  *ratelimit.SIPLimiter
	stateMachine   *sip.StateMachine
	sipServer      *sip.Server
	httpServer     *http_server.Server
	eventHub       *http_server.EventHub
	amqpClient     *messaging.AMQPClient
	eventPublisher *messaging.EventPublisher
	hotReloader    *config.HotReloader

	tracingShutdown func(context.Context) error

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	// Basic configuration until the loaded config is applied
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	if err := initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	if appConfig.HTTP.Enabled {
		if err := httpServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start admin HTTP server")
		}
	} else {
		logger.Info("Admin HTTP server is disabled by configuration")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go startSIPServer(&wg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	case <-rootCtx.Done():
		logger.Warn("SIP server stopped, shutting down")
	}

	if err := newShutdown().Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Graceful shutdown finished with errors")
	}
	rootCancel()

	wg.Wait()
	logger.Info("Shutdown complete")
}

func initialize() error {
	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		return fmt.Errorf("failed to apply logging configuration: %w", err)
	}

	metrics.Init(logger)
	metrics.EnableMetrics(appConfig.HTTP.EnableMetrics)

	if appConfig.Tracing.Enabled {
		tracingShutdown, err = tracing.Init(rootCtx, tracing.Config{
			Enabled:     true,
			Endpoint:    appConfig.Tracing.Endpoint,
			Insecure:    appConfig.Tracing.Insecure,
			ServiceName: appConfig.Tracing.ServiceName,
			SampleRatio: appConfig.Tracing.SampleRatio,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	ports = media.NewPortManager(appConfig.Media.RTPPortMin, appConfig.Media.RTPPortMax)
	factory, err := call.NewMediaFactory(logger, appConfig.SIP.AdvertisedIP, ports, appConfig.AI.Profiles)
	if err != nil {
		return fmt.Errorf("failed to create call factory: %w", err)
	}

	notifier := initializeNotifiers()

	inviteLimiter = ratelimit.NewSIPLimiter(&ratelimit.Config{
		Enabled:          appConfig.Admission.Enabled,
		InvitesPerSecond: appConfig.Admission.InvitesPerSecond,
		InviteBurst:      appConfig.Admission.InviteBurst,
		BlockDuration:    appConfig.Admission.BlockDuration,
		WhitelistedIPs:   appConfig.Admission.WhitelistedIPs,
	}, logger)
	inviteLimiter.OnReject(metrics.RecordInviteRejected)

	stateMachine = sip.NewStateMachine(logger, sip.StateMachineConfig{
		Registry: sip.NewShardedRegistry(appConfig.Dialog.Shards),
		Calls:    factory,
		Builder:  sip.NewResponseBuilder(appConfig.SIP.AdvertisedIP),
		Tags:     sip.NewRandomTagGenerator(appConfig.Dialog.TagLength),
		Notifier: notifier,
		Timeouts: sip.NewTimeoutHandler(&sip.TimeoutConfig{
			CallCreateTimeout: appConfig.Dialog.CallCreateTimeout,
			AckTimeout:        appConfig.Dialog.AckTimeout,
		}, logger),
		Profiles:  sip.NewProfileSelector(appConfig.AI.ProfileHeader, appConfig.AI.DefaultProfile, factory.HasProfile),
		Admission: inviteLimiter.AllowInvite,
	})

	sipServer = sip.NewServer(logger, stateMachine, sip.ServerConfig{
		MaxMessageSize: appConfig.SIP.MaxMessageSize,
		ReadTimeout:    appConfig.SIP.ReadTimeout,
		WriteTimeout:   appConfig.SIP.WriteTimeout,
	})

	httpServer = http_server.NewServer(logger, &http_server.Config{
		Port:          appConfig.HTTP.Port,
		Enabled:       appConfig.HTTP.Enabled,
		EnableMetrics: appConfig.HTTP.EnableMetrics,
		ReadTimeout:   appConfig.HTTP.ReadTimeout,
		WriteTimeout:  appConfig.HTTP.WriteTimeout,
		IdleTimeout:   60 * time.Second,
	}, stateMachine, eventHub)
	registerHealthChecks()
	startHotReload()

	logStartupConfig()
	return nil
}

// initializeNotifiers builds the dialog event fan-out. The websocket hub is
// always present; webhook and AMQP sinks are added when configured.
func initializeNotifiers() events.Notifier {
	eventHub = http_server.NewEventHub(logger)
	go eventHub.Run(rootCtx)

	sinks := events.Multi{eventHub}

	if len(appConfig.Notifications.WebhookURLs) > 0 {
		sinks = append(sinks, events.NewWebhookNotifier(logger, appConfig.Notifications.WebhookURLs, appConfig.Notifications.WebhookTimeout))
		logger.WithField("endpoints", len(appConfig.Notifications.WebhookURLs)).Info("Webhook event sink enabled")
	}

	if appConfig.Notifications.AMQPURL != "" {
		amqpClient = messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:          appConfig.Notifications.AMQPURL,
			QueueName:    appConfig.Notifications.AMQPQueue,
			ExchangeName: appConfig.Notifications.AMQPExchange,
		})
		if err := amqpClient.Connect(); err != nil {
			// Publishing dead-letters until the monitor reconnects
			logger.WithError(err).Warn("Initial AMQP connection failed")
		}
		eventPublisher = messaging.NewEventPublisher(logger, amqpClient, 0)
		sinks = append(sinks, eventPublisher)
		logger.WithField("queue", appConfig.Notifications.AMQPQueue).Info("AMQP event sink enabled")
	}

	return sinks
}

// startHotReload applies LOG_LEVEL and RATE_LIMIT_SIP_ENABLED edits to the
// loaded .env file without a restart.
func startHotReload() {
	if appConfig.EnvFile == "" {
		return
	}

	var err error
	hotReloader, err = config.NewHotReloader(appConfig, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload unavailable")
		return
	}
	hotReloader.OnReload(func(r config.Reloadable) {
		if level, err := logrus.ParseLevel(r.LogLevel); err == nil {
			logger.SetLevel(level)
		}
		inviteLimiter.SetEnabled(r.AdmissionEnabled)
	})
	if err := hotReloader.Start(); err != nil {
		logger.WithError(err).Warn("Configuration hot reload unavailable")
		hotReloader.Stop()
		hotReloader = nil
	}
}

func registerHealthChecks() {
	httpServer.AddCheck("sip", func() http_server.CheckResult {
		return http_server.CheckResult{
			Status:  http_server.StatusHealthy,
			Message: fmt.Sprintf("%d active connections", sipServer.ActiveConnections()),
		}
	})

	httpServer.AddCheck("rtp_ports", func() http_server.CheckResult {
		stats := ports.GetStats()
		if stats.AvailablePorts == 0 {
			return http_server.CheckResult{Status: http_server.StatusUnhealthy, Message: "RTP port range exhausted"}
		}
		if stats.AvailablePorts < stats.TotalPorts/10 {
			return http_server.CheckResult{
				Status:  http_server.StatusDegraded,
				Message: fmt.Sprintf("%d of %d RTP ports available", stats.AvailablePorts, stats.TotalPorts),
			}
		}
		return http_server.CheckResult{Status: http_server.StatusHealthy}
	})

	if amqpClient != nil {
		httpServer.AddCheck("amqp", func() http_server.CheckResult {
			if !amqpClient.IsConnected() {
				return http_server.CheckResult{Status: http_server.StatusDegraded, Message: "disconnected"}
			}
			return http_server.CheckResult{Status: http_server.StatusHealthy}
		})
	}
}

func startSIPServer(wg *sync.WaitGroup) {
	defer wg.Done()

	address := appConfig.SIP.ListenAddress()
	logger.WithField("address", address).Info("Starting SIP server on TCP")

	if err := sipServer.ListenAndServe(rootCtx, address); err != nil {
		logger.WithError(err).Error("SIP server failed")
		rootCancel()
	}
}

// newShutdown orders teardown: SIP first so terminated dialogs are still
// reported, then the event sinks, the admin server and finally the broker.
func newShutdown() *util.GracefulShutdown {
	gs := util.NewGracefulShutdown(logger, shutdownTimeout)

	gs.Register(util.ShutdownResource{Name: "sip-server", Priority: prioritySIP, Shutdown: sipServer.Shutdown})
	gs.RegisterFunc("invite-limiter", prioritySIP, inviteLimiter.Close)
	if hotReloader != nil {
		gs.RegisterFunc("hot-reload", prioritySIP, hotReloader.Stop)
	}

	if eventPublisher != nil {
		gs.Register(util.ShutdownResource{Name: "amqp-publisher", Priority: prioritySinks, Shutdown: eventPublisher.Close})
	}
	gs.RegisterFunc("event-hub", prioritySinks, rootCancel)

	if appConfig.HTTP.Enabled {
		gs.Register(util.ShutdownResource{Name: "http-server", Priority: priorityHTTP, Shutdown: httpServer.Shutdown})
	}
	if amqpClient != nil {
		gs.RegisterFunc("amqp-client", priorityAMQP, amqpClient.Disconnect)
	}
	if tracingShutdown != nil {
		gs.Register(util.ShutdownResource{Name: "tracing", Priority: priorityTracing, Shutdown: tracingShutdown})
	}
	return gs
}

func logStartupConfig() {
	logger.WithFields(logrus.Fields{
		"version":         version.Version,
		"sip_address":     appConfig.SIP.ListenAddress(),
		"advertised_ip":   appConfig.SIP.AdvertisedIP,
		"default_profile": appConfig.AI.DefaultProfile,
		"profiles":        appConfig.AI.ProfileNames(),
		"rtp_ports":       fmt.Sprintf("%d-%d", appConfig.Media.RTPPortMin, appConfig.Media.RTPPortMax),
		"ack_timeout":     appConfig.Dialog.AckTimeout.String(),
		"invite_limit":    appConfig.Admission.Enabled,
		"http_enabled":    appConfig.HTTP.Enabled,
		"metrics_enabled": appConfig.HTTP.EnableMetrics,
		"tracing_enabled": appConfig.Tracing.Enabled,
	}).Infof("Starting %s", version.Name)
}
