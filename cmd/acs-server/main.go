package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/api"
	"github.com/dexter939/EvoAcsss-sub001/internal/cwmp"
	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/mtp"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp"
	"github.com/dexter939/EvoAcsss-sub001/pkg/config"
	"github.com/dexter939/EvoAcsss-sub001/pkg/consul"
	"github.com/dexter939/EvoAcsss-sub001/pkg/kafka"
	"github.com/dexter939/EvoAcsss-sub001/pkg/metrics"
	"github.com/dexter939/EvoAcsss-sub001/pkg/redis"
	"github.com/dexter939/EvoAcsss-sub001/pkg/version"
)

const serviceName = "acs-server"

// ACSServer binds the protocol engines, transports and operator API into one
// process: CWMP on the ACS port, USP endpoints next to it, the REST API and a
// health/metrics listener on their own ports.
type ACSServer struct {
	cfg   *config.Config
	db    *database.Database
	repos *database.Repositories

	kafkaClient   *kafka.Client
	kafkaProducer *kafka.Producer
	redisClient   *redis.Client
	consulReg     *consul.ServiceRegistry
	metrics       *metrics.AcsMetrics

	cwmpEngine *cwmp.Engine
	uspService *usp.Service
	dispatcher *usp.Dispatcher

	mqttBroker *mtp.MQTTBroker
	wsServer   *mtp.WebSocketServer

	protocolServer *http.Server
	healthServer   *http.Server
	apiServer      *api.Server
}

// NewACSServer wires every component from the loaded configuration. Kafka,
// Redis, MQTT and Consul are optional; the protocol engines degrade to running
// without them.
func NewACSServer(cfg *config.Config) (*ACSServer, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	repos := database.NewRepositories(db.DB)

	s := &ACSServer{
		cfg:     cfg,
		db:      db,
		repos:   repos,
		metrics: metrics.New(serviceName),
	}

	if cfg.Kafka.Enabled {
		kafkaClient, err := kafka.NewClient(&cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Kafka client: %w", err)
		}
		producer, err := kafka.NewProducer(kafkaClient, &cfg.Kafka.Topics)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Kafka producer: %w", err)
		}
		s.kafkaClient = kafkaClient
		s.kafkaProducer = producer
		log.Printf("✅ Kafka event bus connected: %v", cfg.Kafka.Brokers)
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.redisClient = redisClient
		log.Printf("✅ Redis connected: %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	}

	s.setupCWMP()
	s.setupUSP()
	s.setupProtocolServer()
	s.setupHealthServer()

	connreq := cwmp.NewConnectionRequester(
		config.Duration(cfg.CWMP.ConnectionRequestTimeout, 10*time.Second))
	s.apiServer = api.NewServer(cfg.Server.APIPort, db, repos, connreq, s.dispatcher, s.kafkaProducer, s.metrics)

	if cfg.Consul.Enabled {
		consulCfg := consul.DefaultConfig()
		consulCfg.Address = cfg.Consul.Address
		consulCfg.Token = cfg.Consul.Token
		reg, err := consul.NewServiceRegistry(consulCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Consul: %w", err)
		}
		s.consulReg = reg
	}

	return s, nil
}

func (s *ACSServer) setupCWMP() {
	engineCfg := cwmp.EngineConfig{
		SessionTimeout:    config.Duration(s.cfg.CWMP.SessionTimeout, 5*time.Minute),
		CommandBatchLimit: s.cfg.CWMP.CommandBatchLimit,
		WatchdogTimeout:   config.Duration(s.cfg.CWMP.WatchdogTimeout, 5*time.Minute),
	}
	stores := cwmp.Stores{
		Devices:     s.repos.Device,
		Sessions:    s.repos.Session,
		Tasks:       s.repos.Task,
		Commands:    s.repos.Command,
		Parameters:  s.repos.Parameter,
		Clients:     s.repos.Client,
		Deployments: s.repos.Deployment,
	}
	var events cwmp.EventPublisher
	if s.kafkaProducer != nil {
		events = s.kafkaProducer
	}
	s.cwmpEngine = cwmp.NewEngine(engineCfg, stores, events, s.metrics)
}

func (s *ACSServer) setupUSP() {
	serviceCfg := usp.ServiceConfig{
		ControllerEndpointID: s.cfg.USP.ControllerEndpointID,
		ProtocolVersion:      s.cfg.USP.ProtocolVersion,
	}
	stores := usp.Stores{
		Devices:       s.repos.Device,
		Parameters:    s.repos.Parameter,
		Subscriptions: s.repos.Subscription,
	}
	var events usp.EventPublisher
	if s.kafkaProducer != nil {
		events = s.kafkaProducer
	}
	s.uspService = usp.NewService(serviceCfg, stores, events, s.metrics)
	if s.redisClient != nil {
		s.uspService.SetActivityTracker(s.redisClient)
	}

	if s.cfg.MQTT.Enabled {
		broker, err := mtp.NewMQTTBroker(s.cfg.MQTT)
		if err != nil {
			log.Printf("⚠️  MQTT broker setup failed, MQTT transport disabled: %v", err)
		} else {
			broker.SetMessageHandler(s.onMQTTRecord)
			s.mqttBroker = broker
		}
	}

	s.wsServer = mtp.NewWebSocketServer(s.cfg.Server.WebSocketPort)
	s.wsServer.SetMessageHandler(s.onWebSocketRecord)

	dispCfg := usp.DispatcherConfig{
		PendingRequestTTL: config.Duration(s.cfg.USP.PendingRequestTTL, time.Hour),
		HTTPTimeout:       config.Duration(s.cfg.USP.HTTPTimeout, 30*time.Second),
	}
	var mqttPub usp.MQTTPublisher
	if s.mqttBroker != nil {
		mqttPub = s.mqttBroker
	}
	s.dispatcher = usp.NewDispatcher(dispCfg, s.uspService, mqttPub, s.wsServer, s.repos.PendingRequest, s.metrics)
}

// onMQTTRecord processes a Record arriving on the broker and publishes the
// reply back to the sender's agent topic
func (s *ACSServer) onMQTTRecord(topic string, payload []byte) {
	reply, endpointID, err := s.uspService.ProcessRecord(payload, database.MTPTypeMQTT)
	if err != nil {
		log.Printf("❌ MQTT record on %s rejected: %v", topic, err)
		return
	}
	if reply == nil {
		return
	}

	replyTopic := s.mqttBroker.AgentTopic(endpointID)
	if device, err := s.repos.Device.FindByEndpointID(endpointID); err == nil && device != nil && device.MQTTTopic != "" {
		replyTopic = device.MQTTTopic
	}
	if err := s.mqttBroker.Publish(replyTopic, reply); err != nil {
		log.Printf("❌ Failed to publish USP reply to %s: %v", replyTopic, err)
	}
}

// onWebSocketRecord processes a Record from a WebSocket client; the returned
// reply rides back on the same connection
func (s *ACSServer) onWebSocketRecord(clientID string, payload []byte) []byte {
	reply, _, err := s.uspService.ProcessRecord(payload, database.MTPTypeWebSocket)
	if err != nil {
		log.Printf("❌ WebSocket record from %s rejected: %v", clientID, err)
		return nil
	}
	return reply
}

// setupProtocolServer builds the device-facing listener: CWMP SOAP sessions
// and the USP HTTP endpoints share the ACS port.
func (s *ACSServer) setupProtocolServer() {
	var locks cwmp.DeviceLocker
	if s.redisClient != nil {
		locks = s.redisClient
	}
	cwmpHandler := cwmp.NewHandler(s.cwmpEngine, locks)
	if s.redisClient != nil {
		cwmpHandler.Activity = s.redisClient
	}

	var mqttPub usp.MQTTPublisher
	if s.mqttBroker != nil {
		mqttPub = s.mqttBroker
	}
	uspHandler := usp.NewHandler(s.uspService, s.repos.Device, s.repos.PendingRequest, mqttPub)

	mux := http.NewServeMux()
	mux.Handle("/acs/cwmp", cwmpHandler)
	mux.HandleFunc("/usp/msg", uspHandler.HandleMsg)
	mux.HandleFunc("/usp/mqtt", uspHandler.HandleMQTTBridge)

	s.protocolServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.ACSPort),
		Handler:      mux,
		ReadTimeout:  config.Duration(s.cfg.Server.ReadTimeout, 60*time.Second),
		WriteTimeout: config.Duration(s.cfg.Server.WriteTimeout, 60*time.Second),
	}
}

func (s *ACSServer) setupHealthServer() {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", s.handleHealth)
	healthMux.HandleFunc("/status", s.handleStatus)
	healthMux.Handle("/metrics", metrics.HTTPHandler())

	s.healthServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (s *ACSServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, serviceName, version.GetShortVersion())
}

func (s *ACSServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	wsClients := 0
	if s.wsServer != nil {
		wsClients = len(s.wsServer.ConnectedClients())
	}
	mqttUp := s.mqttBroker != nil && s.mqttBroker.Connected()
	fmt.Fprintf(w, `{"service":%q,"version":%q,"acs_port":%d,"api_port":%d,"mqtt_connected":%t,"websocket_clients":%d}`,
		serviceName, version.GetShortVersion(), s.cfg.Server.ACSPort, s.cfg.Server.APIPort, mqttUp, wsClients)
}

// Start brings up every listener and blocks until the context is cancelled,
// then shuts everything down in reverse order.
func (s *ACSServer) Start(ctx context.Context) error {
	go func() {
		log.Printf("🏥 Health endpoint listening on port %d", s.cfg.Server.HealthPort)
		if err := s.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ Health server error: %v", err)
		}
	}()

	go func() {
		log.Printf("📡 ACS protocol endpoints listening on port %d (CWMP /acs/cwmp, USP /usp/msg)", s.cfg.Server.ACSPort)
		if err := s.protocolServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ Protocol server error: %v", err)
		}
	}()

	if s.mqttBroker != nil {
		go func() {
			if err := s.mqttBroker.Start(ctx); err != nil {
				log.Printf("❌ MQTT broker error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.wsServer.Start(ctx); err != nil {
			log.Printf("❌ WebSocket server error: %v", err)
		}
	}()

	go func() {
		if err := s.apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	go s.runMaintenance(ctx)

	if s.consulReg != nil {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "localhost"
		}
		serviceID := fmt.Sprintf("%s-%d", serviceName, os.Getpid())
		err := s.consulReg.Register(serviceID, serviceName, hostname, s.cfg.Server.ACSPort, s.cfg.Server.HealthPort,
			[]string{"acs", "cwmp", "usp"})
		if err != nil {
			log.Printf("⚠️  Consul registration failed: %v", err)
		} else {
			defer s.consulReg.Deregister(serviceID)
		}
	}

	log.Printf("✅ EvoACS started - ACS: %d, API: %d, WebSocket: %d, Health: %d",
		s.cfg.Server.ACSPort, s.cfg.Server.APIPort, s.cfg.Server.WebSocketPort, s.cfg.Server.HealthPort)

	<-ctx.Done()

	log.Printf("🛑 Shutting down EvoACS...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.protocolServer.Shutdown(shutdownCtx)
	s.apiServer.Stop()
	if s.mqttBroker != nil {
		s.mqttBroker.Close()
	}
	s.wsServer.Close()
	s.healthServer.Shutdown(shutdownCtx)

	if s.kafkaClient != nil {
		s.kafkaClient.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	s.db.Close()

	return nil
}

// runMaintenance sweeps stuck commands fleet-wide and purges expired pending
// USP requests. The per-Inform watchdog already covers devices that check in;
// the sweep catches the ones that stopped calling home entirely.
func (s *ACSServer) runMaintenance(ctx context.Context) {
	interval := config.Duration(s.cfg.CWMP.WatchdogSweepInterval, 0)
	if interval <= 0 {
		log.Printf("⚙️  Global watchdog sweep disabled")
		return
	}
	watchdogTimeout := config.Duration(s.cfg.CWMP.WatchdogTimeout, 5*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			requeued, failed, err := s.repos.Command.RecoverStuck(0, now.Add(-watchdogTimeout))
			if err != nil {
				log.Printf("❌ Watchdog sweep failed: %v", err)
			} else if requeued+failed > 0 {
				log.Printf("♻️  Watchdog sweep: %d commands requeued, %d failed", requeued, failed)
				if s.metrics != nil {
					for i := 0; i < requeued; i++ {
						s.metrics.RecordWatchdogOutcome(serviceName, "requeued")
					}
					for i := 0; i < failed; i++ {
						s.metrics.RecordWatchdogOutcome(serviceName, "failed")
					}
				}
			}

			purged, err := s.repos.PendingRequest.PurgeExpired(now)
			if err != nil {
				log.Printf("❌ Pending request purge failed: %v", err)
			} else if purged > 0 {
				log.Printf("🧹 Purged %d expired USP pending requests", purged)
			}
		}
	}
}

func main() {
	log.Printf("🚀 Starting EvoACS Server...")

	var showVersion = flag.Bool("version", false, "Show version information")
	var showHelp = flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion("EvoACS Server"))
		return
	}

	if *showHelp {
		fmt.Println("EvoACS Server - TR-069/TR-369 Auto Configuration Server")
		fmt.Println("")
		fmt.Println("Usage:")
		fmt.Println("  acs-server [flags]")
		fmt.Println("")
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println("")
		fmt.Println("Configuration is loaded from the YAML file named by EVOACS_CONFIG")
		fmt.Println("(default configs/evoacs.yaml); environment variables override it")
		return
	}

	cfg := config.Load()

	server, err := NewACSServer(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to create ACS server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("📶 Received signal %v", sig)
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}

	log.Printf("👋 EvoACS stopped")
}
