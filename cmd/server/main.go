// Server runs the session authority: the gRPC services and the websocket watch gateway.
// Without DATABASE_URL every store is kept in memory, which is only suitable for development.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"session-authority/internal/audit"
	auditrepo "session-authority/internal/audit/repository"
	"session-authority/internal/authority/service"
	"session-authority/internal/config"
	"session-authority/internal/db"
	devicerepo "session-authority/internal/device/repository"
	"session-authority/internal/geo"
	"session-authority/internal/logging"
	"session-authority/internal/policy/engine"
	policyrepo "session-authority/internal/policy/repository"
	"session-authority/internal/security"
	"session-authority/internal/server"
	"session-authority/internal/server/interceptors"
	sessionhandler "session-authority/internal/session/handler"
	sessionrepo "session-authority/internal/session/repository"
	"session-authority/internal/telemetry"
	telemetryotel "session-authority/internal/telemetry/otel"
	"session-authority/internal/telemetry/producer"
	userrepo "session-authority/internal/user/repository"
)

const shutdownTimeout = 10 * time.Second

// stores are the persistence backends, Postgres or in-memory.
type stores struct {
	conn     *sql.DB
	lockConn *sql.DB
	sessions service.SessionStore
	accounts service.AccountStore
	devices  devicerepo.Repository
	policies policyrepo.Repository
	audits   auditrepo.Repository
	locker   service.AdmissionLocker
}

func openStores(cfg *config.Config, log logrus.FieldLogger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("server: DATABASE_URL not set, using in-memory stores")
		return &stores{
			sessions: sessionrepo.NewMemoryRepository(),
			accounts: userrepo.NewMemoryRepository(),
			devices:  devicerepo.NewMemoryRepository(),
			policies: policyrepo.NewMemoryRepository(),
			audits:   auditrepo.NewMemoryRepository(),
			locker:   sessionrepo.NewMemoryLocker(),
		}, nil
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	lockConn, err := db.OpenPool(cfg.DatabaseURL, db.LockPoolMaxOpenConns)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &stores{
		conn:     conn,
		lockConn: lockConn,
		sessions: sessionrepo.NewPostgresRepository(conn),
		accounts: userrepo.NewPostgresRepository(conn),
		devices:  devicerepo.NewPostgresRepository(conn),
		policies: policyrepo.NewPostgresRepository(conn),
		audits:   auditrepo.NewPostgresRepository(conn),
		locker:   sessionrepo.NewPostgresLocker(lockConn),
	}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := security.NewVerifierFromConfig(cfg.JWTPublicKey, cfg.JWTHMACSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return err
	}

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	if st.lockConn != nil {
		defer st.lockConn.Close()
	}
	if st.conn != nil {
		defer st.conn.Close()
	}

	var blockList devicerepo.Repository = st.devices
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("server: redis unreachable, blocked-list cache reads will fall through")
		}
		blockList = devicerepo.NewCachedRepository(st.devices, rdb, cfg.BlocklistTTL(), log)
	}

	evaluator := engine.NewOPAEvaluator(st.policies, log)
	if cfg.DevicePolicyPath != "" {
		if err := evaluator.LoadFile(cfg.DevicePolicyPath); err != nil {
			return err
		}
	}

	events := telemetry.Multi{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kafka := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SessionEventsTopic, log); kafka != nil {
		defer kafka.Close()
		events = append(events, kafka)
	}
	dispatcher := telemetry.NewDispatcher(events, telemetry.DefaultMaxInFlight, log)

	auditLogger := audit.NewLogger(st.audits, interceptors.ClientIP, log)
	authority := service.New(service.Deps{
		Sessions:  st.sessions,
		Accounts:  st.accounts,
		BlockList: blockList,
		Policy:    evaluator,
		Geo: geo.NewHTTPResolver(cfg.GeoPrimaryURL, cfg.GeoFallbackURL,
			cfg.GeoLookupTimeout(), cfg.GeoFallbackLookupTimeout(), cfg.GeoRatePerSecond, cfg.GeoBurst),
		Locker: st.locker,
		Audit:  auditLogger,
		Events: dispatcher,
		Log:    log,
		Tracer: providers.Tracer("session-authority"),
		Meter:  providers.Meter("session-authority"),
	}, service.Config{MaxDevices: cfg.MaxDevices})

	grpcServer := server.NewGRPCServer(server.Options{Verifier: verifier, AuditLogger: auditLogger, Events: dispatcher})
	deps := server.Deps{
		Authority:           authority,
		DeviceRepo:          blockList,
		PolicyRepo:          st.policies,
		AuditRepo:           st.audits,
		AuditLogger:         auditLogger,
		HealthPolicyChecker: evaluator,
	}
	if st.conn != nil {
		deps.HealthPinger = st.conn
	}
	server.RegisterServices(grpcServer, deps)

	mux := http.NewServeMux()
	mux.Handle(sessionhandler.WatchPath, sessionhandler.NewWatchGateway(authority, verifier, log, cfg.AllowedOrigins()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := evaluator.HealthCheck(r.Context()); err != nil {
			http.Error(w, "policy unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	errs := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.GRPCAddr).WithField("max_devices", authority.MaxDevices()).Info("gRPC server listening")
		errs <- grpcServer.Serve(lis)
	}()
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("watch gateway listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if err := dispatcher.Drain(shutdownCtx); err != nil {
		log.WithError(err).Warn("telemetry: events still in flight at shutdown")
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("otel shutdown")
	}
	log.Info("server stopped")
	return serveErr
}
