package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/config"
	"github.com/pgdogdev/pgdog-sub003/internal/coordinator"
	"github.com/pgdogdev/pgdog-sub003/internal/frontend"
	"github.com/pgdogdev/pgdog-sub003/internal/health"
	"github.com/pgdogdev/pgdog-sub003/internal/logging"
	"github.com/pgdogdev/pgdog-sub003/internal/metrics"
	"github.com/pgdogdev/pgdog-sub003/internal/mirror"
	"github.com/pgdogdev/pgdog-sub003/internal/netutil"
	"github.com/pgdogdev/pgdog-sub003/internal/parser"
	"github.com/pgdogdev/pgdog-sub003/internal/prepared"
	"github.com/pgdogdev/pgdog-sub003/internal/router"
)

// listener is everything needed to serve one logical database ([[databases]] name): its
// cluster, the frontend.Deps template sessions are built from, and the TCP listener
// accepting client connections for it.
type listener struct {
	database string
	addr     string
	ln       net.Listener
	deps     frontend.Deps
	cluster  *backend.Cluster
	mirror   *mirror.Handler
	lagCheck *backend.LagChecker
}

// server owns every per-database listener plus the shared metrics/health HTTP surface:
// one struct holding every long-lived collaborator, with Start/Stop driving them all
// together and wg.Wait in Stop blocking until every goroutine has actually exited.
type server struct {
	reloader *config.Reloader
	logger   *zap.Logger
	metrics  *metrics.Registry
	health   *health.Manager
	dns      *netutil.Cache

	listeners []*listener
	httpSrv   *http.Server

	wg sync.WaitGroup
}

func newServer(reloader *config.Reloader, logger *zap.Logger) (*server, error) {
	cfg := reloader.Get()

	s := &server{
		reloader: reloader,
		logger:   logger,
		metrics:  metrics.New(),
		health:   health.NewManager(logger, health.ManagerConfig{}),
		dns:      netutil.NewCache(cfg.General.DNSTTL, logger),
	}

	for _, dbName := range config.Databases(cfg) {
		l, err := s.buildListener(cfg, dbName)
		if err != nil {
			return nil, fmt.Errorf("build listener %q: %w", dbName, err)
		}
		s.listeners = append(s.listeners, l)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/livez", s.health.LivenessHandler())
	mux.HandleFunc("/readyz", s.health.ReadinessHandler())
	mux.HandleFunc("/startupz", s.health.StartupHandler())
	mux.HandleFunc("/healthz", s.health.HealthHandler())

	reqLogger := logging.NewRequestLogger(logger)
	var handler http.Handler = mux
	if hash := os.Getenv("PGDOG_ADMIN_PASSWORD_HASH"); hash != "" {
		handler = basicAuthMiddleware(envOr("PGDOG_ADMIN_USER", "admin"), hash, handler)
	}
	s.httpSrv = newHTTPServer(envOr("PGDOG_ADMIN_ADDR", ":9090"), reqLogger.Middleware(handler))

	return s, nil
}

// basicAuthMiddleware protects /metrics and /healthz with HTTP Basic Auth, bcrypt-hashed
// per internal/backend.VerifyAdminPassword; /livez, /readyz and /startupz stay open so an
// orchestrator's probes never need credentials.
func basicAuthMiddleware(user, passwordHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/livez", "/readyz", "/startupz":
			next.ServeHTTP(w, r)
			return
		}

		gotUser, gotPass, ok := r.BasicAuth()
		if !ok || gotUser != user || backend.VerifyAdminPassword(passwordHash, gotPass) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="pgdog"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) buildListener(cfg *config.Config, database string) (*listener, error) {
	users := usersForDatabase(cfg, database)
	if len(users) == 0 {
		return nil, fmt.Errorf("no [[users]] entry scoped to database %q", database)
	}

	poolCfg := poolConfigFromGeneral(cfg.General)
	auth := backendAuthenticator(users[0], database)

	cluster, err := config.BuildCluster(cfg, database, poolCfg, auth, s.logger)
	if err != nil {
		return nil, err
	}
	for _, shard := range cluster.Shards() {
		if shard.Primary != nil {
			shard.Primary.WithResolver(s.dns)
		}
		for _, p := range shard.Replicas.All() {
			p.WithResolver(s.dns)
		}
	}

	var lagCheck *backend.LagChecker
	if cfg.General.LSNCheckInterval > 0 {
		lagCheck = backend.NewLagChecker(cluster, cfg.General.LSNCheckInterval, cfg.General.BanReplicaLagBytes, cfg.General.BanReplicaLag, s.logger)
	}

	parserCache := parser.NewCache(1024)
	preparedCache := prepared.NewCache()
	rtr := router.New(router.Config{
		Mode:               readWriteModeFromGeneral(cfg.General),
		CrossShardDisabled: cfg.General.CrossShardDisabled,
		HashFunc:           router.NewHashFunc(router.HashXXHash),
		AutoInjectPK:       cfg.Rewrite.ShardKey == "rewrite",
		SplitInserts:       cfg.Rewrite.SplitInserts == "rewrite",
		UniqueIDFuncName:   cfg.Rewrite.UniqueIDFunction,
	})
	coord := coordinator.New(s.logger)
	maint := frontend.NewMaintenance()
	listenReg := frontend.NewListenRegistry(s.logger)

	var mh *mirror.Handler
	for _, m := range cfg.Mirroring {
		if m.Source != database {
			continue
		}
		destAddrs := databaseAddresses(cfg, m.Destination)
		if len(destAddrs) == 0 {
			s.logger.Warn("mirror destination has no [[databases]] entries, skipping", zap.String("destination", m.Destination))
			continue
		}
		mirrorPool := backend.NewPool("mirror-"+m.Destination, destAddrs[0], poolCfg, auth, s.logger).WithResolver(s.dns)
		mh = mirror.New(mirror.Config{Exposure: m.Exposure, QueueLength: m.QueueLength}, mirrorPool, database, s.metrics, s.logger)
		break
	}

	deps := frontend.Deps{
		Cluster:       cluster,
		Config:        frontendConfig(cfg, database, users),
		Router:        rtr,
		Coordinator:   coord,
		ParserCache:   parserCache,
		PreparedCache: preparedCache,
		Listen:        listenReg,
		Maintenance:   maint,
		Metrics:       s.metrics,
		Logger:        s.logger,
		Mirror:        mh,
	}

	addr := envOr("PGDOG_LISTEN_ADDR_"+database, envOr("PGDOG_LISTEN_ADDR", ":6432"))

	s.health.Register(health.NewClusterProbe(database, cluster), true, true, true)
	for _, shard := range cluster.Shards() {
		if shard.Primary != nil {
			s.health.Register(health.NewPoolProbe(fmt.Sprintf("%s-shard%d-primary", database, shard.Index), shard.Primary), false, true, false)
		}
	}
	if mh != nil {
		s.health.Register(health.NewMirrorProbe(database+"-mirror", mh, 5), false, true, false)
	}

	return &listener{database: database, addr: addr, deps: deps, cluster: cluster, mirror: mh, lagCheck: lagCheck}, nil
}

// Start listens on every per-database address, brings up each cluster's pools, starts the
// metrics/health HTTP surface, and begins accepting client connections.
func (s *server) Start(ctx context.Context) error {
	if err := s.dns.Start(ctx); err != nil {
		return fmt.Errorf("start dns cache: %w", err)
	}

	for _, l := range s.listeners {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			return fmt.Errorf("listen on %s for %q: %w", l.addr, l.database, err)
		}
		l.ln = ln
		l.cluster.Start(ctx)
		if l.mirror != nil {
			l.mirror.Start(ctx)
		}
		if l.lagCheck != nil {
			if err := l.lagCheck.Start(ctx); err != nil {
				return fmt.Errorf("start lag checker for %q: %w", l.database, err)
			}
		}

		s.logger.Info("listening", zap.String("database", l.database), zap.String("addr", l.addr))

		s.wg.Add(1)
		go s.acceptLoop(ctx, l)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.health.Start(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reloader.Start(ctx)
	}()

	listenAndServe(ctx, s.httpSrv, s.logger)

	return nil
}

func (s *server) acceptLoop(ctx context.Context, l *listener) {
	defer s.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept failed", zap.String("database", l.database), zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			sess := frontend.NewSession(conn, l.deps)
			sess.Run(ctx)
		}()
	}
}

// Stop closes every listener, tears down every cluster's pools and the mirror worker, and
// waits for in-flight connection goroutines to exit.
func (s *server) Stop() {
	s.logger.Info("stopping server")
	for _, l := range s.listeners {
		if l.ln != nil {
			l.ln.Close()
		}
	}
	for _, l := range s.listeners {
		l.cluster.Stop()
		if l.mirror != nil {
			l.mirror.Stop()
		}
	}
	s.reloader.Stop()
	s.wg.Wait()
	s.logger.Info("server stopped")
}

func poolConfigFromGeneral(g config.GeneralConfig) backend.PoolConfig {
	min := g.MinPoolSize
	max := g.DefaultPoolSize
	if max <= 0 {
		max = 10
	}
	checkout := g.CheckoutTimeout
	if checkout <= 0 {
		checkout = 5 * time.Second
	}
	return backend.PoolConfig{
		Min:               min,
		Max:               max,
		CheckoutTimeout:   checkout,
		IdleTimeout:       g.IdleTimeout,
		MaxAge:            g.ServerLifetime,
		HealthcheckPeriod: g.HealthcheckInterval,
		BanTimeout:        g.BanTimeout,
		Bannable:          true,
	}
}

func readWriteModeFromGeneral(g config.GeneralConfig) router.ReadWriteMode {
	if g.ReadWriteStrategy == "conservative" {
		return router.ModeConservative
	}
	return router.ModeDefault
}

func usersForDatabase(cfg *config.Config, database string) []config.UserConfig {
	var out []config.UserConfig
	for _, u := range cfg.Users {
		if u.AllDatabases || u.Database == database {
			out = append(out, u)
			continue
		}
		for _, d := range u.Databases {
			if d == database {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

func databaseAddresses(cfg *config.Config, name string) []backend.Address {
	var out []backend.Address
	for _, db := range cfg.Databases {
		if db.Name == name {
			out = append(out, backend.Address{Host: db.Host, Port: db.Port, Database: db.DatabaseName})
		}
	}
	return out
}

func backendAuthenticator(u config.UserConfig, database string) backend.Authenticator {
	user := u.ServerUser
	if user == "" {
		user = u.Name
	}
	pass := u.ServerPassword
	if pass == "" {
		pass = u.Password
	}
	return backend.StaticAuthenticator{User: user, Password: pass, Database: database}
}

func frontendConfig(cfg *config.Config, database string, users []config.UserConfig) frontend.Config {
	userMap := make(map[string]string, len(users))
	poolMode := frontend.PoolTransaction
	for _, u := range users {
		userMap[u.Name] = u.Password
		switch u.PoolerMode {
		case "session":
			poolMode = frontend.PoolSession
		case "statement":
			poolMode = frontend.PoolStatement
		}
	}

	authMethod := frontend.AuthTrust
	for _, u := range users {
		if u.Password != "" {
			authMethod = frontend.AuthMD5Password
			break
		}
	}

	return frontend.Config{
		Database:   database,
		AuthMethod: authMethod,
		Users:      userMap,
		PoolMode:   poolMode,
		Mode: frontend.ReadWriteSplitConfig{
			CrossShardDisabled: cfg.General.CrossShardDisabled,
		},
		ClientIdleTimeout:              cfg.General.IdleTimeout,
		ClientLoginTimeout:             cfg.General.ConnectTimeout,
		QueryTimeout:                   cfg.General.QueryTimeout,
		ClientIdleInTransactionTimeout: cfg.General.StatementTimeout,
		ListenEnabled:                  true,
	}
}
