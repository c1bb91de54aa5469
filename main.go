package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hpcdesk/hpcdesk/internal/cluster"
	"github.com/hpcdesk/hpcdesk/internal/config"
	"github.com/hpcdesk/hpcdesk/internal/database"
	"github.com/hpcdesk/hpcdesk/internal/handlers"
	"github.com/hpcdesk/hpcdesk/internal/logging"
	"github.com/hpcdesk/hpcdesk/internal/poller"
	"github.com/hpcdesk/hpcdesk/internal/proxy"
	"github.com/hpcdesk/hpcdesk/internal/session"
	"github.com/hpcdesk/hpcdesk/internal/slurm"
	"github.com/hpcdesk/hpcdesk/internal/sshexec"
	"github.com/hpcdesk/hpcdesk/internal/tunnel"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()

	if err := config.LoadClusters(config.Cfg.ClustersFile); err != nil {
		log.Fatalf("Clusters config: %v", err)
	}
	log.Printf("Configured clusters: %v", config.ClusterNames())

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	// SSH surface: broker key pair, host key policy, one connection per
	// cluster, and the per-cluster command queue.
	signer, pubKey, err := sshexec.EnsureKeyPair(config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("SSH key init: %v", err)
	}
	log.Printf("SSH key pair ready (public key %d bytes)", len(pubKey))

	knownHosts := ""
	if database.DB != nil {
		if v, err := database.GetAppState("known_hosts"); err == nil {
			knownHosts = v
		}
	}
	hosts := make(map[string]string, len(config.Clusters))
	for name, c := range config.Clusters {
		hosts[name] = c.Host
	}
	sshMgr := sshexec.NewManager(config.Cfg.SSHUser, signer,
		sshexec.HostKeyCallback(config.Cfg.DataPath, knownHosts), hosts)
	exec := sshexec.NewExecutor(sshMgr).Run

	// Stores and session state.
	store := session.NewStore(database.DB)
	state := session.NewManager(store, exec, database.DB)
	cache := cluster.NewCache(cluster.DefaultCacheTTL, database.DB)
	cache.Load()
	partitions := cluster.NewPartitionStore(database.DB)
	partitions.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	state.Load(ctx)

	// Tunnels and browser-facing proxies.
	ports := tunnel.NewPortRegistry()
	tunnels := tunnel.NewManager(sshMgr, ports)
	devPorts := config.AdditionalPorts()
	devPort := 0
	if len(devPorts) > 0 {
		devPort = devPorts[0]
	}
	proxies := proxy.NewRegistry(ports, devPort)
	proxies.SetTokenLookup(state.TokenFor)
	proxies.SetActivityCallback(store.Touch)

	// Pollers: adaptive job poller, deferred-start health poller, idle
	// reaper, nightly partition refresh.
	jobPoller := poller.NewJobPoller(state, exec)
	pipeline := session.NewPipeline(state, partitions, exec, jobPoller.TriggerFastPoll)

	jobPoller.SetOnRunning(func(sess session.Session) {
		go func() {
			clusterCfg, _ := config.GetCluster(sess.HPC)
			_, err := tunnels.Open(ctx, sess.SessionKey, sess.HPC, sess.Node,
				slurm.RemotePortFor(sess.IDE), devPorts, clusterCfg.ProxyPort)
			if err != nil {
				// the session stays running; the next poll cycle reconciles
				log.Printf("Tunnel for %s failed: %v", sess.SessionKey, err)
				store.Update(sess.SessionKey, func(s *session.Session) {
					s.Error = "tunnel failed: " + err.Error()
				})
				return
			}
			if _, err := proxies.Create(sess.SessionKey, sess.IDE); err != nil {
				log.Printf("Proxy for %s failed: %v", sess.SessionKey, err)
			}
		}()
	})
	state.SetOnSessionCleared(func(sessionKey string) {
		proxies.Destroy(sessionKey)
		tunnels.Stop(sessionKey)
	})

	healthPoller := poller.NewHealthPoller(cache, partitions, state, exec,
		database.DB, config.ClusterNames)
	reaper := poller.NewIdleReaper(state, exec,
		time.Duration(config.Cfg.SessionIdleTimeout)*time.Minute)
	refresher := cluster.NewRefresher(exec, partitions, config.ClusterNames)

	go jobPoller.Run(ctx)
	go healthPoller.Run(ctx)

	cronJobs := cron.New()
	if config.Cfg.SessionIdleTimeout > 0 {
		cronJobs.AddFunc("@every 1m", func() { reaper.Scan(ctx) })
		log.Printf("Idle reaper scheduled (timeout %dm)", config.Cfg.SessionIdleTimeout)
	}
	cronJobs.AddFunc("0 3 * * *", func() { refresher.RefreshAll(ctx) })
	cronJobs.Start()

	// Cold partition limits are refreshed once in the background.
	go func() {
		for _, name := range config.ClusterNames() {
			if time.Since(partitions.LastUpdated(name)) < 24*time.Hour {
				continue
			}
			if err := refresher.RefreshCluster(ctx, name); err != nil {
				log.Printf("Initial partition refresh for %s: %v", name, err)
			}
		}
	}()

	// Handler wiring.
	handlers.State = state
	handlers.Pipeline = pipeline
	handlers.Cache = cache
	handlers.Partitions = partitions
	handlers.Proxies = proxies

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.LaunchSession)
		r.Get("/sessions/active", handlers.GetActiveSession)
		r.Get("/sessions/{key}", handlers.GetSession)
		r.Delete("/sessions/{key}", handlers.StopSession)
		r.Get("/history", handlers.GetHistory)
		r.Get("/clusters", handlers.GetClusterStatus)
		r.Get("/clusters/{cluster}/partitions", handlers.GetPartitions)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	// IDE proxy mounts. Each mount serves the active session; the direct
	// prefixes also route here because upstream HTML references them.
	vscode := handlers.IDEProxy(proxy.IDEVSCode)
	r.HandleFunc("/code", vscode)
	r.HandleFunc("/code/*", vscode)
	r.HandleFunc("/vscode-direct/*", vscode)

	rstudio := handlers.IDEProxy(proxy.IDERStudio)
	r.HandleFunc("/rstudio-direct", rstudio)
	r.HandleFunc("/rstudio-direct/*", rstudio)

	jupyter := handlers.IDEProxy(proxy.IDEJupyter)
	r.HandleFunc("/jupyter", jupyter)
	r.HandleFunc("/jupyter/*", jupyter)
	r.HandleFunc("/jupyter-direct/*", jupyter)

	r.Handle("/port/*", http.StripPrefix("/port", handlers.IDEProxy(proxy.IDEPort)))

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Order matters: stop the pollers and cron first so nothing touches the
	// clusters mid-teardown, then the HTTP server, then proxies, tunnels and
	// SSH connections, and persist the session snapshot last.
	cancel()
	cronJobs.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	proxies.DestroyAll()
	tunnels.StopAll()
	sshMgr.CloseAll()
	state.SaveSnapshot()

	log.Println("Server stopped")
}
