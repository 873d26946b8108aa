package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"singularityedge/internal/admin"
	"singularityedge/internal/algorithm"
	"singularityedge/internal/backend"
	"singularityedge/internal/certificate"
	"singularityedge/internal/cluster"
	"singularityedge/internal/config"
	"singularityedge/internal/healthcheck"
	"singularityedge/internal/httpproxy"
	"singularityedge/internal/listener"
	"singularityedge/internal/logging"
	"singularityedge/internal/metrics"
	"singularityedge/internal/pool"
	"singularityedge/internal/store"
	"singularityedge/internal/tcpproxy"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load configuration and run the edge until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(path string) error {
	fmt.Printf("Loading configuration from: %s\n", path)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	logger.Info("singularity edge starting", map[string]interface{}{
		"version": version,
		"pools":   len(cfg.Pools),
	})

	metricsCollector := metrics.New()

	st, err := store.Open(store.Config{Dir: cfg.Store.Dir, NodeID: cfg.Cluster.NodeID, Metrics: metricsCollector})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	certs := certificate.New(st)
	registry := pool.NewRegistry()

	for _, pc := range cfg.Pools {
		if err := startConfiguredPool(registry, pc, logger, metricsCollector); err != nil {
			logger.Error("failed to start pool", map[string]interface{}{
				"pool":  pc.Name,
				"error": err.Error(),
			})
			return err
		}
		logger.Info("pool started", map[string]interface{}{"pool": pc.Name, "backends": len(pc.Backends)})
	}

	var clusterNode *cluster.Cluster
	if cfg.Cluster.Enabled {
		clusterNode, err = cluster.New(cluster.Config{
			NodeID:            cfg.Cluster.NodeID,
			BindAddr:          cfg.Cluster.BindAddr,
			BindPort:          cfg.Cluster.BindPort,
			DiscoveryName:     cfg.Cluster.DiscoveryName,
			DiscoveryServer:   cfg.Cluster.DiscoveryServer,
			DiscoveryInterval: cfg.Cluster.DiscoveryInterval,
			ReleaseCookie:     cfg.Cluster.ReleaseCookie,
		}, st, logger)
		if err != nil {
			return fmt.Errorf("starting cluster: %w", err)
		}
		clusterNode.Start()
		logger.Info("cluster mode started", map[string]interface{}{
			"node_id":        cfg.Cluster.NodeID,
			"discovery_name": cfg.Cluster.DiscoveryName,
		})
	}

	var adminAPI *admin.API
	if cfg.Admin.Addr != "" {
		adminAPI = admin.New(admin.Config{
			Addr:         cfg.Admin.Addr,
			NodeID:       cfg.Cluster.NodeID,
			Version:      version,
			Pools:        registry,
			Store:        st,
			Certificates: certs,
			Metrics:      metricsCollector,
			Logger:       logger,
			AuthToken:    cfg.Admin.Token,
			AllowedIPs:   cfg.Admin.AllowedIPs,
		})
		if err := adminAPI.Start(); err != nil {
			logger.Error("failed to start admin api", map[string]interface{}{"addr": cfg.Admin.Addr, "error": err.Error()})
		} else {
			logger.Info("admin api started", map[string]interface{}{"addr": cfg.Admin.Addr})
		}
	}

	var httpListener, httpsListener *listener.HTTPListener
	if cfg.Server.Enabled {
		proxyHandler := httpproxy.New(registry, httpproxy.Config{
			BaseDomain:  cfg.Routing.BaseDomain,
			DefaultPool: cfg.Routing.DefaultPool,
		}, httpproxy.WithLogger(logger), httpproxy.WithMetrics(metricsCollector))

		httpListener = listener.NewHTTPListener(listener.HTTPListenerConfig{
			Addr:    cfg.Server.HTTPAddr,
			Handler: proxyHandler,
			Logger:  logger,
		})
		if err := httpListener.Start(context.Background()); err != nil {
			return fmt.Errorf("starting http listener: %w", err)
		}
		logger.Info("http listener started", map[string]interface{}{"addr": cfg.Server.HTTPAddr})

		if cfg.Server.HTTPSAddr != "" {
			httpsListener = listener.NewHTTPListener(listener.HTTPListenerConfig{
				Addr:      cfg.Server.HTTPSAddr,
				Handler:   proxyHandler,
				Logger:    logger,
				TLSConfig: listener.SNIConfig(registry, certs, cfg.Routing.DefaultPool),
			})
			if err := httpsListener.Start(context.Background()); err != nil {
				return fmt.Errorf("starting https listener: %w", err)
			}
			logger.Info("https listener started", map[string]interface{}{"addr": cfg.Server.HTTPSAddr})
		}
	}

	fmt.Printf("Singularity Edge running with %d pool(s). Press Ctrl+C to stop.\n", len(cfg.Pools))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down", nil)
	fmt.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpListener != nil {
		httpListener.Stop(shutdownCtx)
	}
	if httpsListener != nil {
		httpsListener.Stop(shutdownCtx)
	}
	if adminAPI != nil {
		adminAPI.Stop(shutdownCtx)
	}
	if clusterNode != nil {
		clusterNode.Stop()
	}
	for _, name := range registry.List() {
		if err := registry.Remove(shutdownCtx, name); err != nil {
			logger.Error("error tearing down pool", map[string]interface{}{"pool": name, "error": err.Error()})
		}
	}

	logger.Info("shutdown complete", nil)
	return nil
}

// startConfiguredPool builds one Pool from a static PoolConfig, starts
// its health checker and (for passthrough pools) its TCP listener, and
// registers the lot under pc.Name.
func startConfiguredPool(registry *pool.Registry, pc config.PoolConfig, logger *logging.Logger, metricsCollector *metrics.Metrics) error {
	algo := algorithm.Name(pc.Algorithm)
	if algo == "" {
		algo = algorithm.RoundRobin
	}
	sslMode := pool.SSLMode(pc.SSLMode)
	if sslMode == "" {
		sslMode = pool.SSLOff
	}

	p := pool.New(pool.Config{
		Name:      pc.Name,
		Algorithm: algo,
		SSLMode:   sslMode,
		SSLDomain: pc.SSLDomain,
		SSLCertID: pc.SSLCertID,
	}, pool.WithMetrics(metricsCollector))

	for _, bc := range pc.Backends {
		b, err := backend.New(bc.URL)
		if err != nil {
			return fmt.Errorf("pool %s: backend %s: %w", pc.Name, bc.URL, err)
		}
		if bc.Weight > 0 {
			b = b.WithWeight(bc.Weight)
		}
		if err := p.AddBackend(b); err != nil {
			return fmt.Errorf("pool %s: adding backend %s: %w", pc.Name, bc.URL, err)
		}
	}

	checker := healthcheck.New(p, pc.Name, healthcheck.WithLogger(logger), healthcheck.WithMetrics(metricsCollector))
	checker.Start()

	entry := &pool.Entry{Pool: p, HealthChecker: checker}

	if sslMode == pool.SSLPassthrough {
		ln, err := net.Listen("tcp", pc.TCPListenAddr)
		if err != nil {
			checker.Close()
			return fmt.Errorf("pool %s: listening on %s: %w", pc.Name, pc.TCPListenAddr, err)
		}
		tcpListener := tcpproxy.New(ln, registry, tcpproxy.Config{DefaultPool: pc.Name},
			tcpproxy.WithLogger(logger), tcpproxy.WithMetrics(metricsCollector))
		go func() {
			if err := tcpListener.Serve(); err != nil {
				logger.Error("tcp passthrough listener stopped", map[string]interface{}{"pool": pc.Name, "error": err.Error()})
			}
		}()
		entry.TCPListener = tcpListener
	}

	return registry.Register(pc.Name, entry)
}
