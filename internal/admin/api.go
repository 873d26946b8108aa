// Package admin is the thin REST controller layer spec §6 designates as
// out-of-core-scope: every handler translates a gin context into a call
// against the core (pool.Registry, certificate.Store, the backing
// store.Store) and marshals the result. No business logic lives here —
// selection, health, and replication are all the core's job.
package admin

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"singularityedge/internal/algorithm"
	"singularityedge/internal/backend"
	"singularityedge/internal/certificate"
	"singularityedge/internal/edgeerr"
	"singularityedge/internal/healthcheck"
	"singularityedge/internal/logging"
	"singularityedge/internal/metrics"
	"singularityedge/internal/pool"
	"singularityedge/internal/store"
)

// API serves the admin REST surface described in spec §6.
type API struct {
	addr      string
	server    *http.Server
	router    *gin.Engine
	pools     *pool.Registry
	store     *store.Store
	certs     *certificate.Store
	metrics   *metrics.Metrics
	logger    *logging.Logger
	nodeID    string
	startTime time.Time
	version   string

	authToken   string
	allowedNets []*net.IPNet

	challengeMu sync.RWMutex
	challenges  map[string]string
}

// Config configures the Admin API.
type Config struct {
	Addr         string
	NodeID       string
	Version      string
	Pools        *pool.Registry
	Store        *store.Store
	Certificates *certificate.Store
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	AuthToken    string   // Bearer token for authentication
	AllowedIPs   []string // CIDRs allowed to access the admin API
}

// New builds the admin API's gin router and HTTP server, unstarted.
func New(cfg Config) *API {
	gin.SetMode(gin.ReleaseMode)

	a := &API{
		addr:       cfg.Addr,
		pools:      cfg.Pools,
		store:      cfg.Store,
		certs:      cfg.Certificates,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		nodeID:     cfg.NodeID,
		startTime:  time.Now(),
		version:    cfg.Version,
		authToken:  cfg.AuthToken,
		challenges: make(map[string]string),
	}

	for _, cidr := range cfg.AllowedIPs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			}
		}
		if network != nil {
			a.allowedNets = append(a.allowedNets, network)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/.well-known/acme-challenge/:token", a.handleACMEChallenge)
	if a.metrics != nil {
		router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}

	apiGroup := router.Group("/api")
	apiGroup.GET("/health", a.handleHealth)

	// Backend ids are "scheme://host:port" and contain slashes, so the
	// backend routes capture the rest of the path with a catch-all and
	// trimBackendID drops the leading "/" gin keeps on catch-all values.
	trimBackendID := func(c *gin.Context) {
		for i, p := range c.Params {
			if p.Key == "backend_id" {
				c.Params[i].Value = strings.TrimPrefix(p.Value, "/")
			}
		}
	}

	protected := apiGroup.Group("/")
	protected.Use(a.requireAuth())
	{
		protected.GET("/pools", a.listPools)
		protected.POST("/pools", a.createPool)
		protected.GET("/pools/:id", a.getPool)
		protected.DELETE("/pools/:id", a.deletePool)
		protected.POST("/pools/:id/backends", a.addBackend)
		protected.DELETE("/pools/:id/backends/*backend_id", trimBackendID, a.removeBackend)
		protected.PATCH("/pools/:id/backends/*backend_id", trimBackendID, a.patchBackend)

		protected.GET("/certificates", a.listCertificates)
		protected.POST("/certificates", a.createCertificate)
		protected.POST("/certificates/:id/renew", a.renewCertificate)
		protected.DELETE("/certificates/:id", a.deleteCertificate)
	}

	a.router = router
	a.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a
}

// requireAuth enforces the CIDR allowlist and bearer token, mirroring
// the teacher's inline auth shape rather than pulling in a rules package
// for what's a two-check gate (see DESIGN.md).
func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(a.allowedNets) > 0 {
			clientIP := extractIP(c.Request.RemoteAddr)
			allowed := false
			if clientIP != nil {
				for _, network := range a.allowedNets {
					if network.Contains(clientIP) {
						allowed = true
						break
					}
				}
			}
			if !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
		}

		if a.authToken != "" {
			auth := c.GetHeader("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != a.authToken {
				c.Header("WWW-Authenticate", "Bearer")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}

		c.Next()
	}
}

func extractIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// Start begins serving the admin API in the background.
func (a *API) Start() error {
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if a.logger != nil {
				a.logger.Error("admin api serve failed", map[string]interface{}{"addr": a.addr, "error": err.Error()})
			}
		}
	}()
	return nil
}

// Stop gracefully shuts the admin API down.
func (a *API) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// handleHealth is spec §6's unauthenticated liveness check.
func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"node":   a.nodeID,
		"uptime": int64(time.Since(a.startTime).Seconds()),
	})
}

// --- pools ---

type poolResponse struct {
	Name      string             `json:"name"`
	Algorithm algorithm.Name     `json:"algorithm"`
	SSLMode   pool.SSLMode       `json:"ssl_mode"`
	SSLDomain string             `json:"ssl_domain,omitempty"`
	SSLCertID string             `json:"ssl_cert_id,omitempty"`
	Stats     pool.Stats         `json:"stats"`
	Backends  []backendResponse  `json:"backends"`
}

type backendResponse struct {
	ID                 string            `json:"id"`
	Scheme             string            `json:"scheme"`
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Weight             int               `json:"weight"`
	Healthy            bool              `json:"healthy"`
	Draining           bool              `json:"draining"`
	CurrentConnections int               `json:"current_connections"`
	TotalRequests      int64             `json:"total_requests"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func toBackendResponse(b backend.Backend) backendResponse {
	return backendResponse{
		ID:                 b.ID(),
		Scheme:             b.Scheme,
		Host:               b.Host,
		Port:               b.Port,
		Weight:             b.Weight,
		Healthy:            b.Healthy,
		Draining:           b.Draining(),
		CurrentConnections: b.CurrentConnections,
		TotalRequests:      b.TotalRequests,
		Metadata:           b.Metadata,
	}
}

func toPoolResponse(name string, e *pool.Entry) poolResponse {
	cfg := e.Pool.Config()
	backends := e.Pool.ListBackends()
	out := make([]backendResponse, len(backends))
	for i, b := range backends {
		out[i] = toBackendResponse(b)
	}
	return poolResponse{
		Name:      name,
		Algorithm: cfg.Algorithm,
		SSLMode:   cfg.SSLMode,
		SSLDomain: cfg.SSLDomain,
		SSLCertID: cfg.SSLCertID,
		Stats:     e.Pool.Stats(),
		Backends:  out,
	}
}

type createPoolRequest struct {
	Name      string `json:"name" binding:"required"`
	Algorithm string `json:"algorithm"`
	SSLMode   string `json:"ssl_mode"`
	SSLDomain string `json:"ssl_domain"`
	SSLCertID string `json:"ssl_cert_id"`
}

var validAlgorithms = map[string]algorithm.Name{
	string(algorithm.RoundRobin):         algorithm.RoundRobin,
	string(algorithm.LeastConnections):   algorithm.LeastConnections,
	string(algorithm.WeightedRoundRobin): algorithm.WeightedRoundRobin,
	string(algorithm.Random):             algorithm.Random,
}

var validSSLModes = map[string]pool.SSLMode{
	string(pool.SSLOff):         pool.SSLOff,
	string(pool.SSLFlexible):    pool.SSLFlexible,
	string(pool.SSLFull):        pool.SSLFull,
	string(pool.SSLFullStrict):  pool.SSLFullStrict,
	string(pool.SSLPassthrough): pool.SSLPassthrough,
}

func (a *API) listPools(c *gin.Context) {
	names := a.pools.List()
	out := make([]poolResponse, 0, len(names))
	for _, name := range names {
		e, ok := a.pools.Get(name)
		if !ok {
			continue
		}
		out = append(out, toPoolResponse(name, e))
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

func (a *API) createPool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}

	cfg := pool.Config{Name: req.Name, Algorithm: algorithm.RoundRobin, SSLMode: pool.SSLOff}
	if req.Algorithm != "" {
		algo, ok := validAlgorithms[req.Algorithm]
		if !ok {
			respondError(c, http.StatusUnprocessableEntity, edgeerr.ErrValidation)
			return
		}
		cfg.Algorithm = algo
	}
	if req.SSLMode != "" {
		mode, ok := validSSLModes[req.SSLMode]
		if !ok {
			respondError(c, http.StatusUnprocessableEntity, edgeerr.ErrValidation)
			return
		}
		cfg.SSLMode = mode
	}
	cfg.SSLDomain = req.SSLDomain
	cfg.SSLCertID = req.SSLCertID

	if _, ok := a.pools.Get(cfg.Name); ok {
		respondError(c, http.StatusConflict, edgeerr.ErrAlreadyExists)
		return
	}

	p := pool.New(cfg, pool.WithMetrics(a.metrics))
	checker := healthcheck.New(p, cfg.Name, healthcheck.WithLogger(a.logger), healthcheck.WithMetrics(a.metrics))
	checker.Start()

	if err := a.pools.Register(cfg.Name, &pool.Entry{Pool: p, HealthChecker: checker}); err != nil {
		checker.Close()
		respondError(c, http.StatusConflict, err)
		return
	}

	if a.store != nil {
		rec := store.Record{
			"id":         cfg.Name,
			"name":       cfg.Name,
			"algorithm":  string(cfg.Algorithm),
			"ssl_mode":   string(cfg.SSLMode),
			"ssl_domain": cfg.SSLDomain,
			"ssl_cert_id": cfg.SSLCertID,
		}
		if err := a.store.Put(store.TablePools, cfg.Name, rec); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}

	e, _ := a.pools.Get(cfg.Name)
	c.JSON(http.StatusCreated, toPoolResponse(cfg.Name, e))
}

func (a *API) getPool(c *gin.Context) {
	name := c.Param("id")
	e, ok := a.pools.Get(name)
	if !ok {
		respondError(c, http.StatusNotFound, edgeerr.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(name, e))
}

func (a *API) deletePool(c *gin.Context) {
	name := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	// Registry.Remove joins the Pool actor and closes both its
	// HealthChecker and its TCP passthrough listener if one is bound
	// (DESIGN.md Open Question 1).
	if err := a.pools.Remove(ctx, name); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	if a.store != nil {
		if err := a.store.Delete(store.TablePools, name); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// --- backends ---

type addBackendRequest struct {
	URL    string `json:"url" binding:"required"`
	Weight int    `json:"weight"`
}

func (a *API) addBackend(c *gin.Context) {
	name := c.Param("id")
	e, ok := a.pools.Get(name)
	if !ok {
		respondError(c, http.StatusNotFound, edgeerr.ErrNotFound)
		return
	}

	var req addBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}

	b, err := backend.New(req.URL)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}
	if req.Weight > 0 {
		b = b.WithWeight(req.Weight)
	}

	if err := e.Pool.AddBackend(b); err != nil {
		respondError(c, statusForError(err), err)
		return
	}

	if a.store != nil {
		rec := store.Record{
			"id":        b.ID(),
			"pool_name": name,
			"scheme":    b.Scheme,
			"host":      b.Host,
			"port":      b.Port,
			"weight":    b.Weight,
			"healthy":   b.Healthy,
		}
		if err := a.store.Put(store.TableBackends, b.ID(), rec); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}

	c.JSON(http.StatusCreated, toBackendResponse(b))
}

func (a *API) removeBackend(c *gin.Context) {
	name := c.Param("id")
	backendID := c.Param("backend_id")

	e, ok := a.pools.Get(name)
	if !ok {
		respondError(c, http.StatusNotFound, edgeerr.ErrNotFound)
		return
	}
	if err := e.Pool.RemoveBackend(backendID); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	if a.store != nil {
		if err := a.store.Delete(store.TableBackends, backendID); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

type patchBackendRequest struct {
	Drain *bool `json:"drain"`
}

// patchBackend implements the backend-drain supplemented feature: an
// operator can pull a backend out of selection without racing the
// health checker's own healthy flag.
func (a *API) patchBackend(c *gin.Context) {
	name := c.Param("id")
	backendID := c.Param("backend_id")

	e, ok := a.pools.Get(name)
	if !ok {
		respondError(c, http.StatusNotFound, edgeerr.ErrNotFound)
		return
	}

	var req patchBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}
	if req.Drain == nil {
		respondError(c, http.StatusUnprocessableEntity, edgeerr.ErrValidation)
		return
	}
	if err := e.Pool.SetDrain(backendID, *req.Drain); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- certificates ---

type createCertificateRequest struct {
	Domain string `json:"domain" binding:"required"`
}

func (a *API) listCertificates(c *gin.Context) {
	certs, err := a.certs.List()
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs})
}

func (a *API) createCertificate(c *gin.Context) {
	var req createCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}
	cert, err := a.certs.Create(certificate.Certificate{Domain: req.Domain, AutoRenew: true})
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

func (a *API) renewCertificate(c *gin.Context) {
	id := c.Param("id")
	existing, err := a.certs.Get(id)
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	// Re-issuance of the PEM material itself is the ACME collaborator's
	// job (spec §1); this endpoint records the renewal against whatever
	// material is already on file, extending the expiry the same way a
	// completed ACME renewal would.
	renewed, err := a.certs.Renew(id, existing.PEMCert, existing.PEMKey, existing.PEMChain, time.Now().UTC().Add(90*24*time.Hour))
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	c.JSON(http.StatusOK, renewed)
}

func (a *API) deleteCertificate(c *gin.Context) {
	id := c.Param("id")
	if err := a.certs.Delete(id); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- ACME HTTP-01 challenge ---

// SetChallenge registers the key authorization an ACME collaborator
// expects served back at /.well-known/acme-challenge/:token.
func (a *API) SetChallenge(token, keyAuthorization string) {
	a.challengeMu.Lock()
	defer a.challengeMu.Unlock()
	a.challenges[token] = keyAuthorization
}

// ClearChallenge removes a previously registered challenge response.
func (a *API) ClearChallenge(token string) {
	a.challengeMu.Lock()
	defer a.challengeMu.Unlock()
	delete(a.challenges, token)
}

func (a *API) handleACMEChallenge(c *gin.Context) {
	token := c.Param("token")
	a.challengeMu.RLock()
	response, ok := a.challenges[token]
	a.challengeMu.RUnlock()
	if !ok {
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.String(http.StatusOK, response)
}

// --- error mapping ---

// statusForError maps an edgeerr sentinel to the HTTP status spec §6's
// table assigns it; unrecognized errors fall back to 500.
func statusForError(err error) int {
	switch {
	case edgeerr.Is(err, edgeerr.ErrValidation), edgeerr.Is(err, edgeerr.ErrInvalidURL):
		return http.StatusUnprocessableEntity
	case edgeerr.Is(err, edgeerr.ErrAlreadyExists):
		return http.StatusConflict
	case edgeerr.Is(err, edgeerr.ErrNotFound):
		return http.StatusNotFound
	case edgeerr.Is(err, edgeerr.ErrNoBackends):
		return http.StatusServiceUnavailable
	case edgeerr.Is(err, edgeerr.ErrBackendConnect), edgeerr.Is(err, edgeerr.ErrBackendTLS):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
