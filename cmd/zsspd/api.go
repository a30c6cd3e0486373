package main

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodeforge/zssp/pkg/store"
	"github.com/nodeforge/zssp/pkg/transport"
)

// statusAPI is a read-only HTTP introspection surface over a running
// daemon, grounded on pkg/meshstorage/api's Server/Config/DefaultConfig
// shape: a *gin.Engine wrapped by a small struct holding what the handlers
// need, one handler per route, JSON response structs per endpoint.
type statusAPI struct {
	store   *store.Store[transport.PeerAddr]
	router  *gin.Engine
	started time.Time
}

// apiConfig is a plain field struct with a sane default constructor, no
// functional options.
type apiConfig struct {
	Port       int
	EnableCORS bool
}

func defaultAPIConfig() apiConfig {
	return apiConfig{Port: 8181, EnableCORS: true}
}

func newStatusAPI(st *store.Store[transport.PeerAddr], cfg apiConfig) *statusAPI {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	a := &statusAPI{store: st, router: router, started: time.Now()}

	if cfg.EnableCORS {
		router.Use(func(c *gin.Context) {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Next()
		})
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", a.handleHealth)
		v1.GET("/sessions", a.handleListSessions)
		v1.GET("/sessions/:id", a.handleSessionStatus)
	}
	return a
}

func (a *statusAPI) Run(addr string) error { return a.router.Run(addr) }

type healthResponse struct {
	Success   bool   `json:"success"`
	UptimeSec int64  `json:"uptimeSeconds"`
	LocalKey  string `json:"localStaticKeyHash"`
}

func (a *statusAPI) handleHealth(c *gin.Context) {
	hash := a.store.GetLocalSPublicHash()
	c.JSON(http.StatusOK, healthResponse{
		Success:   true,
		UptimeSec: int64(time.Since(a.started).Seconds()),
		LocalKey:  hex.EncodeToString(hash[:]),
	})
}

type sessionSummary struct {
	LocalSessionID string `json:"localSessionId"`
	PeerAddr       string `json:"peerAddr"`
	Established    bool   `json:"established"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	RatchetCount   uint64 `json:"ratchetCount,omitempty"`
}

func (a *statusAPI) handleListSessions(c *gin.Context) {
	summaries := a.store.Summaries()
	out := make([]sessionSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, summarize(s))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": out})
}

func (a *statusAPI) handleSessionStatus(c *gin.Context) {
	id := c.Param("id")
	s, ok := a.store.SummaryByIDString(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown session id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": summarize(s)})
}

func summarize(s store.SessionSummary) sessionSummary {
	out := sessionSummary{
		LocalSessionID: s.LocalSessionID,
		PeerAddr:       s.PeerAddr,
		Established:    s.Established,
	}
	if s.Established {
		out.Fingerprint = hex.EncodeToString(s.Fingerprint[:])
		out.RatchetCount = s.RatchetCount
	}
	return out
}
