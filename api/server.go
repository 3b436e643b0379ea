package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"QTSW2/engine"
	"QTSW2/logger"
	"QTSW2/metrics"
	"QTSW2/store"
)

// Server is the operator surface: health, stream status, trade history,
// prometheus metrics and the kill switch. Read endpoints are open on the
// (internal) listen address; the mutating kill endpoint requires a bearer
// token.
type Server struct {
	eng       *engine.Engine
	kill      *engine.KillSwitch
	st        *store.Store
	jwtSecret []byte
	runID     string
	startedAt time.Time
}

// NewServer wires the operator API. st may be nil when the history DB is
// disabled.
func NewServer(eng *engine.Engine, kill *engine.KillSwitch, st *store.Store, jwtSecret, runID string) *Server {
	return &Server{
		eng:       eng,
		kill:      kill,
		st:        st,
		jwtSecret: []byte(jwtSecret),
		runID:     runID,
		startedAt: time.Now().UTC(),
	}
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/trades", s.handleTrades)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	auth := r.Group("/", s.requireAuth)
	auth.POST("/kill", s.handleKill)

	return r
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	logger.Infof("operator API listening on %s", addr)
	return s.Router().Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"run_id":     s.runID,
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"trading_date": s.eng.ActiveDate(),
		"kill_switch":  s.kill.Active(),
		"streams":      s.eng.Snapshot(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.st == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []store.Trade{}})
		return
	}
	trades, err := s.st.Trades().Recent(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleKill(c *gin.Context) {
	s.kill.Throw()
	logger.Errorf("kill switch thrown via operator API")
	c.JSON(http.StatusOK, gin.H{"kill_switch": true})
}

// requireAuth validates an HS256 bearer token against the configured secret.
func (s *Server) requireAuth(c *gin.Context) {
	if len(s.jwtSecret) == 0 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "mutating API disabled: no secret configured"})
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}
