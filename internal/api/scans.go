package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/auth"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
)

// CreateScanRequest overrides the process scan defaults for one scan.
// Omitted fields keep the defaults.
type CreateScanRequest struct {
	Target        scope.Target      `json:"target"`
	Modules       []string          `json:"modules,omitempty"`
	MaxDepth      *int              `json:"max_depth,omitempty"`
	MaxPages      *int              `json:"max_pages,omitempty"`
	Concurrency   *int              `json:"concurrency,omitempty"`
	RequestDelay  *float64          `json:"request_delay_seconds,omitempty"`
	Jitter        *float64          `json:"jitter,omitempty"`
	StealthLevel  string            `json:"stealth_level,omitempty"`
	Auth          *auth.Config      `json:"auth,omitempty"`
	Proxy         string            `json:"proxy,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	DiscoveryOnly bool              `json:"discovery_only,omitempty"`
	// Start launches the scan immediately after creating it.
	Start bool `json:"start,omitempty"`
}

// Config applies the request on top of base.
func (r CreateScanRequest) Config(base scanner.Config) scanner.Config {
	cfg := base
	cfg.Target = r.Target
	if len(r.Modules) > 0 {
		cfg.Modules = r.Modules
	}
	if r.MaxDepth != nil {
		cfg.MaxDepth = *r.MaxDepth
	}
	if r.MaxPages != nil {
		cfg.MaxPages = *r.MaxPages
	}
	if r.Concurrency != nil {
		cfg.Concurrency = *r.Concurrency
	}
	if r.RequestDelay != nil {
		cfg.RequestDelay = time.Duration(*r.RequestDelay * float64(time.Second))
	}
	if r.Jitter != nil {
		cfg.Jitter = *r.Jitter
	}
	if r.StealthLevel != "" {
		cfg.StealthLevel = r.StealthLevel
	}
	cfg.Auth = r.Auth
	cfg.Proxy = r.Proxy
	cfg.Headers = r.Headers
	cfg.Cookies = r.Cookies
	cfg.DiscoveryOnly = r.DiscoveryOnly
	return cfg
}

func (s *Server) createScan(c *gin.Context) {
	var req CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Target.BaseURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target.base_url is required"})
		return
	}

	cfg := req.Config(scanner.NewConfig(s.defaults, req.Target))
	engine, err := s.scans.Create(cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.Start {
		if err := engine.Start(s.base); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, engine.Status())
}

func (s *Server) listScans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scans": s.scans.List()})
}

func (s *Server) getScan(c *gin.Context) {
	status, err := s.scans.Status(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getScanResults(c *gin.Context) {
	results, err := s.scans.Results(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) startScan(c *gin.Context) {
	s.control(c, func(id string) error { return s.scans.Start(s.base, id) })
}

func (s *Server) pauseScan(c *gin.Context) {
	s.control(c, s.scans.Pause)
}

func (s *Server) resumeScan(c *gin.Context) {
	s.control(c, s.scans.Resume)
}

func (s *Server) stopScan(c *gin.Context) {
	s.control(c, s.scans.Stop)
}

// control runs one lifecycle call and answers with the resulting status.
func (s *Server) control(c *gin.Context, fn func(id string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		s.fail(c, err)
		return
	}
	status, err := s.scans.Status(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are already restricted by CORSMiddleware and the API key.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const streamWriteTimeout = 10 * time.Second

// StreamMessage is one frame of the scan status stream.
type StreamMessage struct {
	Type      string         `json:"type"`
	Data      scanner.Status `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// streamScan upgrades to a websocket and pushes status snapshots until
// the scan is terminal or the client goes away.
func (s *Server) streamScan(c *gin.Context) {
	id := c.Param("id")
	updates, cancel, err := s.scans.Subscribe(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "scan_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The read side only exists to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case status, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			msg := StreamMessage{Type: "status", Data: status, Timestamp: time.Now().Unix()}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debugw("WebSocket write failed", "scan_id", id, "error", err)
				}
				return
			}
		case <-gone:
			return
		}
	}
}
