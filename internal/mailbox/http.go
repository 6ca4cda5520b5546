package mailbox

import (
	"net/http"

	"github.com/labforge/labctl/internal/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Server exposes the Mailbox's callback endpoints and the operator
// override path over HTTP.
type Server struct {
	mb *Mailbox
	e  *echo.Echo
}

// NewServer wires POST /callback/:instance/:tag and the operator
// override route POST /override/:instance/:tag onto a fresh echo
// instance.
func NewServer(mb *Mailbox) *Server {
	e := echo.New()
	e.HideBanner = true

	s := &Server{mb: mb, e: e}
	e.POST("/callback/:instance/:tag", s.handleCallback)
	e.POST("/override/:instance/:tag", s.handleOverride)
	e.GET("/ci/:instance", s.handleCloudConfig)
	return s
}

// handleCloudConfig serves the cloud-init document a host fetches at
// boot.
func (s *Server) handleCloudConfig(c echo.Context) error {
	instance := c.Param("instance")
	doc, ok := s.mb.cloudConfig(instance)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.String(http.StatusOK, doc)
}

func (s *Server) handleCallback(c echo.Context) error {
	instance := c.Param("instance")
	tag := c.Param("tag")

	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		logger.L().Warn("mailbox: malformed callback body", zap.Error(err))
		return c.NoContent(http.StatusBadRequest)
	}

	if err := s.mb.deliver(instance, tag, Message{Tag: tag, Payload: payload}); err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleOverride(c echo.Context) error {
	instance := c.Param("instance")
	tag := c.Param("tag")

	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if err := s.mb.Override(instance, tag, payload); err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// Start serves the mailbox HTTP surface on addr. Blocks until the
// server stops or ctx-driven Shutdown is called elsewhere.
func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

// Echo exposes the underlying echo.Echo so cmd/labd can mount the
// read-only status API on the same instance.
func (s *Server) Echo() *echo.Echo { return s.e }
