package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const casFetchTimeout = 30 * time.Second

// handleCASFetch serves dapp bundle content resolved through the CAS
// companion, so webviews can load content-addressed frontends from the
// gateway origin.
func (s *Server) handleCASFetch(c echo.Context) error {
	if s.CAS == nil {
		return c.String(http.StatusNotImplemented, "content resolution is not configured")
	}

	cid := c.Param("cid")
	path := c.Param("*")

	bundle, err := s.CAS.Fetch(c.Request().Context(), cid, path, casFetchTimeout)
	if err != nil {
		return c.String(http.StatusBadGateway, err.Error())
	}

	contentType := bundle.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(bundle.Body)
	}

	return c.Blob(http.StatusOK, contentType, bundle.Body)
}
