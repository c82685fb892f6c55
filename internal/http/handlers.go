package http

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HeaderFileName names a document uploaded as a raw request body.
const HeaderFileName = "X-File-Name"

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit accepts a multipart "file" field or a raw body.
func (s *Server) handleSubmit(c echo.Context) error {
	data, fileName, mimeType, err := readUpload(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		s.logger.Warn(c.Request().Context(), "invalid upload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid upload")
	}

	doc, err := s.svc.SubmitDocument(c.Request().Context(), c.Param("tenant"), data, fileName, mimeType)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{DocumentID: doc.DocumentID, Status: string(doc.Status)})
}

func readUpload(c echo.Context) (data []byte, fileName, mimeType string, err error) {
	req := c.Request()
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))

	if mediaType == echo.MIMEMultipartForm {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", "", err
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, "", "", err
		}
		return data, fh.Filename, fh.Header.Get(echo.HeaderContentType), nil
	}

	data, err = io.ReadAll(req.Body)
	if err != nil {
		return nil, "", "", err
	}
	fileName = req.Header.Get(HeaderFileName)
	if fileName == "" {
		fileName = c.QueryParam("name")
	}
	return data, fileName, mediaType, nil
}

func (s *Server) handleIngestText(c echo.Context) error {
	var req IngestTextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}

	doc, err := s.svc.IngestText(c.Request().Context(), c.Param("tenant"), req.Text, req.SourceName)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{DocumentID: doc.DocumentID, Status: string(doc.Status)})
}

func (s *Server) handleList(c echo.Context) error {
	tenantID := c.Param("tenant")
	docs, err := s.svc.ListDocuments(c.Request().Context(), tenantID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ListResponse{TenantID: tenantID, Documents: docs})
}

func (s *Server) handleStatus(c echo.Context) error {
	doc, err := s.svc.GetStatus(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleDelete(c echo.Context) error {
	id := c.Param("id")
	if err := s.svc.DeleteDocument(c.Request().Context(), c.Param("tenant"), id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, AckResponse{DocumentID: id, Accepted: true})
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.svc.CancelDocument(c.Request().Context(), c.Param("tenant"), id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, AckResponse{DocumentID: id, Accepted: true})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.svc.QueryContext(c.Request().Context(), c.Param("tenant"), req.Text, services.QueryParams{
		TopK:        req.TopK,
		Threshold:   req.RelevanceThreshold,
		TokenBudget: req.TokenBudget,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.svc.NamespaceStats(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDeleteTenant(c echo.Context) error {
	tenantID := c.Param("tenant")
	n, err := s.svc.DeleteTenant(c.Request().Context(), tenantID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, DeleteTenantResponse{TenantID: tenantID, Deleted: n})
}
