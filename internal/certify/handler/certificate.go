// Package handler exposes the certificate gateway over HTTP.
package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/certify/service"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
)

// DefaultMaxUpload is the largest certificate file accepted.
const DefaultMaxUpload = 5 << 20

// Config controls upload handling.
type Config struct {
	MaxUploadBytes int64
	AcceptedTypes  []string
	// IssueGuards run before the issuance handler only, e.g. a tighter rate
	// limit than the rest of the API.
	IssueGuards []gin.HandlerFunc
}

// Readiness reports whether the gateway can serve traffic.
type Readiness interface {
	Ready(ctx context.Context) error
}

// CertificateHandler handles HTTP requests for issuance and verification.
type CertificateHandler struct {
	svc    *service.CertificateService
	cfg    Config
	ready  Readiness // nil = always ready
	logger *zap.Logger
}

// NewCertificateHandler creates a new CertificateHandler.
func NewCertificateHandler(svc *service.CertificateService, cfg Config, logger *zap.Logger) *CertificateHandler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUpload
	}
	if len(cfg.AcceptedTypes) == 0 {
		cfg.AcceptedTypes = []string{"application/pdf"}
	}
	return &CertificateHandler{svc: svc, cfg: cfg, logger: logger}
}

// SetReadiness configures the readiness source behind GET /readyz.
func (h *CertificateHandler) SetReadiness(r Readiness) {
	h.ready = r
}

// Register mounts the gateway routes on the given router group.
func (h *CertificateHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/hash", h.Hash)
	rg.POST("/certificates", append(slices.Clone(h.cfg.IssueGuards), h.Issue)...)
	rg.GET("/certificates/:fingerprint", h.GetCertificate)
	rg.GET("/certificates/:fingerprint/verifications", h.Verifications)
	rg.POST("/verify", h.Verify)
	rg.GET("/verify/:fingerprint", h.VerifyFingerprint)
	rg.GET("/subjects/:subject/documents", h.SubjectDocuments)
}

// RegisterProbes mounts /healthz and /readyz on r.
func (h *CertificateHandler) RegisterProbes(r gin.IRoutes) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if h.ready != nil {
			if err := h.ready.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

// Hash handles POST /hash.
func (h *CertificateHandler) Hash(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.logger.Warn("open upload", zap.String("file", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing file"})
		return
	}
	defer f.Close()

	fp, err := h.svc.Hash(c.Request.Context(), f)
	if err != nil {
		h.logger.Warn("hash upload", zap.String("file", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing file"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": fp.String()})
}

// Issue handles POST /certificates.
func (h *CertificateHandler) Issue(c *gin.Context) {
	doc, name, ok := h.readUpload(c, true)
	if !ok {
		return
	}

	req := model.IssueRequest{
		CertificateID:   c.PostForm("certificate_id"),
		Subject:         c.PostForm("subject"),
		CertificateName: c.PostForm("certificate_name"),
		IssuerOrg:       c.PostForm("issuer_org"),
		FileName:        name,
		Document:        doc,
	}
	if raw := c.PostForm("issue_date"); raw != "" {
		d, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "issue_date must be YYYY-MM-DD"})
			return
		}
		req.IssueDate = d
	}

	res, err := h.svc.Issue(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "issue certificate", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Verify handles POST /verify. A document with no ledger record yields a
// negative verdict, not an error status.
func (h *CertificateHandler) Verify(c *gin.Context) {
	doc, name, ok := h.readUpload(c, false)
	if !ok {
		return
	}

	verdict, err := h.svc.Verify(c.Request.Context(), model.VerifyRequest{
		FileName:   name,
		VerifiedBy: c.PostForm("verified_by"),
		Document:   doc,
	})
	if err != nil {
		h.writeError(c, "verify document", err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// VerifyFingerprint handles GET /verify/:fingerprint.
func (h *CertificateHandler) VerifyFingerprint(c *gin.Context) {
	fp, ok := parseFingerprint(c)
	if !ok {
		return
	}
	verdict, err := h.svc.VerifyFingerprint(c.Request.Context(), fp, c.Query("verified_by"))
	if err != nil {
		h.writeError(c, "verify fingerprint", err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// GetCertificate handles GET /certificates/:fingerprint.
func (h *CertificateHandler) GetCertificate(c *gin.Context) {
	fp, ok := parseFingerprint(c)
	if !ok {
		return
	}
	cert, err := h.svc.GetCertificate(c.Request.Context(), fp)
	if err != nil {
		h.writeError(c, "get certificate", err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// Verifications handles GET /certificates/:fingerprint/verifications.
func (h *CertificateHandler) Verifications(c *gin.Context) {
	fp, ok := parseFingerprint(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, 500)
	}
	logs, err := h.svc.VerificationHistory(c.Request.Context(), fp, limit)
	if err != nil {
		h.writeError(c, "verification history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fp, "verifications": logs, "count": len(logs)})
}

// SubjectDocuments handles GET /subjects/:subject/documents.
func (h *CertificateHandler) SubjectDocuments(c *gin.Context) {
	subject := c.Param("subject")
	docs, err := h.svc.SubjectDocuments(c.Request.Context(), subject)
	if err != nil {
		h.writeError(c, "subject documents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "documents": docs, "count": len(docs)})
}

// readUpload reads the "file" form field. When strict is set the file must be
// one of the accepted content types.
func (h *CertificateHandler) readUpload(c *gin.Context, strict bool) ([]byte, string, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds upload limit"})
			return nil, "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, "", false
	}
	if fh.Size > h.cfg.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d byte limit", h.cfg.MaxUploadBytes),
		})
		return nil, "", false
	}

	doc, err := readAll(fh, h.cfg.MaxUploadBytes)
	if err != nil {
		h.logger.Warn("read upload", zap.String("file", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing file"})
		return nil, "", false
	}
	if len(doc) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return nil, "", false
	}

	if strict {
		mt := mimetype.Detect(doc)
		if !slices.ContainsFunc(h.cfg.AcceptedTypes, mt.Is) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{
				"error":    "unsupported file type",
				"detected": mt.String(),
				"accepted": h.cfg.AcceptedTypes,
			})
			return nil, "", false
		}
	}
	return doc, fh.Filename, true
}

func readAll(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(f, limit+1)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, fmt.Errorf("upload larger than %d bytes", limit)
	}
	return buf.Bytes(), nil
}

func parseFingerprint(c *gin.Context) (fingerprint.Fingerprint, bool) {
	fp, err := fingerprint.Parse(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return fp, true
}
