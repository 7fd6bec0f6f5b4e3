// Package handler exposes a ledger Engine over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/internal/ledger"
)

// MaxEventWait caps the long-poll duration of GET /events.
const MaxEventWait = 30 * time.Second

// NodeHandler serves the contract operations of a ledger node.
type NodeHandler struct {
	engine *ledger.Engine
	logger *zap.Logger
}

// NewNodeHandler creates a new NodeHandler.
func NewNodeHandler(engine *ledger.Engine, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{engine: engine, logger: logger}
}

// Register mounts the node routes on the given router group.
func (h *NodeHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/network", h.Network)
	rg.POST("/transactions", h.SubmitTransaction)
	rg.POST("/authorities", h.Grant)
	rg.GET("/documents/:fingerprint", h.GetRecord)
	rg.POST("/documents/:fingerprint/verify", h.Verify)
	rg.GET("/subjects/:subject/documents", h.SubjectDocuments)
	rg.GET("/events", h.Events)

	chain := rg.Group("/chain")
	{
		chain.GET("", h.ChainOverview)
		chain.GET("/verify", h.VerifyChain)
		chain.GET("/entries/:idx", h.GetEntry)
	}
}

type txRequest struct {
	Tx string `json:"tx" binding:"required"`
}

// Network handles GET /network.
func (h *NodeHandler) Network(c *gin.Context) {
	info, err := h.engine.Network(c.Request.Context())
	if err != nil {
		h.logger.Error("network info", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query network"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// SubmitTransaction handles POST /transactions.
func (h *NodeHandler) SubmitTransaction(c *gin.Context) {
	h.submit(c, "")
}

// Grant handles POST /authorities. The body must carry an owner-signed grant.
func (h *NodeHandler) Grant(c *gin.Context) {
	h.submit(c, identity.TxGrant)
}

func (h *NodeHandler) submit(c *gin.Context, kind identity.TxKind) {
	var req txRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := h.engine.SubmitKind(c.Request.Context(), req.Tx, kind)
	if err != nil {
		status := txErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("submit transaction", zap.Error(err))
			c.JSON(status, gin.H{"error": "failed to apply transaction"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func txErrorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrWrongNetwork):
		return http.StatusMisdirectedRequest
	case errors.Is(err, ledger.ErrInvalidTransaction):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrAlreadyIssued), errors.Is(err, ledger.ErrReplayed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseFingerprint(c *gin.Context) (fingerprint.Fingerprint, bool) {
	fp, err := fingerprint.Parse(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return fp, true
}

// GetRecord handles GET /documents/:fingerprint.
func (h *NodeHandler) GetRecord(c *gin.Context) {
	fp, ok := parseFingerprint(c)
	if !ok {
		return
	}
	rec, found, err := h.engine.Record(c.Request.Context(), fp)
	if err != nil {
		h.logger.Error("get record", zap.String("fingerprint", fp.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query record"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "record": rec})
}

// Verify handles POST /documents/:fingerprint/verify.
func (h *NodeHandler) Verify(c *gin.Context) {
	fp, ok := parseFingerprint(c)
	if !ok {
		return
	}
	v, err := h.engine.Verify(c.Request.Context(), fp)
	if err != nil {
		h.logger.Error("verify", zap.String("fingerprint", fp.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify"})
		return
	}
	c.JSON(http.StatusOK, v)
}

// SubjectDocuments handles GET /subjects/:subject/documents.
func (h *NodeHandler) SubjectDocuments(c *gin.Context) {
	subject := identity.NormalizeSubject(c.Param("subject"))
	fps, err := h.engine.SubjectRecords(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("subject documents", zap.String("subject", subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query subject"})
		return
	}
	if fps == nil {
		fps = []fingerprint.Fingerprint{}
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "fingerprints": fps})
}

// Events handles GET /events?after=N&wait=D&limit=L.
func (h *NodeHandler) Events(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	var wait time.Duration
	if w := c.Query("wait"); w != "" {
		wait, err = time.ParseDuration(w)
		if err != nil || wait < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a duration such as 10s"})
			return
		}
	}
	if wait > MaxEventWait {
		wait = MaxEventWait
	}

	events, err := h.engine.Events(c.Request.Context(), after, limit, wait)
	if err != nil {
		// Client went away during the long poll.
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "head": h.engine.EventHead()})
}

// ChainOverview handles GET /chain and returns the chain length and root hash.
func (h *NodeHandler) ChainOverview(c *gin.Context) {
	n, root, err := h.engine.Chain(c.Request.Context())
	if err != nil {
		h.logger.Error("chain overview", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query chain"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": n, "root": root})
}

// VerifyChain handles GET /chain/verify and walks the full chain.
func (h *NodeHandler) VerifyChain(c *gin.Context) {
	if err := h.engine.VerifyChain(c.Request.Context()); err != nil {
		h.logger.Warn("chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /chain/entries/:idx.
func (h *NodeHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}
	entry, err := h.engine.Entry(c.Request.Context(), idx)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		h.logger.Error("get entry", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query entry"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
