package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Arnav-03/vecertify/internal/certify/model"
	"github.com/Arnav-03/vecertify/internal/certify/service"
	"github.com/Arnav-03/vecertify/internal/coordinator"
	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/ledger"
	"github.com/Arnav-03/vecertify/pkg/ledgerclient"
)

// writeError maps a service error to its HTTP status and body.
func (h *CertificateHandler) writeError(c *gin.Context, op string, err error) {
	var (
		valErr *model.ErrValidation
		incErr *service.InconsistentStateError
	)
	// An anchored document without metadata is checked first: its cause may
	// match a sentinel below.
	switch {
	case errors.As(err, &incErr):
		h.logger.Error(op+": inconsistent state",
			zap.String("fingerprint", incErr.Fingerprint.String()),
			zap.String("certificate_id", incErr.CertificateID),
			zap.String("tx_id", incErr.Receipt.TxID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "certificate anchored on the ledger but its metadata was not saved",
			"inconsistent":   true,
			"fingerprint":    incErr.Fingerprint,
			"certificate_id": incErr.CertificateID,
			"subject":        incErr.Subject,
			"tx_id":          incErr.Receipt.TxID,
		})
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Msg})
	case errors.Is(err, fingerprint.ErrInputUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "document could not be read"})
	case errors.Is(err, service.ErrDuplicateCertificate):
		c.JSON(http.StatusConflict, gin.H{"error": "certificate already issued to this subject"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
	case errors.Is(err, ledger.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "issuer is not an authorized authority"})
	case errors.Is(err, ledger.ErrAlreadyIssued):
		c.JSON(http.StatusConflict, gin.H{"error": "document already anchored on the ledger"})
	case errors.Is(err, coordinator.ErrWrongNetwork):
		h.logger.Error(op+": wrong network", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger node is on an unexpected network"})
	case errors.Is(err, service.ErrLedgerWriteFailed):
		h.logger.Warn(op+": ledger rejected write", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger write failed"})
	case errors.Is(err, coordinator.ErrConnectionFailed),
		errors.Is(err, coordinator.ErrSignerUnavailable),
		errors.Is(err, ledgerclient.ErrUnavailable):
		h.logger.Warn(op+": ledger unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
