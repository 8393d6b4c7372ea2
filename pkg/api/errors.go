package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devstream-project/devstream/pkg/aggregate"
	apperrors "github.com/devstream-project/devstream/pkg/errors"
)

// writeServiceError maps a service-layer error to an HTTP status and JSON
// body, following the sentinel/typed-error dispatch teachers use at their
// API boundary.
func writeServiceError(c *gin.Context, err error) {
	var validation *apperrors.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var ambiguous *aggregate.AmbiguousWorkspaceError
	if errors.As(err, &ambiguous) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ambiguous workspace name", "matches": ambiguous.Matches})
		return
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, aggregate.ErrSessionNotEnded), errors.Is(err, aggregate.ErrNoTranscript), errors.Is(err, aggregate.ErrSessionProcessing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrAmbiguous):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("api: unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
