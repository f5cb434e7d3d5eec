package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/elemental-sh/elemental/internal/common/errors"
)

// respondError maps a service error to the JSON error envelope. Unknown
// errors become opaque INTERNAL_ERROR responses.
func respondError(c *gin.Context, err error) {
	if appErr := apperrors.AsAppError(err); appErr != nil {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		}})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"code":    apperrors.CodeInternal,
		"message": "internal error",
	}})
}

func respondValidation(c *gin.Context, message string) {
	respondError(c, apperrors.Validation(message))
}
