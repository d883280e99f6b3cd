package http

import (
	"errors"
	"net/http"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/gin-gonic/gin"
)

// statusOf maps an error kind to an HTTP status
func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrManifest), errors.Is(err, errs.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrPool):
		return http.StatusConflict
	case errors.Is(err, errs.ErrExtension):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// kindOf names the error kind for clients
func kindOf(err error) string {
	switch errs.KindOf(err) {
	case errs.ErrNetwork:
		return "network"
	case errs.ErrManifest:
		return "manifest"
	case errs.ErrIntegrity:
		return "integrity"
	case errs.ErrPersistence:
		return "persistence"
	case errs.ErrPool:
		return "pool"
	case errs.ErrExtension:
		return "extension"
	default:
		return "internal"
	}
}

// fail writes err as a JSON error body
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	body := gin.H{"error": err.Error(), "kind": kindOf(err)}
	var e *errs.Error
	if errors.As(err, &e) && e.ExtensionID != "" {
		body["extension"] = e.ExtensionID
	}
	c.AbortWithStatusJSON(statusOf(err), body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": "request"})
}
