package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tabula-backend/internal/ident"
	"tabula-backend/internal/ingest"
	"tabula-backend/internal/keys"
	"tabula-backend/internal/query"
	"tabula-backend/internal/tenant"
)

// statusFor maps an error to its HTTP status. Request-shaped errors are
// checked first since ProvisioningError wraps them.
func statusFor(err error) int {
	var (
		idErr      *ident.InvalidIdentifierError
		inputErr   *ingest.MalformedInputError
		validErr   *query.ValidationError
		schemaErr  *tenant.SchemaError
		maxByteErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxByteErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &idErr),
		errors.As(err, &inputErr),
		errors.As(err, &validErr),
		errors.As(err, &schemaErr),
		errors.Is(err, tenant.ErrAlreadyExists):
		return http.StatusBadRequest
	case errors.Is(err, keys.ErrInvalidAPIKey):
		return http.StatusForbidden
	case errors.Is(err, query.ErrNotFound), errors.Is(err, tenant.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Server errors are logged and only carry
// the underlying message outside release mode.
func (app *App) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	app.Logger.Error("request failed",
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))

	body := gin.H{"error": "Internal server error"}
	var pErr *tenant.ProvisioningError
	if errors.As(err, &pErr) {
		body["error"] = "Failed to provision " + pErr.Database + "." + pErr.Table
	}
	if app.Config.Release() {
		body["message"] = "An unexpected error occurred"
	} else {
		body["message"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
