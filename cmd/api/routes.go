package main

import (
	"family-calls/internal/httpapi"
	"family-calls/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerPublicRoutes wires routes that need no access token.
func registerPublicRoutes(r *gin.Engine, h *httpapi.Handlers) {
	r.GET("/healthz", h.Healthz)
	r.POST("/v1/auth/refresh", h.Refresh)
}

// registerProtectedRoutes wires the record-store gateway.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h *httpapi.Handlers) {
	v1 := r.Group("/v1")
	v1.Use(authMW)
	v1.Use(rbac.RequireFamily())
	// Hidden support role is not a call participant and is refused here.
	v1.Use(rbac.RequireAnyRole(rbac.Participants...))

	h.Routes(v1)
}
