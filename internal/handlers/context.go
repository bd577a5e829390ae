package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	iauth "github.com/couentine/badgekit/internal/auth"
	"github.com/couentine/badgekit/internal/middleware"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// currentClaims returns the authenticated token claims, or nil outside an
// authenticated route.
func currentClaims(c *gin.Context) *iauth.Claims {
	value, ok := c.Get(middleware.CtxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*iauth.Claims)
	return claims
}
