package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginPolicy decides which browser origins may drive the daemon. The daemon
// acts with the one signed-in session, so a request from any other page must
// be refused before it reaches a handler.
type OriginPolicy struct {
	allowed map[string]struct{}
}

// NewOriginPolicy allows the daemon's own origin plus origins.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if key, ok := originKey(o); ok {
			p.allowed[key] = struct{}{}
		}
	}
	return p
}

// Allows reports whether r may proceed. Requests without an Origin header
// come from non-browser clients and are allowed.
func (p *OriginPolicy) Allows(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	key, ok := originKey(origin)
	if !ok {
		return false
	}
	if _, ok := p.allowed[key]; ok {
		return true
	}
	u, _ := url.Parse(origin)
	return strings.EqualFold(u.Host, r.Host)
}

// Require rejects requests from disallowed origins with 403.
func (p *OriginPolicy) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.Allows(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Next()
	}
}

func originKey(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
