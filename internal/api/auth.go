package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// The RPC surface is gated by a token written to a cookie file under
// the node's data directory on first run, not an operator-supplied
// environment variable: an operator who can read the data directory
// can read the token, and nothing else needs to. All protected routes
// require: Authorization: Bearer <token>
//
// The websocket stream is excluded; it carries no wallet or mining
// control surface, only public tip/mining-status broadcasts.
// ──────────────────────────────────────────────────────────────────

const cookieFileName = ".api_auth_token"

// LoadOrCreateAuthCookie reads the bearer token from
// <dataDir>/.api_auth_token, generating and persisting a fresh random
// token on first run. The file is written user-read-only, mirroring the
// cookie-file convention of generating a new secret per data directory
// rather than trusting an externally supplied one.
func LoadOrCreateAuthCookie(dataDir string) (string, error) {
	path := filepath.Join(dataDir, cookieFileName)

	if existing, err := os.ReadFile(path); err == nil {
		token := strings.TrimSpace(string(existing))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("api: read auth cookie: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("api: generate auth cookie: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("api: create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("api: write auth cookie: %w", err)
	}
	log.Printf("api: wrote new RPC auth cookie to %s", path)
	return token, nil
}

// AuthMiddleware returns a Gin middleware that validates bearer tokens
// against token (as loaded by LoadOrCreateAuthCookie). An empty token
// disables auth entirely, for local development against a throwaway
// data directory.
func AuthMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		log.Println("[SECURITY WARNING] RPC auth cookie is empty; every protected endpoint is unauthenticated.")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header",
				"hint":  "Use: Authorization: Bearer <token from .api_auth_token>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
