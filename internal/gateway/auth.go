package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/webhook"
)

// AuthResult describes an authentication attempt.
type AuthResult struct {
	OK     bool
	User   string
	Reason string // token_missing, token_mismatch, password_missing, proxy_untrusted, ...
}

// tailscale identity headers, set by the tailscale serve/funnel proxy. When
// present and the peer is a trusted proxy, they satisfy token mode.
const (
	tsUserHeader  = "Tailscale-User-Login"
	tsNameHeader  = "Tailscale-User-Name"
)

// authenticate checks an incoming HTTP/WS request against the configured
// auth mode.
func (s *Server) authenticate(r *http.Request) AuthResult {
	gw := s.cfg.Gateway
	switch gw.AuthMode {
	case "", "token":
		return s.authToken(r, gw)
	case "password":
		return s.authPassword(r, gw)
	case "trusted-proxy":
		return s.authTrustedProxy(r, gw)
	default:
		return AuthResult{Reason: "auth_mode_invalid"}
	}
}

func (s *Server) authToken(r *http.Request, gw config.GatewayConfig) AuthResult {
	// Tailscale identity can satisfy token mode when it arrives through a
	// trusted proxy.
	if user := r.Header.Get(tsUserHeader); user != "" {
		peer := webhook.ClientIP(r, nil)
		if isTrusted(peer, gw.TrustedProxies) {
			return AuthResult{OK: true, User: user}
		}
	}

	presented := bearerOrQuery(r)
	switch webhook.CheckToken(presented, gw.Token) {
	case webhook.TokenOK:
		return AuthResult{OK: true}
	case webhook.TokenMissing:
		return AuthResult{Reason: "token_missing"}
	case webhook.TokenMissingConfig:
		return AuthResult{Reason: "token_missing_config"}
	default:
		return AuthResult{Reason: "token_mismatch"}
	}
}

func (s *Server) authPassword(r *http.Request, gw config.GatewayConfig) AuthResult {
	presented := bearerOrQuery(r)
	if gw.Password == "" {
		return AuthResult{Reason: "password_missing_config"}
	}
	if presented == "" {
		return AuthResult{Reason: "password_missing"}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(gw.Password)) != 1 {
		return AuthResult{Reason: "password_mismatch"}
	}
	return AuthResult{OK: true}
}

func (s *Server) authTrustedProxy(r *http.Request, gw config.GatewayConfig) AuthResult {
	peer := webhook.ClientIP(r, nil) // immediate peer, never forwarded
	if !isTrusted(peer, gw.TrustedProxies) {
		slog.Warn("security.proxy_untrusted", "peer", peer)
		return AuthResult{Reason: "proxy_untrusted"}
	}
	if gw.UserHeader == "" {
		return AuthResult{Reason: "user_header_unconfigured"}
	}
	user := r.Header.Get(gw.UserHeader)
	if user == "" {
		return AuthResult{Reason: "user_header_missing"}
	}
	for _, h := range gw.RequiredHeaders {
		if r.Header.Get(h) == "" {
			return AuthResult{Reason: "required_header_missing"}
		}
	}
	if len(gw.AllowUsers) > 0 {
		allowed := false
		for _, u := range gw.AllowUsers {
			if strings.EqualFold(u, user) {
				allowed = true
				break
			}
		}
		if !allowed {
			return AuthResult{Reason: "user_not_allowed"}
		}
	}
	return AuthResult{OK: true, User: user}
}

func isTrusted(peer string, trusted []string) bool {
	for _, t := range trusted {
		if t == peer {
			return true
		}
	}
	return false
}

// bearerOrQuery extracts the credential from the Authorization header
// (Bearer prefix accepted) or the ?token= query parameter.
func bearerOrQuery(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return h
	}
	return r.URL.Query().Get("token")
}
