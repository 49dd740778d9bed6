package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"

	"github.com/terraconstructs/iamsync/internal/services/iam"
)

// OperatorHeader names the caller when no bearer token is present.
const OperatorHeader = "X-Operator"

type actorContextKey struct{}

// tokenClaims are the claims read from the bearer token. Signature and expiry
// are checked by the gateway in front of this service.
type tokenClaims struct {
	PreferredUsername string `mapstructure:"preferred_username"`
	Subject           string `mapstructure:"sub"`
}

// withActor stores the operator and origin IP of the request on its context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := iam.Actor{Operator: operatorOf(r), OriginIP: originIP(r)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorContextKey{}, actor)))
	})
}

// actorFrom returns the actor set by withActor, or the system actor.
func actorFrom(ctx context.Context) iam.Actor {
	if actor, ok := ctx.Value(actorContextKey{}).(iam.Actor); ok {
		return actor
	}
	return iam.SystemActor
}

func operatorOf(r *http.Request) string {
	if name := usernameFromToken(r.Header.Get("Authorization")); name != "" {
		return name
	}
	if name := strings.TrimSpace(r.Header.Get(OperatorHeader)); name != "" {
		return name
	}
	return iam.SystemActor.Operator
}

// usernameFromToken parses a bearer token without verifying it.
func usernameFromToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return ""
	}
	var decoded tokenClaims
	if err := mapstructure.Decode(map[string]interface{}(claims), &decoded); err != nil {
		return ""
	}
	return decoded.PreferredUsername
}

func originIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
