package access

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/artcast-tech/artcast/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC signing secret shared with the platform's
	// session service. This is mandatory.
	Secret []byte
	// Issuer is the accepted issuer for the token. This is mandatory.
	Issuer string
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens issued by the platform for its users.
//
// Tokens are accepted as "Authorization: Bearer" header. A valid token
// produces an authorization with the roles from the "roles" claim and a
// "user_id" selector from the token subject.
//
// This is a final handler with regards to the bearer token. It returns
// http.StatusUnauthorized when a token is available but insufficient to
// authorize the request.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	if len(jmb.Secret) == 0 {
		panic("JWT secret is missing")
	}
	if len(jmb.Issuer) == 0 {
		panic("JWT issuer is missing")
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jmb.Secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth := AuthorizationFromContext(r.Context()); auth != nil {
				// we are already authorized
				h.ServeHTTP(w, r)
				return
			}

			bearer := r.Header.Get("Authorization")
			if !strings.HasPrefix(bearer, "Bearer ") {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := strings.TrimPrefix(bearer, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid {
				logger.FromContext(r.Context()).WithError(err).Info("invalid bearer token")
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			issuer, _ := claims["iss"].(string)
			if issuer != jmb.Issuer {
				http.Error(w, "invalid token issuer", http.StatusUnauthorized)
				return
			}

			subject, _ := claims["sub"].(string)
			auth := Authorization{
				Selectors: map[string]string{"user_id": subject},
			}
			if rawRoles, ok := claims["roles"].([]interface{}); ok {
				for _, rawRole := range rawRoles {
					if role, ok := rawRole.(string); ok {
						auth.Roles = append(auth.Roles, role)
					}
				}
			}
			if len(auth.Roles) == 0 {
				auth.Roles = []string{"user"}
			}

			r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
			h.ServeHTTP(w, r)
		})
	}
}
