package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
	Scopes map[string]struct{}
}

// authorizeBearer verifies the host application's HS256 bearer token and
// checks the required scope. The user_id claim identifies whose credential
// the coordinator acts on.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parsed, err := jwt.Parse(raw,
		func(token *jwt.Token) (any, error) { return []byte(jwtSecret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid token"}
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid token claims"}
	}
	userID, _ := mapClaims["user_id"].(string)
	if userID == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing user_id claim"}
	}

	claims := tokenClaims{UserID: userID, Scopes: map[string]struct{}{}}
	switch scopes := mapClaims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(scopes) {
			claims.Scopes[scope] = struct{}{}
		}
	case []any:
		for _, entry := range scopes {
			if scope, ok := entry.(string); ok {
				claims.Scopes[scope] = struct{}{}
			}
		}
	}

	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: fmt.Sprintf("missing required scope: %s", requiredScope),
			}
		}
	}
	return claims, nil
}
