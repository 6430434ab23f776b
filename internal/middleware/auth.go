package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/restaurants"
)

// RestaurantAuthenticator resolves request credentials to a restaurant.
// *restaurants.Manager satisfies it.
type RestaurantAuthenticator interface {
	ValidateAPIKey(ctx context.Context, fullKey string) (*restaurants.Restaurant, error)
	LoadRestaurant(ctx context.Context, restaurantID uuid.UUID) (*restaurants.Restaurant, error)
}

// AuthMiddleware ensures an authenticated restaurant context exists for the
// request. allowHeaderAuth additionally honors the X-Restaurant-ID header
// without a key; that path is for development and trusted internal callers
// behind a gateway, never for the public listener.
func AuthMiddleware(auth RestaurantAuthenticator, allowHeaderAuth bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var restaurant *restaurants.Restaurant

		// 1. Check Authorization Header (API Key)
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer tably_") {
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			rest, err := auth.ValidateAPIKey(ctx, apiKey)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid API key")
				return
			}
			restaurant = rest
		}

		// 2. Check X-Restaurant-ID Header (trusted/internal/dev)
		if restaurant == nil && allowHeaderAuth {
			if raw := r.Header.Get("X-Restaurant-ID"); raw != "" {
				rid, err := uuid.Parse(raw)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "X-Restaurant-ID must be a UUID")
					return
				}
				rest, err := auth.LoadRestaurant(ctx, rid)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "unknown restaurant")
					return
				}
				restaurant = rest
			}
		}

		// 3. Enforce Restaurant Context
		if restaurant == nil {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "a valid API key is required")
			return
		}

		// 4. Inject into Context
		ctx = restaurants.WithRestaurant(ctx, restaurant)
		next(w, r.WithContext(ctx))
	}
}

// writeAuthError speaks the same error envelope as the API handlers.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
