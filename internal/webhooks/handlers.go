package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Subscription management endpoints for the worker's ops listener. The
// registry is process-local, so these live next to the dispatcher that
// serves them.

// HandleListWebhooks lists registered subscriptions, optionally scoped by
// ?restaurant_id=. Secrets are never echoed back on reads.
func HandleListWebhooks(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var hooks []*WebhookSubscription
		if raw := r.URL.Query().Get("restaurant_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, `{"error":"restaurant_id must be a UUID"}`, http.StatusBadRequest)
				return
			}
			hooks = reg.ListByRestaurant(id)
		} else {
			hooks = reg.ListAll()
		}

		out := make([]WebhookSubscription, 0, len(hooks))
		for _, sub := range hooks {
			out = append(out, redacted(sub))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"webhooks": out,
			"count":    len(out),
		})
	}
}

// HandleRegisterWebhook registers a merchant endpoint. When the caller sends
// no secret one is generated and returned in this response only.
func HandleRegisterWebhook(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub WebhookSubscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		if sub.Secret == "" {
			secret, err := generateSecret()
			if err != nil {
				http.Error(w, `{"error":"failed to generate secret"}`, http.StatusInternalServerError)
				return
			}
			sub.Secret = secret
		}

		if err := reg.Register(&sub); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sub)
	}
}

// HandleDeleteWebhook deletes a webhook by ID.
func HandleDeleteWebhook(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["webhookId"]
		if err := reg.Unregister(id); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func redacted(sub *WebhookSubscription) WebhookSubscription {
	c := *sub
	c.Secret = ""
	return c
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
