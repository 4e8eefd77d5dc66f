package handler

import "net/http"

type pushConfigResponse struct {
	PublicKey string `json:"public_key"`
}

// PushConfig serves the VAPID public key browsers need to create a push
// subscription. Returns 503 until keys are configured.
func PushConfig(vapidPublicKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if vapidPublicKey == "" {
			writeError(w, http.StatusServiceUnavailable, "push notifications not configured")
			return
		}
		writeJSON(w, http.StatusOK, pushConfigResponse{PublicKey: vapidPublicKey})
	}
}
