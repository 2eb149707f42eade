package middleware

import (
	"net/http"

	"github.com/frak-id/pairing-relay/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
