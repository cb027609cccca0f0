package httpapi

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows browser consoles on allowedOrigins to call the API. An empty
// list allows any origin without credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	options := cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Business-ID", "X-Request-ID"},
		MaxAge:         300,
	}
	if len(allowedOrigins) == 0 {
		options.AllowedOrigins = []string{"*"}
	} else {
		options.AllowCredentials = true
	}
	return cors.New(options).Handler
}
