package handlers

import "net/http"

// StatusText is the body served at /.
const StatusText = "CORS Proxy active"

// RootHandler answers / with a static liveness text.
func RootHandler(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, StatusText)
}

// NotFoundHandler answers unknown paths with a plain text 404.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusNotFound, "Not Found")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
