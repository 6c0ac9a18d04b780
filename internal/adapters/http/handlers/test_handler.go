// Package handlers agrupa handlers HTTP da aplicação: exemplo e administração.
package handlers

import (
	"net/http"
)

// TestHandler responde com uma mensagem simples para verificar o bloqueio.
func TestHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Request successful", "path": r.URL.Path})
}

// NotFound responde 404 em JSON para rotas desconhecidas.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
}
