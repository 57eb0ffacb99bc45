// Package respond holds the JSON response helpers shared by all handlers.
package respond

import (
	"encoding/json"
	"net/http"
)

type successBody struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successBody{Status: "ok", Data: data})
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, successBody{Status: "ok", Data: data})
}

// Fail writes an error response with the given status code.
func Fail(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Status: "error", Error: err.Error()})
}
