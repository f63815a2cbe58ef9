package response

import (
	"encoding/json"
	"net/http"

	"rentalhub-sale-api/pkg/apierror"
)

// Response represents a standard API response.
type Response struct {
	Success bool  `json:"success"`
	Data    any   `json:"data,omitempty"`
	Meta    *Meta `json:"meta,omitempty"`
}

// Meta describes a list payload.
type Meta struct {
	Total int `json:"total"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	write(w, statusCode, Response{Success: true, Data: data})
}

// List sends a 200 response carrying a list and its size.
func List(w http.ResponseWriter, data any, total int) {
	write(w, http.StatusOK, Response{Success: true, Data: data, Meta: &Meta{Total: total}})
}

// Error sends an error response, mapping domain errors to their status.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierror.FromError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	_, _ = w.Write(apiErr.ToJSON())
}

// Created sends a 201 Created response with the created resource.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// OK sends a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
