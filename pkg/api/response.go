package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"mast/pkg/device"
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

var errMissingParam = errors.New("missing parameter")

// requestParams merges the query string with a form-encoded body. The body
// is restored so it can be read again.
func requestParams(r *http.Request) (url.Values, error) {
	params := url.Values{}
	for k, v := range r.URL.Query() {
		params[strings.ToLower(k)] = v
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return params, nil
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	body, err := url.ParseQuery(string(bodyBytes))
	if err != nil {
		return nil, err
	}
	for k, v := range body {
		params[strings.ToLower(k)] = v
	}
	return params, nil
}

// clientTxID is the optional ClientTransactionID parameter.
func clientTxID(r *http.Request) int {
	params, err := requestParams(r)
	if err != nil {
		return 0
	}
	id, err := strconv.Atoi(params.Get("clienttransactionid"))
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	response := baseResponse{
		ClientTransactionID: clientTxID(r),
		ServerTransactionID: int(txCounter.Add(1)),
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleError reports err in the envelope with the error number that matches
// its kind.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	response := baseResponse{
		ClientTransactionID: clientTxID(r),
		ServerTransactionID: int(txCounter.Add(1)),
		ErrorNumber:         device.ErrorCode(err),
		ErrorMessage:        err.Error(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAction runs an operation that returns only an error.
func handleAction(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			handleError(w, r, err)
			return
		}
		handleResponse(w, r, nil)
	}
}

// handleValue serves a read-only property.
func handleValue(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handleResponse(w, r, fn())
	}
}

// parseRequest reads a named parameter, matched case-insensitively.
func parseRequest(r *http.Request, field string) (string, error) {
	params, err := requestParams(r)
	if err != nil {
		return "", err
	}
	value, ok := params[strings.ToLower(field)]
	if !ok || len(value) == 0 {
		return "", fmt.Errorf("%w: %w %s", device.ErrInvalidTarget, errMissingParam, field)
	}
	return value[0], nil
}

func parseIntRequest(r *http.Request, field string) (int, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", device.ErrInvalidTarget, field, err)
	}
	return n, nil
}
