package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Error codes rendered in the "code" field of error responses.
const (
	codeInvalidRequest  = "invalid_request"
	codeUnauthorized    = "unauthorized"
	codeForbidden       = "forbidden"
	codeNotFound        = "not_found"
	codeAlreadyClaimed  = "already_claimed"
	codeNotReady        = "not_ready"
	codeExpired         = "expired"
	codeClaimInProgress = "claim_in_progress"
	codeConflict        = "conflict"
	codeUnavailable     = "unavailable"
	codeInternal        = "internal"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Status domain.GiftStatus `json:"status,omitempty"`
}

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// decodeJSON decodes and validates the request body into dest. An empty
// body decodes as {} so optional-only payloads work.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.StructCtx(r.Context(), dest); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

// writeDomainError maps an orchestrator error onto an HTTP status and code.
// Unexpected errors are logged and rendered as a retryable 503 without
// leaking their text.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	resp := errorResponse{Error: err.Error()}
	var status int

	var notClaimable *domain.NotClaimableError
	if errors.As(err, &notClaimable) {
		resp.Status = notClaimable.Status
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidEvent):
		status, resp.Code = http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, domain.ErrNotFound):
		status, resp.Code = http.StatusNotFound, codeNotFound
		resp.Error = "gift not found"
	case errors.Is(err, domain.ErrAlreadyClaimed):
		status, resp.Code = http.StatusConflict, codeAlreadyClaimed
		resp.Error = "gift already claimed"
	case errors.Is(err, domain.ErrNotYetClaimable):
		status, resp.Code = http.StatusConflict, codeNotReady
		resp.Error = "gift is not ready to claim yet"
	case errors.Is(err, domain.ErrGiftExpired):
		status, resp.Code = http.StatusConflict, codeExpired
		resp.Error = "gift expired"
	case errors.Is(err, domain.ErrClaimInProgress):
		status, resp.Code = http.StatusConflict, codeClaimInProgress
		resp.Status = domain.GiftStatusPendingClaim
		resp.Error = "a claim for this gift is already in progress"
	case errors.Is(err, domain.ErrStatusConflict):
		status, resp.Code = http.StatusConflict, codeConflict
	case errors.Is(err, domain.ErrUnauthorized):
		status, resp.Code = http.StatusForbidden, codeForbidden
	case errors.Is(err, domain.ErrInsufficientCustodyBalance):
		status, resp.Code = http.StatusServiceUnavailable, codeUnavailable
		resp.Error = "claim cannot complete right now; support has been notified"
	case errors.Is(err, domain.ErrLedgerSubmission),
		errors.Is(err, domain.ErrConfirmationTimeout),
		errors.Is(err, domain.ErrTransactionFailed),
		errors.Is(err, domain.ErrVenueUnavailable):
		status, resp.Code = http.StatusBadGateway, codeUnavailable
		resp.Error = "upstream ledger or venue unavailable, please retry"
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		status, resp.Code = http.StatusServiceUnavailable, codeInternal
		resp.Error = "temporarily unavailable, please retry"
	}
	writeJSON(w, status, resp)
}

// queryInt parses a non-negative integer query parameter, returning def when
// it is missing or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// pathParam extracts a named path parameter using the ServeMux patterns.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
