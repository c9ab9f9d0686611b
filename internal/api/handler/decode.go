package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/scopelens/internal/api/response"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

const maxJSONBody = 1 << 20

var validate = validator.New()

// decodeJSON reads and validates a JSON body into v. An empty body is accepted
// when allowEmpty is set. On failure the error response has been written and
// false is returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		err = nil
	}
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := validate.Struct(v); err != nil {
		response.ValidationError(w, err)
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def when it is
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queueParam resolves the ?queue= parameter; the detection queue is the default.
func queueParam(r *http.Request) (models.Queue, bool) {
	switch q := models.Queue(r.URL.Query().Get("queue")); q {
	case "":
		return models.QueueDetection, true
	case models.QueueDetection, models.QueuePlagiarism:
		return q, true
	default:
		return "", false
	}
}

func internalError(w http.ResponseWriter) {
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
