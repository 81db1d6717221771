// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// validate checks the `validate` tags on API request types. Fields are
// reported under their json names so error details match the wire format.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// errorBody is the wire form of every API error. Details carry structured
// context such as per-field validation failures; stack traces never cross
// this boundary.
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// listEnvelope wraps paginated collections.
type listEnvelope struct {
	Items  interface{} `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

func respondList(w http.ResponseWriter, items interface{}, opts store.ListOptions) {
	respondJSON(w, http.StatusOK, listEnvelope{Items: items, Limit: opts.Limit, Offset: opts.Offset})
}

// respondError maps the error taxonomy onto status codes and renders the
// structured body.
func respondError(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	status := statusFor(kind)

	body := errorBody{Code: kind.Code(), Message: err.Error()}
	var herr *errors.Error
	if stderrors.As(err, &herr) {
		body.Message = herr.Message()
		body.Details = herr.Details()
		if ra := herr.RetryAfter(); ra > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds())))
		}
	}
	if status == http.StatusInternalServerError {
		// Internal causes are logged, not exposed.
		log.Errorf("api: %v", err)
		body.Message = "internal error"
		body.Details = nil
	}
	respondJSON(w, status, body)
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation, errors.KindTemplateRender:
		return http.StatusBadRequest
	case errors.KindUnauthenticated:
		return http.StatusUnauthorized
	case errors.KindForbidden:
		return http.StatusForbidden
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindConnector, errors.KindTransport:
		return http.StatusBadGateway
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func notFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, errors.NewNotFound("route", r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: r.Method + " is not supported on " + r.URL.Path,
	})
}

// decodeBody reads a JSON request into v. A body over the configured size
// cap fails the read and is rejected as validation, per the boundary rule
// that the cap is the last accepted byte.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewValidation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return errors.NewValidation("malformed request body: %v", err)
	}
	return nil
}

// decodeValidBody decodes into v and then enforces its validate tags,
// reporting every failing field in the error details.
func decodeValidBody(r *http.Request, v interface{}) error {
	if err := decodeBody(r, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			verr := errors.NewValidation("request failed validation")
			for _, fe := range fieldErrs {
				verr = verr.WithDetail(fe.Field(), fe.Tag())
			}
			return verr
		}
		return errors.NewValidation("request failed validation: %v", err)
	}
	return nil
}

// listOptions reads the limit and offset query parameters.
func listOptions(r *http.Request) (store.ListOptions, error) {
	var opts store.ListOptions
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, errors.NewValidation("invalid limit %q", raw)
		}
		opts.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, errors.NewValidation("invalid offset %q", raw)
		}
		opts.Offset = n
	}
	return opts.Normalize(), nil
}

// pathID returns the {id} route variable.
func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
