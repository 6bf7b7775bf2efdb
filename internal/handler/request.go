package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/auth"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

type retrier interface {
	Do(ctx context.Context, fn func() error) error
}

func retry(ctx context.Context, r retrier, fn func() error) error {
	if r == nil {
		return fn()
	}
	return r.Do(ctx, fn)
}

func actorFromRequest(r *http.Request) (domain.Actor, *AppError) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		return domain.Actor{}, ErrMissingToken
	}
	return actor, nil
}

// pathID parses a UUID path segment. A malformed id cannot name anything, so
// it is reported as not found.
func pathID(r *http.Request, name string) (uuid.UUID, *AppError) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, ErrResourceNotFound
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) *AppError {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ErrInvalidRequest
	}
	return nil
}

func pagination(r *http.Request) (limit, offset int, fields []FieldError) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields = append(fields, FieldError{Field: "limit", Message: "must be a non-negative integer"})
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields = append(fields, FieldError{Field: "offset", Message: "must be a non-negative integer"})
		}
		offset = n
	}
	return limit, offset, fields
}

type pageDTO struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
