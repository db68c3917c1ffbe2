package api

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Operation describes one remote call. Build it with Get/Post and the With* helpers.
type Operation struct {
	Method      string
	Path        string // relative to the API root, e.g. "task/current"
	Query       url.Values
	Body        []byte
	ContentType string
	// Auth requires a bearer token; without one the call fails with ErrUnauthenticated.
	Auth bool

	err error
}

func Get(path string) Operation  { return Operation{Method: http.MethodGet, Path: path, Auth: true} }
func Post(path string) Operation { return Operation{Method: http.MethodPost, Path: path, Auth: true} }

// Public drops the token requirement.
func (op Operation) Public() Operation {
	op.Auth = false
	return op
}

func (op Operation) WithQuery(key, value string) Operation {
	q := url.Values{}
	for k, v := range op.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set(key, value)
	op.Query = q
	return op
}

func (op Operation) WithJSON(v any) Operation {
	b, err := json.Marshal(v)
	if err != nil {
		op.err = err
		return op
	}
	op.Body = b
	op.ContentType = "application/json"
	return op
}

func (op Operation) WithText(s string) Operation {
	op.Body = []byte(s)
	op.ContentType = "text/plain;charset=UTF-8"
	return op
}

func (op Operation) String() string { return op.Method + " " + op.Path }
