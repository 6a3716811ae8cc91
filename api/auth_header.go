package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken returns the JWT carried by an Authorization header value.
func bearerToken(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(trimmed, bearerPrefix)
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader returns the Authorization header of req. Browsers cannot set
// headers on EventSource requests, so a token query parameter is accepted
// in its place.
func authHeader(req *http.Request) string {
	if h := req.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if token := req.URL.Query().Get("token"); token != "" {
		return bearerPrefix + token
	}
	return ""
}
