package providers

import (
	"github.com/go-resty/resty/v2"
)

// Authenticator applies vendor authentication to an outgoing request.
type Authenticator interface {
	Apply(req *resty.Request)
}

// APIKeyAuth sends the key in a header, optionally behind a prefix ("Bearer ").
type APIKeyAuth struct {
	Header string
	Prefix string
	Key    string
}

// NewSimpleAPIKeyAuth creates header-based API key authentication
func NewSimpleAPIKeyAuth(key, header, prefix string) *APIKeyAuth {
	return &APIKeyAuth{Header: header, Prefix: prefix, Key: key}
}

func (a *APIKeyAuth) Apply(req *resty.Request) {
	req.SetHeader(a.Header, a.Prefix+a.Key)
}
