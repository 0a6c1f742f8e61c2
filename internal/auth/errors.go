package auth

import "errors"

// ErrUnauthorized indicates the request carried no usable credentials.
var ErrUnauthorized = errors.New("auth: unauthorized")
