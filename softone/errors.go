package softone

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth      Kind = "auth"
	KindTransient Kind = "transient"
	KindBusiness  Kind = "business"
)

// SoftOne error codes that mean the session or credentials were rejected.
const (
	codeInvalidCredentials = -100
	codeSessionExpired     = -101
)

type Error struct {
	Kind    Kind
	Service string
	Code    int
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("softone %s (%s, code %d): %s", e.Service, e.Kind, e.Code, msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("softone %s (%s, http %d): %s", e.Service, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("softone %s (%s): %s", e.Service, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Anything that is not a *Error is transient.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsBusiness(err error) bool {
	return err != nil && KindOf(err) == KindBusiness
}

func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return KindBusiness
	}
}

func kindForCode(code int) Kind {
	if code == codeInvalidCredentials || code == codeSessionExpired {
		return KindAuth
	}
	return KindBusiness
}
