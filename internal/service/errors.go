package service

import (
	"errors"
	"fmt"
	"log"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountInactive    = errors.New("account inactive")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrConflict           = errors.New("conflict")
	ErrStorage            = errors.New("storage unavailable")
	ErrProvider           = errors.New("identity provider failure")
	ErrInvalidState       = errors.New("invalid authorization state")
)

// storageError logs the underlying failure and returns ErrStorage without it,
// so the detail never reaches a response.
func storageError(op string, err error) error {
	log.Printf("storage failure op=%s err=%v", op, err)
	return fmt.Errorf("%w: %s", ErrStorage, op)
}

func providerError(op string, err error) error {
	log.Printf("provider failure op=%s err=%v", op, err)
	return fmt.Errorf("%w: %s", ErrProvider, op)
}

func invalidRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
