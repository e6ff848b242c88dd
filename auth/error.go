/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package auth

// Error is the authentication failure taxonomy.  User-visible text is
// produced at reply time, never here.
type Error int

const (
	ErrorNone Error = iota
	ErrorUserDisabled
	ErrorUserNonexisting
	ErrorIPDisallowed
	ErrorAuthMethodNotSupported
	ErrorInvalidCredentials
	ErrorInternal
)

func (e Error) String() string {
	switch e {
	case ErrorNone:
		return `none`
	case ErrorUserDisabled:
		return `user_disabled`
	case ErrorUserNonexisting:
		return `user_nonexisting`
	case ErrorIPDisallowed:
		return `ip_disallowed`
	case ErrorAuthMethodNotSupported:
		return `auth_method_not_supported`
	case ErrorInvalidCredentials:
		return `invalid_credentials`
	case ErrorInternal:
		return `internal`
	}
	return `unknown`
}

// Ok reports whether the value denotes success.
func (e Error) Ok() bool {
	return e == ErrorNone
}
