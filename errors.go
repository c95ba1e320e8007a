/*
Copyright © 2019 the AgriSync authors.
This file is part of AgriSync.

AgriSync is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

AgriSync is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with AgriSync.  If not, see <http://www.gnu.org/licenses/>.
*/

package agrisync

import (
	"errors"
	"fmt"
)

// BadInputError reports a malformed name, date or argument supplied by
// an operator or found in the archive.
type BadInputError struct {
	Msg string
}

func (e *BadInputError) Error() string { return "agrisync: " + e.Msg }

// UnavailableError reports that an acquisition is not yet published
// upstream. It is an expected condition, not a failure.
type UnavailableError struct {
	Product string
	Date    string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("agrisync: %s %s is not available upstream", e.Product, e.Date)
}

// TransientError wraps a failure that is worth retrying, such as a
// dropped connection or an upstream 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "agrisync: transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MissingCredentialError reports that a credential required by a
// product's upstream source is absent from the configuration bundle.
type MissingCredentialError struct {
	Key string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("agrisync: credential %q is not configured", e.Key)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
