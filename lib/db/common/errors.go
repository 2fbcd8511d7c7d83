// Infisical PAM Broker
// Copyright (C) 2025 Infisical, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package common

import (
	"errors"
	"net"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// ConvertError converts database driver errors to trace errors so callers
// can branch on the error kind instead of driver internals.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	// Dial and socket failures keep their full context, the generic
	// unwrapping below would strip the net.OpError layer.
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return trace.ConnectionProblem(err, "%s", fmtEscape(err))
	}
	// Unwrap original error first.
	var traceErr *trace.TraceErr
	if errors.As(err, &traceErr) {
		return ConvertError(trace.Unwrap(err))
	}
	var pgErr pgError
	if errors.As(err, &pgErr) {
		return ConvertError(pgErr.Unwrap())
	}
	var c causer
	if errors.As(err, &c) {
		return ConvertError(c.Cause())
	}

	var pgDriverErr *pgconn.PgError
	var myDriverErr *mysql.MyError
	switch err := trace.Unwrap(err); {
	case errors.As(err, &pgDriverErr):
		return convertPostgresError(pgDriverErr)
	case errors.As(err, &myDriverErr):
		return convertMySQLError(myDriverErr)
	}
	return err // Return unmodified.
}

// convertPostgresError converts PostgreSQL driver errors to trace errors.
func convertPostgresError(err *pgconn.PgError) error {
	switch err.Code {
	case pgerrcode.InvalidAuthorizationSpecification, pgerrcode.InvalidPassword:
		return trace.AccessDenied("%s", fmtEscape(err))
	case pgerrcode.InvalidCatalogName:
		return trace.NotFound("%s", fmtEscape(err))
	}
	return err // Return unmodified.
}

// convertMySQLError converts MySQL driver errors to trace errors.
func convertMySQLError(err *mysql.MyError) error {
	switch err.Code {
	case mysql.ER_ACCESS_DENIED_ERROR, mysql.ER_DBACCESS_DENIED_ERROR:
		return trace.AccessDenied("%s", fmtEscape(err))
	case mysql.ER_BAD_DB_ERROR:
		return trace.NotFound("%s", fmtEscape(err))
	}
	return err // Return unmodified.
}

// fmtEscape escapes "%" in the original error message to prevent fmt from
// thinking some args are missing.
func fmtEscape(err error) string {
	return strings.ReplaceAll(err.Error(), "%", "%%")
}

// causer defines an interface for errors wrapped by the "errors" package.
type causer interface {
	Cause() error
}

// pgError defines an interface for errors wrapped by the Postgres driver.
type pgError interface {
	Unwrap() error
}
