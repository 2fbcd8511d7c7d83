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
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/require"
)

func TestConvertError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		assert func(error) bool
	}{
		{
			name: "pg invalid password",
			err: &pgconn.PgError{
				Code:    pgerrcode.InvalidPassword,
				Message: "password authentication failed for user \"alice\"",
			},
			assert: trace.IsAccessDenied,
		},
		{
			name: "pg invalid authorization",
			err: &pgconn.PgError{
				Code:    pgerrcode.InvalidAuthorizationSpecification,
				Message: "no pg_hba.conf entry for host",
			},
			assert: trace.IsAccessDenied,
		},
		{
			name: "pg unknown database",
			err: &pgconn.PgError{
				Code:    pgerrcode.InvalidCatalogName,
				Message: "database \"db-not-exist\" does not exist",
			},
			assert: trace.IsNotFound,
		},
		{
			name: "mysql access denied",
			err: &mysql.MyError{
				Code:    mysql.ER_ACCESS_DENIED_ERROR,
				Message: "Access denied for user 'alice'@'10.0.0.197' (using password: YES)",
				State:   "28000",
			},
			assert: trace.IsAccessDenied,
		},
		{
			name: "mysql database access denied",
			err: &mysql.MyError{
				Code:    mysql.ER_DBACCESS_DENIED_ERROR,
				Message: "Access denied for user 'alice'@'%' to database 'db-no-access'",
				State:   "42000",
			},
			assert: trace.IsAccessDenied,
		},
		{
			name: "mysql unknown database",
			err: &mysql.MyError{
				Code:    mysql.ER_BAD_DB_ERROR,
				Message: "Unknown database 'db-not-exist'",
				State:   "42000",
			},
			assert: trace.IsNotFound,
		},
		{
			name: "dial failure",
			err: &net.OpError{
				Op:  "dial",
				Net: "tcp",
				Err: errors.New("connection refused"),
			},
			assert: trace.IsConnectionProblem,
		},
		{
			name:   "wrapped pg error",
			err:    trace.Wrap(&pgconn.PgError{Code: pgerrcode.InvalidPassword}),
			assert: trace.IsAccessDenied,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			converted := ConvertError(test.err)
			require.Error(t, converted)
			require.True(t, test.assert(converted), "unexpected error kind: %v", converted)
		})
	}
}

func TestConvertErrorPassthrough(t *testing.T) {
	require.NoError(t, ConvertError(nil))

	// Errors the converter does not recognize come back unmodified.
	plain := errors.New("something else")
	require.Equal(t, plain, ConvertError(plain))

	unknownPG := &pgconn.PgError{Code: pgerrcode.QueryCanceled, Message: "canceling statement"}
	require.Equal(t, error(unknownPG), ConvertError(unknownPG))
}
