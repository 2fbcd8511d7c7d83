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

// Package postgres implements the PostgreSQL database connector on top of
// the pgconn driver.
package postgres

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"

	"github.com/infisical/pam-broker/lib/db/common"
)

// pingQuery is a noop statement used to verify the connection is working.
const pingQuery = "SELECT 1"

// Connect opens a PostgreSQL connection per the supplied config.
func Connect(ctx context.Context, config common.ConnectConfig) (common.Conn, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	// The driver requires the config to be built by parsing a connection
	// string, so parse a minimal template and fill in the rest of the
	// parameters afterwards.
	connConfig, err := pgconn.ParseConfig(fmt.Sprintf("postgres://%v",
		net.JoinHostPort(config.Host, strconv.Itoa(config.Port))))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	connConfig.User = config.Username
	connConfig.Password = config.Password
	connConfig.Database = config.Database
	connConfig.TLSConfig = config.TLS
	connConfig.ConnectTimeout = config.ConnectTimeout
	// Pgconn adds fallbacks to retry the connection without TLS if the
	// TLS attempt fails. Reset them so the first failure surfaces as-is
	// instead of being masked by a second attempt.
	connConfig.Fallbacks = nil
	conn, err := pgconn.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, trace.Wrap(common.ConvertError(err))
	}
	return &clientConn{conn: conn}, nil
}

// clientConn adapts a pgconn connection to the common.Conn interface.
type clientConn struct {
	conn *pgconn.PgConn
}

// Execute runs a single statement and normalizes its result. Statements
// without parameters go over the simple query protocol, which permits
// multiple semicolon-separated statements; the result of the last one is
// returned. Parameterized statements use the extended protocol with all
// values passed in text format.
func (c *clientConn) Execute(ctx context.Context, sql string, params ...any) (*common.Result, error) {
	if len(params) == 0 {
		results, err := c.conn.Exec(ctx, sql).ReadAll()
		if err != nil {
			return nil, trace.Wrap(common.ConvertError(err))
		}
		if len(results) == 0 {
			return &common.Result{}, nil
		}
		last := results[len(results)-1]
		if last.Err != nil {
			return nil, trace.Wrap(common.ConvertError(last.Err))
		}
		return convertResult(last), nil
	}
	values := make([][]byte, 0, len(params))
	for _, param := range params {
		if param == nil {
			values = append(values, nil)
			continue
		}
		values = append(values, []byte(fmt.Sprint(param)))
	}
	result := c.conn.ExecParams(ctx, sql, values, nil, nil, nil).Read()
	if result.Err != nil {
		return nil, trace.Wrap(common.ConvertError(result.Err))
	}
	return convertResult(result), nil
}

// Ping verifies the connection by issuing a noop query.
func (c *clientConn) Ping(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, pingQuery).ReadAll(); err != nil {
		return trace.Wrap(common.ConvertError(err))
	}
	return nil
}

// Close terminates the connection gracefully.
func (c *clientConn) Close(ctx context.Context) error {
	return trace.Wrap(c.conn.Close(ctx))
}

// convertResult maps a driver result onto the normalized form. Column types
// are reported as their type OIDs in decimal, cell values as strings with
// nil for NULL.
func convertResult(result *pgconn.Result) *common.Result {
	out := &common.Result{
		RowCount: int(result.CommandTag.RowsAffected()),
	}
	for _, fd := range result.FieldDescriptions {
		out.Fields = append(out.Fields, common.Field{
			Name:     string(fd.Name),
			DataType: strconv.FormatUint(uint64(fd.DataTypeOID), 10),
		})
	}
	for _, row := range result.Rows {
		cells := make([]any, len(row))
		for i, cell := range row {
			if cell == nil {
				continue
			}
			cells[i] = string(cell)
		}
		out.Rows = append(out.Rows, cells)
	}
	return out
}
