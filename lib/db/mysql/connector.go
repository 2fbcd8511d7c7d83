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

// Package mysql implements the MySQL database connector on top of the
// go-mysql client driver.
package mysql

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/db/common"
)

// pingQuery is a noop statement used to verify the connection is working.
const pingQuery = "SELECT 1"

// Connect opens a MySQL connection per the supplied config.
func Connect(ctx context.Context, config common.ConnectConfig) (common.Conn, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var options []client.Option
	if config.TLS != nil {
		tlsConfig := config.TLS
		options = append(options, func(conn *client.Conn) error {
			conn.SetTLSConfig(tlsConfig)
			return nil
		})
	}
	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := client.ConnectWithDialer(ctx, "tcp",
		net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		config.Username,
		config.Password,
		config.Database,
		dialer.DialContext,
		options...)
	if err != nil {
		return nil, trace.Wrap(common.ConvertError(err))
	}
	return &clientConn{conn: conn}, nil
}

// clientConn adapts a go-mysql client connection to the common.Conn
// interface.
type clientConn struct {
	conn *client.Conn
}

// Execute runs a single statement and normalizes its result. Parameterized
// statements go through a server-side prepared statement with all values
// passed as text.
func (c *clientConn) Execute(ctx context.Context, sql string, params ...any) (*common.Result, error) {
	args := make([]any, 0, len(params))
	for _, param := range params {
		if param == nil {
			args = append(args, nil)
			continue
		}
		args = append(args, fmt.Sprint(param))
	}
	result, err := c.conn.Execute(sql, args...)
	if err != nil {
		return nil, trace.Wrap(common.ConvertError(err))
	}
	return convertResult(result), nil
}

// Ping verifies the connection by issuing a noop query.
func (c *clientConn) Ping(ctx context.Context) error {
	if _, err := c.conn.Execute(pingQuery); err != nil {
		return trace.Wrap(common.ConvertError(err))
	}
	return nil
}

// Close terminates the connection.
func (c *clientConn) Close(ctx context.Context) error {
	return trace.Wrap(c.conn.Close())
}

// convertResult maps a driver result onto the normalized form. Column types
// are reported as their wire protocol type bytes in decimal, cell values as
// strings with nil for NULL. Statements that return no result set report
// the affected row count.
func convertResult(result *mysql.Result) *common.Result {
	if result.Resultset == nil {
		return &common.Result{RowCount: int(result.AffectedRows)}
	}
	out := &common.Result{
		RowCount: result.Resultset.RowNumber(),
	}
	for _, field := range result.Resultset.Fields {
		out.Fields = append(out.Fields, common.Field{
			Name:     string(field.Name),
			DataType: strconv.Itoa(int(field.Type)),
		})
	}
	for _, row := range result.Resultset.Values {
		cells := make([]any, len(row))
		for i, value := range row {
			switch v := value.Value().(type) {
			case nil:
			case []byte:
				cells[i] = string(v)
			default:
				cells[i] = fmt.Sprint(v)
			}
		}
		out.Rows = append(out.Rows, cells)
	}
	return out
}
