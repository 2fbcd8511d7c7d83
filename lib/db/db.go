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

// Package db ties the driver connectors together and provides kind-agnostic
// connection and query execution entry points.
package db

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/infisical/pam-broker/lib/db/common"
	"github.com/infisical/pam-broker/lib/db/mysql"
	"github.com/infisical/pam-broker/lib/db/postgres"
	"github.com/infisical/pam-broker/lib/utils"
)

func init() {
	common.RegisterConnector(postgres.Connect, common.KindPostgres)
	common.RegisterConnector(mysql.Connect, common.KindMySQL)
}

// Connect opens a driver-level connection for the database kind selected by
// the config.
func Connect(ctx context.Context, config common.ConnectConfig) (common.Conn, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	connect, err := common.GetConnector(config.Kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := connect(ctx, config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// Execute opens a connection, runs a single statement on it and closes the
// connection again. This is the execution primitive of the tunneled query
// path where every query gets a fresh tunnel and thus a fresh connection.
func Execute(ctx context.Context, config common.ConnectConfig, sql string, params ...any) (*common.Result, error) {
	conn, err := Connect(ctx, config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil && !utils.IsOKNetworkError(err) {
			slog.DebugContext(ctx, "Failed to close database connection.", "error", err)
		}
	}()
	result, err := conn.Execute(ctx, sql, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}
