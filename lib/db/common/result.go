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

// Field describes one column of a result set.
type Field struct {
	// Name is the column name reported by the database.
	Name string `json:"name"`
	// DataType is the driver's native column type identifier rendered as
	// a decimal string: the type OID for PostgreSQL, the column type byte
	// for MySQL.
	DataType string `json:"dataType"`
}

// Result is the normalized outcome of a single SQL statement, shared by all
// driver connectors.
type Result struct {
	// Fields describe the result columns in wire order. Empty for
	// statements that return no rows.
	Fields []Field `json:"fields"`
	// Rows hold the result cells, row-major and aligned to Fields. Cell
	// values are strings, or nil for SQL NULL.
	Rows [][]any `json:"rows"`
	// RowCount is the driver-reported number of returned or affected
	// rows, zero when the driver reports none.
	RowCount int `json:"rowCount"`
}
