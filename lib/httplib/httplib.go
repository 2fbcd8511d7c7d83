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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/infisical/pam-broker/lib/defaults"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// Errors are written as JSON with the status code matching the trace error
// kind, successful results are written as JSON with status 200.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			trace.WriteError(w, err)
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val. The
// body is capped at defaults.MaxHTTPRequestSize.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, defaults.MaxHTTPRequestSize))
	if err != nil {
		return trace.BadParameter("failed to read request body: %v", err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to decode request body: %v", err)
	}
	return nil
}

// ConvertResponse converts an HTTP error to an internal error type based
// on the HTTP response code and body contents. Transport errors become
// connection problems so callers can tell an unreachable peer from a
// rejection.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			return nil, trace.ConnectionProblem(uerr.Err, "%v", uerr.Err)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return re, trace.ReadError(re.Code(), re.Bytes())
}
