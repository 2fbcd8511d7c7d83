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

package utils

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestIsOKNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "EOF",
			err:  io.EOF,
			want: true,
		},
		{
			name: "wrapped EOF",
			err:  trace.Wrap(io.EOF),
			want: true,
		},
		{
			name: "closed network connection",
			err:  net.ErrClosed,
			want: true,
		},
		{
			name: "closed network connection string",
			err:  errors.New("read tcp 127.0.0.1:0: use of closed network connection"),
			want: true,
		},
		{
			name: "other error",
			err:  errors.New("i/o timeout"),
			want: false,
		},
		{
			name: "aggregate of OK errors",
			err:  trace.NewAggregate(io.EOF, net.ErrClosed),
			want: true,
		},
		{
			name: "aggregate with one bad error",
			err:  trace.NewAggregate(io.EOF, errors.New("broken pipe")),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsOKNetworkError(tt.err))
		})
	}
}
