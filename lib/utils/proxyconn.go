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
	"context"
	"io"

	"github.com/gravitational/trace"
)

// ProxyConn launches a double-copy loop that pumps bytes between the
// downstream and upstream connections.
//
// Returns when one or both copies stop, or when the context is canceled,
// and closes both connections. Errors that only indicate a normal
// connection close are dropped.
func ProxyConn(ctx context.Context, downstream, upstream io.ReadWriteCloser) error {
	errCh := make(chan error, 2)

	defer upstream.Close()
	defer downstream.Close()

	go func() {
		defer upstream.Close()
		defer downstream.Close()
		_, err := io.Copy(upstream, downstream)
		errCh <- err
	}()

	go func() {
		defer upstream.Close()
		defer downstream.Close()
		_, err := io.Copy(downstream, upstream)
		errCh <- err
	}()

	var errs []error
	for range 2 {
		select {
		case err := <-errCh:
			if err != nil && !IsOKNetworkError(err) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}

	return trace.NewAggregate(errs...)
}
