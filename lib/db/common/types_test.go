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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-broker/lib/defaults"
)

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("postgres")
	require.NoError(t, err)
	require.Equal(t, KindPostgres, kind)

	kind, err = ParseKind("mysql")
	require.NoError(t, err)
	require.Equal(t, KindMySQL, kind)

	_, err = ParseKind("oracle")
	require.True(t, trace.IsBadParameter(err))

	_, err = ParseKind("")
	require.True(t, trace.IsBadParameter(err))
}

func TestCredentialsTLSConfig(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		conf, err := Credentials{Host: "db.example.com"}.TLSConfig()
		require.NoError(t, err)
		require.Nil(t, conf)
	})

	t.Run("verify off", func(t *testing.T) {
		conf, err := Credentials{
			Host:       "db.example.com",
			SSLEnabled: true,
		}.TLSConfig()
		require.NoError(t, err)
		require.NotNil(t, conf)
		require.True(t, conf.InsecureSkipVerify)
		require.Equal(t, "db.example.com", conf.ServerName)
		require.Nil(t, conf.RootCAs)
	})

	t.Run("verify on", func(t *testing.T) {
		conf, err := Credentials{
			Host:                  "db.example.com",
			SSLEnabled:            true,
			SSLRejectUnauthorized: true,
		}.TLSConfig()
		require.NoError(t, err)
		require.NotNil(t, conf)
		require.False(t, conf.InsecureSkipVerify)
	})

	t.Run("bad ca bundle", func(t *testing.T) {
		_, err := Credentials{
			Host:           "db.example.com",
			SSLEnabled:     true,
			SSLCertificate: "not a pem",
		}.TLSConfig()
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestConnectConfigCheckAndSetDefaults(t *testing.T) {
	conf := ConnectConfig{
		Kind: KindPostgres,
		Host: "localhost",
		Port: 5432,
	}
	require.NoError(t, conf.CheckAndSetDefaults())
	require.Equal(t, defaults.DatabaseConnectTimeout, conf.ConnectTimeout)

	for name, broken := range map[string]ConnectConfig{
		"bad kind":  {Kind: "oracle", Host: "localhost", Port: 5432},
		"no host":   {Kind: KindMySQL, Port: 3306},
		"zero port": {Kind: KindMySQL, Host: "localhost"},
		"huge port": {Kind: KindMySQL, Host: "localhost", Port: 70000},
	} {
		t.Run(name, func(t *testing.T) {
			require.True(t, trace.IsBadParameter(broken.CheckAndSetDefaults()))
		})
	}
}
