// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("EPICS_PVA_ADDR_LIST", "10.0.0.1 10.0.0.2:5085")
	t.Setenv("EPICS_PVA_AUTO_ADDR_LIST", "NO")
	t.Setenv("EPICS_PVA_SERVER_PORT", "6075")
	t.Setenv("EPICS_PVA_BROADCAST_PORT", "not-a-port")

	cfg := ConfigFromEnv()
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2:5085"}, cfg.AddrList)
	assert.False(t, cfg.AutoAddrList)
	assert.Equal(t, uint16(6075), cfg.ServerPort)
	assert.Equal(t, DefaultBroadcastPort, cfg.BroadcastPort, "malformed values fall back to defaults")
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.AddrList)
	assert.True(t, cfg.AutoAddrList)
	assert.Equal(t, DefaultServerPort, cfg.ServerPort)
	assert.Equal(t, DefaultBroadcastPort, cfg.BroadcastPort)
}

func TestContextFromEnvCarriesConfig(t *testing.T) {
	t.Setenv("EPICS_PVA_ADDR_LIST", "192.168.1.10")

	srv := NewIsolatedServer()
	lb, err := NewLoopback(srv)
	require.NoError(t, err)
	c, err := NewContextFromEnv(lb)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"192.168.1.10"}, c.Config().AddrList)
}

func TestErrorCodesMatchWithErrorsIs(t *testing.T) {
	err := pvErrorf(CodeTimeout, "dev:x", "no response")

	assert.True(t, errors.Is(err, ErrPva))
	assert.True(t, errors.Is(err, &Error{Code: CodeTimeout}))
	assert.False(t, errors.Is(err, &Error{Code: CodeNotOpen}))
	assert.True(t, IsCode(err, CodeTimeout))
	assert.Equal(t, "Timeout: dev:x: no response", err.Error())
}
