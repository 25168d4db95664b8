/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtrlFifoAndLogFilePaths(t *testing.T) {
	rundirFlag = "/var/run"
	vridFlag = 7
	assert.Equal(t, "/var/run/uvrrpd_ctrl.7", ctrlFifoPath())
	assert.Equal(t, "/var/run/uvrrpd.7.log", logFilePath())
}

func TestLastStateDumpFindsMostRecentEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uvrrpd.7.log")
	content := `{"msg":"entered initial state","state":"init"}
{"msg":"state dump","vrid":7,"iface":"eth0","state":"backup","priority":100,"vips":["10.0.0.1"]}
{"msg":"state transition","from":"backup","to":"master"}
{"msg":"state dump","vrid":7,"iface":"eth0","state":"master","priority":100,"vips":["10.0.0.1"]}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	d, err := lastStateDump(path)
	require.NoError(t, err)
	assert.Equal(t, "master", d.State)
	assert.Equal(t, uint8(7), d.VRID)
	assert.Equal(t, []string{"10.0.0.1"}, d.VIPs)
}

func TestLastStateDumpErrorsWhenNoneFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uvrrpd.7.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"msg":"entered initial state"}`+"\n"), 0644))

	_, err := lastStateDump(path)
	assert.Error(t, err)
}
