// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"rsc.io/gate/kernel"
)

func TestPackExtract(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc/motd"), []byte("hello\n"), 0o444))
	blob := make([]byte, 200)
	for i := range blob {
		blob[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), blob, 0o644))

	ar, err := pack(dir)
	require.NoError(t, err)
	img, err := imageFile("bin/srv=srv:7 8")
	require.NoError(t, err)
	ar.Files = append(ar.Files, img)
	data := txtar.Format(ar)

	// The kernel boots from the packed disk.
	sys, err := kernel.NewSystem(kernel.Config{Logger: hclog.NewNullLogger()}, data)
	require.NoError(t, err)
	defer sys.Shutdown()
	got, err := sys.Disk().ReadFile("blob")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	got, err = sys.Disk().ReadFile("bin/srv")
	require.NoError(t, err)
	parsed, err := kernel.ParseImage("bin/srv", got)
	require.NoError(t, err)
	assert.Equal(t, "srv", parsed.Entry)
	assert.Equal(t, []string{"7", "8"}, parsed.Args)

	out := t.TempDir()
	require.NoError(t, extract(data, out))
	got, err = os.ReadFile(filepath.Join(out, "blob"))
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	info, err := os.Stat(filepath.Join(out, "etc/motd"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}

func TestImageFileErrors(t *testing.T) {
	for _, bad := range []string{"", "bin/x", "=srv", "bin/x="} {
		_, err := imageFile(bad)
		assert.Error(t, err, "%q", bad)
	}
}
