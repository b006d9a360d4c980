// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

func newLogger(cfg *Config) hclog.Logger {
	l := cfg.Logger
	if l == nil {
		l = hclog.New(&hclog.LoggerOptions{
			Name:   "gate",
			Level:  hclog.Info,
			Output: os.Stderr,
		})
	}
	if cfg.Trace || os.Getenv("GATETRACE") != "" {
		l.SetLevel(hclog.Trace)
	}
	return l
}
