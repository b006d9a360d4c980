// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

/*
 * tunable variables
 */
const (
	NCPU       = 2         /* cpus */
	NPROC      = 64        /* max number of processes */
	NHANDLE    = 32        /* max handles per process */
	NFRAME     = 4096      /* physical page frames */
	DATASIZE   = 64 << 10  /* default image data region */
	MAXALLOC   = 16 << 20  /* largest single allocation */
	MAXFILE    = 1<<24 - 1 /* largest file */
	SOCKBUF    = 4096      /* socket receive buffer */
	CONSCOLS   = 80        /* console width */
	CONSROWS   = 25        /* console height */
	NCONSOLE   = 16        /* max consoles */
	NIMAGE     = 64        /* parsed images kept */
	MAXPATH    = 255       /* longest path or format string */
	CONNTIMEO  = 5 * time.Second
	NSTORAGEIO = 4 /* storage worker queue depth */
)

/*
 * exit statuses chosen by the kernel
 */
const (
	StatusKilled = 0x80 + 9
	StatusFault  = 0x80 + 11
)

// InputEmpty is what PollInput returns when no input is waiting.
const InputEmpty = ^uint64(0)

// Config holds the tunables of one System.
// The zero value of any field means its default.
type Config struct {
	CPUs           int           `yaml:"cpus"`
	MaxProcs       int           `yaml:"max_procs"`
	MaxHandles     int           `yaml:"max_handles"`
	Frames         int           `yaml:"frames"`
	DataSize       uint64        `yaml:"data_size"`
	MaxAlloc       uint64        `yaml:"max_alloc"`
	SockBuf        int           `yaml:"sock_buf"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DiskLatency    time.Duration `yaml:"disk_latency"`
	ConsoleCols    int           `yaml:"console_cols"`
	ConsoleRows    int           `yaml:"console_rows"`
	MaxConsoles    int           `yaml:"max_consoles"`
	ImageCache     int           `yaml:"image_cache"`
	Trace          bool          `yaml:"trace"`

	Logger hclog.Logger     `yaml:"-"`
	Clock  func() time.Time `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(file string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(file)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", file)
	}
	if err := cfg.check(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", file)
	}
	return cfg, nil
}

func (c *Config) check() error {
	switch {
	case c.CPUs < 0, c.MaxProcs < 0, c.MaxHandles < 0, c.Frames < 0,
		c.SockBuf < 0, c.ConsoleCols < 0, c.ConsoleRows < 0, c.MaxConsoles < 0,
		c.ImageCache < 0, c.ConnectTimeout < 0, c.DiskLatency < 0:
		return errors.New("negative tunable")
	}
	return nil
}

func (c *Config) fill() {
	def := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	def(&c.CPUs, NCPU)
	def(&c.MaxProcs, NPROC)
	def(&c.MaxHandles, NHANDLE)
	def(&c.Frames, NFRAME)
	def(&c.SockBuf, SOCKBUF)
	def(&c.ConsoleCols, CONSCOLS)
	def(&c.ConsoleRows, CONSROWS)
	def(&c.MaxConsoles, NCONSOLE)
	def(&c.ImageCache, NIMAGE)
	if c.DataSize == 0 {
		c.DataSize = DATASIZE
	}
	if c.MaxAlloc == 0 {
		c.MaxAlloc = MAXALLOC
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = CONNTIMEO
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
