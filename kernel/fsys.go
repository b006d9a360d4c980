// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/tools/txtar"
)

const maxFiles = 1 << 12

// A Disk is a flat namespace of in-memory files,
// loaded from and saved to a txtar archive.
//
// Each archive file header is a path followed by optional k=v
// settings: mode=0644 sets the permission bits and base64=1
// says the body is base64 encoded.
type Disk struct {
	mu    sync.Mutex
	files map[string]*inode
	gen   uint64
}

type inode struct {
	mu   sync.RWMutex
	name string
	mode uint32
	data []byte
	gen  uint64 // changes on every write
}

const (
	_IREAD  = 0o400
	_IWRITE = 0o200
	_IEXEC  = 0o100
)

func newDisk(archive []byte) (*Disk, error) {
	d := &Disk{files: make(map[string]*inode)}
	ar := txtar.Parse(archive)
	for _, file := range ar.Files {
		f := strings.Fields(file.Name)
		if len(f) == 0 {
			return nil, errors.New("empty txtar file name")
		}
		name := f[0]
		mode := uint32(0o644)
		b64 := false
		for _, arg := range f[1:] {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return nil, errors.Errorf("invalid txtar k=v: %s", arg)
			}
			i, err := strconv.ParseInt(v, 0, 64)
			if err != nil {
				return nil, errors.Errorf("invalid txtar k=v: %s", arg)
			}
			switch k {
			default:
				return nil, errors.Errorf("invalid txtar k=v: %s", arg)
			case "mode":
				mode = uint32(i) & 0o777
			case "base64":
				b64 = i != 0
			}
		}
		data := file.Data
		if b64 {
			dec, err := base64.StdEncoding.DecodeString(string(data))
			if err != nil {
				return nil, errors.Wrapf(err, "%s: decoding", name)
			}
			data = dec
		}
		if err := d.WriteFile(name, data, mode); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Disk) namei(name string) *inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[name]
}

// maknode returns the inode for name, creating an empty one if needed.
func (d *Disk) maknode(name string, mode uint32) (*inode, Errno) {
	if name == "" || len(name) > MAXPATH || strings.ContainsAny(name, " \x00\n") {
		return nil, NotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ip := d.files[name]; ip != nil {
		return ip, 0
	}
	if len(d.files) >= maxFiles {
		return nil, ResourceExhausted
	}
	d.gen++
	ip := &inode{name: name, mode: mode, gen: d.gen}
	d.files[name] = ip
	return ip, 0
}

func (d *Disk) touch(ip *inode) {
	d.mu.Lock()
	d.gen++
	ip.gen = d.gen
	d.mu.Unlock()
}

// ReadFile returns a copy of the named file.
func (d *Disk) ReadFile(name string) ([]byte, error) {
	ip := d.namei(name)
	if ip == nil {
		return nil, errors.Wrap(os.ErrNotExist, name)
	}
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return bytes.Clone(ip.data), nil
}

// WriteFile replaces the named file's contents,
// creating it with mode if it does not exist.
func (d *Disk) WriteFile(name string, data []byte, mode uint32) error {
	ip, e := d.maknode(name, mode)
	if e != 0 {
		return errors.Wrap(e, name)
	}
	ip.mu.Lock()
	ip.data = bytes.Clone(data)
	ip.mode = mode & 0o777
	d.touch(ip)
	ip.mu.Unlock()
	return nil
}

// stat returns a copy of the file's contents, its mode and generation.
func (d *Disk) stat(name string) (data []byte, mode uint32, gen uint64, ok bool) {
	ip := d.namei(name)
	if ip == nil {
		return nil, 0, 0, false
	}
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return bytes.Clone(ip.data), ip.mode, ip.gen, true
}

// Names returns the sorted list of file names.
func (d *Disk) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var list []string
	for name := range d.files {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// Archive returns the disk contents in txtar form,
// suitable for passing back to NewSystem.
func (d *Disk) Archive() []byte {
	var buf bytes.Buffer
	for _, name := range d.Names() {
		ip := d.namei(name)
		if ip == nil {
			continue
		}
		ip.mu.RLock()
		c, mode := ip.data, ip.mode
		b64 := ""
		if NeedsBase64(c) {
			b64 = " base64=1"
			c = EncodeBase64(c)
		}
		fmt.Fprintf(&buf, "-- %s mode=%04o%s --\n%s", name, mode, b64, c)
		ip.mu.RUnlock()
	}
	return buf.Bytes()
}

// NeedsBase64 reports whether c cannot be stored as a txtar body verbatim.
func NeedsBase64(c []byte) bool {
	if len(c) == 0 {
		return false
	}
	return !utf8.Valid(c) || bytes.HasPrefix(c, []byte("-- ")) || bytes.Contains(c, []byte("\n-- ")) || !bytes.HasSuffix(c, []byte("\n"))
}

// EncodeBase64 encodes c as a base64=1 body, 70 columns to a line.
func EncodeBase64(c []byte) []byte {
	text := base64.StdEncoding.EncodeToString(c)
	var buf bytes.Buffer
	for len(text) > 70 {
		buf.WriteString(text[:70])
		buf.WriteByte('\n')
		text = text[70:]
	}
	buf.WriteString(text)
	buf.WriteByte('\n')
	return buf.Bytes()
}
