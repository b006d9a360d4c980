// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kernel

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/tools/txtar"
)

// An Image is a loadable program description.
//
// On disk an image is a txtar archive. Its comment holds
// "key: value" lines: entry names the registered program
// (required), data gives the data region size, and args
// gives default arguments. A file named "data" in the
// archive is the initial contents of the data region.
type Image struct {
	Path     string
	Entry    string
	DataSize uint64
	Args     []string
	Data     []byte
}

type imageKey struct {
	path string
	gen  uint64
}

// ParseImage parses the image file data read from path.
func ParseImage(path string, data []byte) (*Image, error) {
	ar := txtar.Parse(data)
	img := &Image{Path: path}
	for i, line := range strings.Split(string(ar.Comment), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("%s:%d: malformed line %q", path, i+1, line)
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		default:
			return nil, errors.Errorf("%s:%d: unknown key %q", path, i+1, k)
		case "entry":
			img.Entry = v
		case "data":
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: data size", path, i+1)
			}
			img.DataSize = n
		case "args":
			img.Args = strings.Fields(v)
		}
	}
	if img.Entry == "" {
		return nil, errors.Errorf("%s: no entry", path)
	}
	for _, f := range ar.Files {
		if f.Name == "data" {
			img.Data = f.Data
		}
	}
	if img.DataSize != 0 && uint64(len(img.Data)) > img.DataSize {
		return nil, errors.Errorf("%s: data larger than data region", path)
	}
	return img, nil
}

// FormatImage returns the on-disk form of img.
func FormatImage(img *Image) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "entry: %s\n", img.Entry)
	if img.DataSize != 0 {
		fmt.Fprintf(&buf, "data: %d\n", img.DataSize)
	}
	if len(img.Args) > 0 {
		fmt.Fprintf(&buf, "args: %s\n", strings.Join(img.Args, " "))
	}
	ar := &txtar.Archive{Comment: buf.Bytes()}
	if len(img.Data) > 0 {
		ar.Files = append(ar.Files, txtar.File{Name: "data", Data: img.Data})
	}
	return txtar.Format(ar)
}

// image returns the parsed image at path.
// Parses are cached until the file changes.
func (sys *System) image(path string) (*Image, error) {
	data, mode, gen, ok := sys.disk.stat(path)
	if !ok {
		return nil, errors.Errorf("%s: not found", path)
	}
	if mode&_IEXEC == 0 {
		return nil, errors.Errorf("%s: not executable", path)
	}
	key := imageKey{path, gen}
	if img, ok := sys.images.Get(key); ok {
		return img, nil
	}
	img, err := ParseImage(path, data)
	if err != nil {
		return nil, err
	}
	sys.images.Add(key, img)
	return img, nil
}
