// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Gatedisk converts a host directory to the txtar disk format
// booted by gaterun, and back.
//
// Usage:
//
//	gatedisk [-o out.txtar] [-i path=entry[:args]]... dir
//	gatedisk -x [-o dir] disk.txtar
//
// The -o flag names the output file (default standard output),
// or with -x the directory to extract into (default _fs).
//
// The -i flag adds an image file at path that runs the built-in
// program entry, with optional space-separated default args.
//
// The -x flag inverts the operation: the argument is a txtar disk,
// and its files are written under the -o directory.
package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/tools/txtar"

	"rsc.io/gate/kernel"
)

var (
	outfile = pflag.StringP("out", "o", "", "write output to `file`")
	images  = pflag.StringArrayP("image", "i", nil, "add image `path=entry[:args]`")
	xflag   = pflag.BoolP("extract", "x", false, "extract txtar disk")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gatedisk [-o out.txtar] [-i path=entry[:args]]... dir\n")
	fmt.Fprintf(os.Stderr, "       gatedisk -x [-o dir] disk.txtar\n")
	os.Exit(2)
}

func main() {
	log.SetPrefix("gatedisk: ")
	log.SetFlags(0)
	pflag.Usage = usage
	pflag.Parse()
	args := pflag.Args()
	if len(args) != 1 {
		usage()
	}

	if *xflag {
		data, err := os.ReadFile(args[0])
		if err != nil {
			log.Fatal(err)
		}
		if *outfile == "" {
			*outfile = "_fs"
		}
		if err := extract(data, *outfile); err != nil {
			log.Fatal(err)
		}
		return
	}

	ar, err := pack(args[0])
	if err != nil {
		log.Fatal(err)
	}
	for _, def := range *images {
		f, err := imageFile(def)
		if err != nil {
			log.Fatal(err)
		}
		ar.Files = append(ar.Files, f)
	}
	sort.Slice(ar.Files, func(i, j int) bool { return ar.Files[i].Name < ar.Files[j].Name })

	out := txtar.Format(ar)
	if *outfile == "" {
		os.Stdout.Write(out)
		return
	}
	if err := os.WriteFile(*outfile, out, 0o666); err != nil {
		log.Fatal(err)
	}
}

// pack reads every regular file under dir into an archive.
func pack(dir string) (*txtar.Archive, error) {
	ar := new(txtar.Archive)
	err := filepath.WalkDir(dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.ContainsAny(name, " \n") {
			return errors.Errorf("%s: name contains space", file)
		}
		ar.Files = append(ar.Files, entry(name, uint32(info.Mode().Perm()), data))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "packing %s", dir)
	}
	return ar, nil
}

func entry(name string, mode uint32, data []byte) txtar.File {
	hdr := fmt.Sprintf("%s mode=%04o", name, mode)
	if kernel.NeedsBase64(data) {
		hdr += " base64=1"
		data = kernel.EncodeBase64(data)
	}
	return txtar.File{Name: hdr, Data: data}
}

// imageFile builds an image from path=entry[:args].
func imageFile(def string) (txtar.File, error) {
	p, rest, ok := strings.Cut(def, "=")
	if !ok || p == "" || rest == "" {
		return txtar.File{}, errors.Errorf("bad image %q", def)
	}
	name, args, _ := strings.Cut(rest, ":")
	img := &kernel.Image{Entry: name, Args: strings.Fields(args)}
	return entry(p, 0o755, kernel.FormatImage(img)), nil
}

func extract(data []byte, dir string) error {
	ar := txtar.Parse(data)
	for _, f := range ar.Files {
		fields := strings.Fields(f.Name)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		mode := fs.FileMode(0o666)
		body := f.Data
		for _, kv := range fields[1:] {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "mode":
				var m uint32
				if _, err := fmt.Sscanf(v, "%o", &m); err != nil {
					return errors.Errorf("%s: bad mode %s", name, v)
				}
				mode = fs.FileMode(m & 0o777)
			case "base64":
				if v != "1" {
					continue
				}
				dec, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
				if err != nil {
					return errors.Wrapf(err, "decoding %s", name)
				}
				body = dec
			}
		}
		targ := filepath.Join(dir, filepath.FromSlash(path.Clean("/" + name)))
		if err := os.MkdirAll(filepath.Dir(targ), 0o777); err != nil {
			return err
		}
		if err := os.WriteFile(targ, body, mode); err != nil {
			return err
		}
	}
	return nil
}
