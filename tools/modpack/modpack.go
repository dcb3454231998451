// Command modpack packs one or more ELF module images, each tagged with a
// command-line string, into the flat module blob the bootloader hands to
// Kmain as the multiboot info payload's module list (see
// kernel/multiboot's Module/rawModule wire layout). It never runs inside
// the kernel image; it is a build-time packaging step, the direct
// counterpart of gopher-os's own build scripts that assemble the ISO.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// moduleTableEntry mirrors kernel/multiboot's rawModule layout: a physical
// address placeholder (patched by the bootloader at load time), a size and
// a pointer to a NUL-terminated command line. modpack writes offsets
// relative to the start of the blob; the bootloader relocates them once it
// knows where the blob landed in physical memory.
type moduleTableEntry struct {
	offset        uint64
	size          uint64
	cmdlineOffset uint64
}

var log = logrus.New()

func packModules(paths []string, cmdlines []string) ([]byte, error) {
	if len(paths) != len(cmdlines) {
		return nil, errors.New("internal error: path/cmdline count mismatch")
	}

	entries := make([]moduleTableEntry, len(paths))
	var blobs [][]byte
	var cmdlineBlobs [][]byte

	dataOffset := uint64(8 + len(paths)*24) // header + table; the cmdline strings start here

	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if len(data) < 4 || data[0] != 0x7F || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
			log.WithField("file", p).Warn("module does not look like an ELF image; packing anyway")
		}
		blobs = append(blobs, data)
		cmdlineBlobs = append(cmdlineBlobs, append([]byte(cmdlines[i]), 0))

		entries[i].size = uint64(len(data))
		log.WithFields(logrus.Fields{
			"module": p,
			"size":   len(data),
			"cmd":    cmdlines[i],
		}).Info("packed module")
	}

	// Lay out: header | table | cmdline strings | module data, so every
	// offset is computed before any bytes are written.
	cmdlineAreaStart := dataOffset
	cursor := cmdlineAreaStart
	for i := range entries {
		entries[i].cmdlineOffset = cursor
		cursor += uint64(len(cmdlineBlobs[i]))
	}
	dataAreaStart := cursor
	cursor = dataAreaStart
	for i := range entries {
		entries[i].offset = cursor
		cursor += uint64(len(blobs[i]))
	}

	out := make([]byte, 0, cursor)
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, uint64(len(paths)))
	out = append(out, header...)

	for _, e := range entries {
		row := make([]byte, 24)
		binary.LittleEndian.PutUint64(row[0:8], e.offset)
		binary.LittleEndian.PutUint64(row[8:16], e.size)
		binary.LittleEndian.PutUint64(row[16:24], e.cmdlineOffset)
		out = append(out, row...)
	}
	for _, c := range cmdlineBlobs {
		out = append(out, c...)
	}
	for _, b := range blobs {
		out = append(out, b...)
	}

	return out, nil
}

// moduleArg parses a "path[:cmdline]" argument, defaulting cmdline to the
// module's base filename when omitted.
func moduleArg(arg string) (path, cmdline string) {
	if idx := strings.IndexByte(arg, ':'); idx >= 0 {
		return arg[:idx], arg[idx+1:]
	}
	parts := strings.Split(arg, "/")
	return arg, parts[len(parts)-1]
}

func runTool() error {
	output := flag.String("out", "modules.img", "path to write the packed module blob to")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = func() {
		logrus.StandardLogger().Out.Write([]byte(
			"modpack: pack ELF modules + command lines into a multiboot module blob\n\n" +
				"Usage: modpack [options] module[:cmdline] [module[:cmdline] ...]\n"))
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() == 0 {
		return errors.New("at least one module argument is required")
	}

	var paths, cmdlines []string
	for _, arg := range flag.Args() {
		p, c := moduleArg(arg)
		paths = append(paths, p)
		cmdlines = append(cmdlines, c)
	}

	blob, err := packModules(paths, cmdlines)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*output, blob, 0644); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"out": *output, "bytes": len(blob), "modules": len(paths)}).Info("wrote module blob")
	return nil
}

func main() {
	if err := runTool(); err != nil {
		log.Fatal(err)
	}
}
