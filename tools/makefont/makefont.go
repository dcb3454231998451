// Command makefont rasterizes a TTF/OTF font into the kernel's embedded
// bitmap font.Font table (kernel/console/font), the same way gopher-os's
// tools/makelogo hand-traces a PNG/GIF/JPEG boot logo into a Go byte
// table. The generated file is plain Go data; no font parsing happens at
// kernel runtime.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"os"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	glyphWidth  = 8
	glyphHeight = 16
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[makefont] error: %s\n", err.Error())
	os.Exit(1)
}

// rasterize draws r at the requested pixel size using face and quantizes
// the coverage mask down to a glyphWidth x glyphHeight 1bpp bitmap, one
// byte per row with bit 7 the leftmost pixel.
func rasterize(face font.Face, r rune) [glyphHeight]byte {
	dr, mask, maskp, _, ok := face.Glyph(fixed.P(0, glyphHeight-4), r)
	var glyph [glyphHeight]byte
	if !ok {
		return glyph
	}

	bounds := dr
	for y := 0; y < glyphHeight; y++ {
		srcY := bounds.Min.Y + y
		if srcY < bounds.Min.Y || srcY >= bounds.Max.Y {
			continue
		}
		var row byte
		for x := 0; x < glyphWidth; x++ {
			srcX := bounds.Min.X + x
			if srcX < bounds.Min.X || srcX >= bounds.Max.X {
				continue
			}
			_, _, _, a := mask.At(maskp.X+srcX-bounds.Min.X, maskp.Y+srcY-bounds.Min.Y).RGBA()
			if a > 0x7FFF {
				row |= 1 << uint(7-x)
			}
		}
		glyph[y] = row
	}
	return glyph
}

func genFontFile(face font.Face, fontVar string, first, last rune) string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, `
package font

var %s = Font{
Name: %q,
FirstRune: %d,
LastRune: %d,
Glyphs: []Glyph{
`, fontVar, fontVar, first, last)

	for r := first; r <= last; r++ {
		g := rasterize(face, r)
		fmt.Fprint(&buf, "{")
		for _, b := range g {
			fmt.Fprintf(&buf, "0x%02x,", b)
		}
		fmt.Fprintf(&buf, "}, // %q\n", r)
	}

	fmt.Fprint(&buf, "},\n}\n")
	return buf.String()
}

func runTool() error {
	fontVar := flag.String("var-name", "Font8x16", "the name of the generated Font variable")
	size := flag.Float64("size", 14, "rasterization point size")
	output := flag.String("out", "-", "a file to write the generated font to, or - for STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "makefont: rasterize a ttf/otf font into an 8x16 console bitmap font\n\n")
		fmt.Fprint(os.Stderr, "Usage: makefont [options] font-file\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("missing font file argument"))
	}

	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return err
	}

	var face font.Face
	if parsed, ferr := opentype.Parse(raw); ferr == nil {
		face, err = opentype.NewFace(parsed, &opentype.FaceOptions{
			Size: *size,
			DPI:  72,
		})
	} else {
		var tt *truetype.Font
		tt, err = truetype.Parse(raw)
		if err != nil {
			return err
		}
		face = truetype.NewFace(tt, &truetype.Options{Size: *size})
	}
	if err != nil {
		return err
	}

	fontData := genFontFile(face, *fontVar, 0x20, 0x7E)

	fSet := token.NewFileSet()
	astFile, err := parser.ParseFile(fSet, "", fontData, parser.ParseComments)
	if err != nil {
		return err
	}

	switch *output {
	case "-":
		return printer.Fprint(os.Stdout, fSet, astFile)
	default:
		fOut, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer fOut.Close()
		return printer.Fprint(fOut, fSet, astFile)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
