// Package testpdf builds small, valid PDF files for tests.
package testpdf

import (
	"bytes"
	"fmt"
	"strings"
)

// Image is an uncompressed 8-bit DeviceRGB image XObject.
type Image struct {
	Name          string // resource name used by "Do", e.g. "Im1"
	Width, Height int
	RGB           []byte
}

// Font is a standard Type 1 font resource with WinAnsiEncoding and no
// embedded program, e.g. {Name: "F1", BaseFont: "Helvetica"}.
type Font struct {
	Name     string
	BaseFont string
}

// Page describes one page of the generated document.
type Page struct {
	Width, Height float64
	Content       string
	Images        []Image
	Fonts         []Font
	// Rotate is written as the page's /Rotate entry when non-zero.
	Rotate int
}

// Letter returns an empty US Letter page.
func Letter() Page {
	return Page{Width: 612, Height: 792}
}

// Blank returns a document with n empty Letter pages.
func Blank(n int) []byte {
	pages := make([]Page, n)
	for i := range pages {
		pages[i] = Letter()
	}
	return Build(pages...)
}

// Build serializes pages into a PDF with a classic xref table.
func Build(pages ...Page) []byte {
	w := &writer{}
	w.buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	// Object numbers: 1 catalog, 2 page tree, then per page the page object,
	// its content stream and its images.
	next := 3
	type layout struct {
		page, content int
		images        []int
	}
	plan := make([]layout, len(pages))
	for i, p := range pages {
		plan[i].page, plan[i].content = next, next+1
		next += 2
		for range p.Images {
			plan[i].images = append(plan[i].images, next)
			next++
		}
	}

	w.object(1, "<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", plan[i].page)
	}
	w.object(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))

	for i, p := range pages {
		var xobjects strings.Builder
		for j, img := range p.Images {
			fmt.Fprintf(&xobjects, " /%s %d 0 R", img.Name, plan[i].images[j])
		}
		var res strings.Builder
		res.WriteString("<<")
		if xobjects.Len() > 0 {
			fmt.Fprintf(&res, " /XObject <<%s >>", xobjects.String())
		}
		if len(p.Fonts) > 0 {
			res.WriteString(" /Font <<")
			for _, f := range p.Fonts {
				fmt.Fprintf(&res, " /%s << /Type /Font /Subtype /Type1 /BaseFont /%s /Encoding /WinAnsiEncoding >>", f.Name, f.BaseFont)
			}
			res.WriteString(" >>")
		}
		res.WriteString(" >>")
		rotate := ""
		if p.Rotate != 0 {
			rotate = fmt.Sprintf(" /Rotate %d", p.Rotate)
		}
		w.object(plan[i].page, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %g %g]%s /Resources %s /Contents %d 0 R >>",
			p.Width, p.Height, rotate, res.String(), plan[i].content))
		w.stream(plan[i].content, "", []byte(p.Content))
		for j, img := range p.Images {
			w.stream(plan[i].images[j], fmt.Sprintf(
				"/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8",
				img.Width, img.Height), img.RGB)
		}
	}
	return w.finish(next)
}

type writer struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func (w *writer) begin(num int) {
	if w.offsets == nil {
		w.offsets = make(map[int]int)
	}
	w.offsets[num] = w.buf.Len()
	fmt.Fprintf(&w.buf, "%d 0 obj\n", num)
}

func (w *writer) object(num int, body string) {
	w.begin(num)
	w.buf.WriteString(body)
	w.buf.WriteString("\nendobj\n")
}

func (w *writer) stream(num int, dict string, data []byte) {
	w.begin(num)
	fmt.Fprintf(&w.buf, "<< %s /Length %d >>\nstream\n", dict, len(data))
	w.buf.Write(data)
	w.buf.WriteString("\nendstream\nendobj\n")
}

func (w *writer) finish(size int) []byte {
	xref := w.buf.Len()
	fmt.Fprintf(&w.buf, "xref\n0 %d\n", size)
	w.buf.WriteString("0000000000 65535 f \n")
	for i := 1; i < size; i++ {
		fmt.Fprintf(&w.buf, "%010d 00000 n \n", w.offsets[i])
	}
	fmt.Fprintf(&w.buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, xref)
	return w.buf.Bytes()
}
