package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/kb-engine/backend/pkg/logger"
)

// maxImagePixels bounds the decoded size of a single embedded image.
const maxImagePixels = 40 << 20

var (
	dctFilter        = []byte("/DCTDecode")
	objKeyword       = []byte(" obj")
	streamKeyword    = []byte("stream")
	endstreamKeyword = []byte("endstream")
	jpegSOI          = []byte{0xFF, 0xD8}
	jpegEOI          = []byte{0xFF, 0xD9}

	widthField  = regexp.MustCompile(`/Width\s+(\d+)`)
	heightField = regexp.MustCompile(`/Height\s+(\d+)`)
)

func loadPDF(ctx context.Context, path string) (doc *Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	n := r.NumPage()
	doc = &Document{Paginated: true, Pages: make([]Page, 0, n)}
	jpegs := &dctStreams{path: path}
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			logger.Warn("Failed to extract page text",
				zap.String("path", path),
				zap.Int("page", i),
				zap.Error(err),
			)
		}

		doc.Pages = append(doc.Pages, Page{
			Number: i,
			Text:   text,
			Images: pageImages(p, path, jpegs),
		})
	}
	return doc, nil
}

// pageImages returns the page's image XObjects. JPEG streams are returned as
// stored; raw and Flate images are re-encoded as PNG. Anything else, such as
// JBIG2 or JPX, is skipped.
func pageImages(p pdf.Page, path string, jpegs *dctStreams) [][]byte {
	xobjects := p.Resources().Key("XObject")
	var out [][]byte
	for _, name := range xobjects.Keys() {
		x := xobjects.Key(name)
		if x.Key("Subtype").Name() != "Image" {
			continue
		}
		var (
			data []byte
			err  error
		)
		if filterName(x.Key("Filter")) == "DCTDecode" {
			data, err = jpegs.find(int(x.Key("Width").Int64()), int(x.Key("Height").Int64()), x.Key("Length").Int64())
		} else {
			data, err = encodeImage(x)
		}
		if err != nil {
			logger.Debug("Skipping embedded image",
				zap.String("path", path),
				zap.String("xobject", name),
				zap.Error(err),
			)
			continue
		}
		out = append(out, data)
	}
	return out
}

func encodeImage(x pdf.Value) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unsupported image stream: %v", r)
		}
	}()

	if f := filterName(x.Key("Filter")); f != "" && f != "FlateDecode" {
		return nil, fmt.Errorf("unsupported filter %s", f)
	}
	if bpc := x.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, fmt.Errorf("unsupported bits per component %d", bpc)
	}

	w, h := int(x.Key("Width").Int64()), int(x.Key("Height").Int64())
	if w <= 0 || h <= 0 || w*h > maxImagePixels {
		return nil, fmt.Errorf("unsupported dimensions %dx%d", w, h)
	}

	var components int
	switch x.Key("ColorSpace").Name() {
	case "DeviceRGB":
		components = 3
	case "DeviceGray":
		components = 1
	default:
		return nil, fmt.Errorf("unsupported color space %s", x.Key("ColorSpace"))
	}

	rc := x.Reader()
	defer rc.Close()
	raw := make([]byte, w*h*components)
	if _, err := io.ReadFull(rc, raw); err != nil {
		return nil, fmt.Errorf("failed to read image stream: %w", err)
	}

	var img image.Image
	if components == 1 {
		img = &image.Gray{Pix: raw, Stride: w, Rect: image.Rect(0, 0, w, h)}
	} else {
		rgba := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			rgba.SetNRGBA(i%w, i/w, color.NRGBA{R: raw[3*i], G: raw[3*i+1], B: raw[3*i+2], A: 0xff})
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func filterName(v pdf.Value) string {
	switch v.Kind() {
	case pdf.Name:
		return v.Name()
	case pdf.Array:
		if v.Len() == 1 {
			return v.Index(0).Name()
		}
		if v.Len() > 1 {
			return v.String()
		}
	}
	return ""
}

// dctStreams holds the JPEG streams of one PDF file keyed by image size. The
// pdf reader cannot decode DCTDecode, and a DCT stream is already a complete
// JPEG file, so the bytes are sliced out of the file as stored. The file is
// read on the first lookup.
type dctStreams struct {
	path   string
	loaded bool
	byDims map[[2]int][][]byte
}

func (d *dctStreams) find(w, h int, length int64) ([]byte, error) {
	if !d.loaded {
		d.loaded = true
		raw, err := os.ReadFile(d.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read PDF: %w", err)
		}
		d.byDims = indexDCTStreams(raw)
	}

	candidates := d.byDims[[2]int{w, h}]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no JPEG stream of %dx%d found", w, h)
	}
	for _, c := range candidates {
		// Length may count the end-of-line before endstream.
		if diff := length - int64(len(c)); diff >= 0 && diff <= 2 {
			return c, nil
		}
	}
	return candidates[0], nil
}

// indexDCTStreams scans raw PDF bytes for stream objects whose dictionary
// names the DCTDecode filter. Streams that do not start with a JPEG SOI
// marker, as in encrypted files, are left out.
func indexDCTStreams(raw []byte) map[[2]int][][]byte {
	out := make(map[[2]int][][]byte)
	for pos := 0; pos < len(raw); {
		i := bytes.Index(raw[pos:], dctFilter)
		if i < 0 {
			break
		}
		i += pos
		pos = i + len(dctFilter)

		start := bytes.LastIndex(raw[:i], objKeyword)
		s := bytes.Index(raw[i:], streamKeyword)
		if start < 0 || s < 0 {
			continue
		}
		s += i
		dict := raw[start:s]

		data := raw[s+len(streamKeyword):]
		if len(data) > 0 && data[0] == '\r' {
			data = data[1:]
		}
		if len(data) > 0 && data[0] == '\n' {
			data = data[1:]
		}
		end := bytes.Index(data, endstreamKeyword)
		if end < 0 {
			continue
		}
		data = data[:end]
		pos = s + len(streamKeyword) + end

		if eoi := bytes.LastIndex(data, jpegEOI); eoi >= 0 {
			data = data[:eoi+len(jpegEOI)]
		}
		if !bytes.HasPrefix(data, jpegSOI) {
			continue
		}
		w, h := intField(widthField, dict), intField(heightField, dict)
		if w <= 0 || h <= 0 {
			continue
		}
		key := [2]int{w, h}
		out[key] = append(out[key], data)
	}
	return out
}

func intField(re *regexp.Regexp, dict []byte) int {
	m := re.FindSubmatch(dict)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0
	}
	return n
}
