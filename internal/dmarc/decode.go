package dmarc

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/charmbracelet/log"
)

// DefaultMaxXMLSize bounds a single decompressed XML payload.
const DefaultMaxXMLSize = 32 << 20

// Compression is the container type detected from magic bytes.
type Compression int

const (
	NotCompressed Compression = iota
	Zipped
	Gzipped
)

func (c Compression) String() string {
	switch c {
	case Zipped:
		return "zip"
	case Gzipped:
		return "gzip"
	default:
		return "xml"
	}
}

var (
	gzipMagic     = []byte{0x1f, 0x8b}
	zipMagic      = []byte{'P', 'K', 0x03, 0x04}
	zipEmptyMagic = []byte{'P', 'K', 0x05, 0x06}
	utf8BOM       = []byte{0xef, 0xbb, 0xbf}
)

// XMLFile is one decompressed XML payload and the name it was found under.
type XMLFile struct {
	Filename string
	Data     []byte
}

// Decoder reverses container compression. The filename is only used to
// name outputs and errors; the container type comes from magic bytes.
type Decoder struct {
	MaxSize int64
}

func NewDecoder(maxSize int64) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxXMLSize
	}
	return &Decoder{MaxSize: maxSize}
}

// Detect reports the container type of b.
func Detect(b []byte) Compression {
	switch {
	case bytes.HasPrefix(b, gzipMagic):
		return Gzipped
	case bytes.HasPrefix(b, zipMagic), bytes.HasPrefix(b, zipEmptyMagic):
		return Zipped
	default:
		return NotCompressed
	}
}

// Decode returns the XML payloads held by b. A zip archive may yield several
// members; gzip and plain XML yield exactly one.
func (d *Decoder) Decode(filename string, b []byte) ([]XMLFile, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Filename: filename, Reason: "empty payload"}
	}

	switch Detect(b) {
	case Gzipped:
		f, err := d.gunzip(filename, b)
		if err != nil {
			return nil, err
		}
		return []XMLFile{f}, nil
	case Zipped:
		return d.unzip(filename, b)
	}

	if int64(len(b)) > d.MaxSize {
		return nil, &DecodeError{Filename: filename, Reason: fmt.Sprintf("payload exceeds %d bytes", d.MaxSize)}
	}
	if !LooksLikeXML(b) {
		return nil, &DecodeError{Filename: filename, Reason: "unsupported container"}
	}
	return []XMLFile{{Filename: filename, Data: b}}, nil
}

func (d *Decoder) gunzip(filename string, b []byte) (XMLFile, error) {
	log.Debug("ungzipping report", "file", filename)

	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return XMLFile{}, &DecodeError{Filename: filename, Reason: "bad gzip stream", Err: err}
	}
	defer zr.Close()

	data, err := d.readLimited(filename, zr)
	if err != nil {
		return XMLFile{}, err
	}

	name := zr.Name
	if name == "" {
		name = strings.TrimSuffix(filename, path.Ext(filename))
	}
	return XMLFile{Filename: name, Data: data}, nil
}

func (d *Decoder) unzip(filename string, b []byte) ([]XMLFile, error) {
	log.Debug("unzipping report", "file", filename)

	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, &DecodeError{Filename: filename, Reason: "bad zip archive", Err: err}
	}
	if len(zr.File) == 0 {
		return nil, &DecodeError{Filename: filename, Reason: "empty archive"}
	}

	var files []XMLFile
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".xml") {
			log.Debug("skipping zip member", "archive", filename, "member", f.Name)
			continue
		}
		data, err := d.readZipMember(filename, f)
		if err != nil {
			return nil, err
		}
		total += int64(len(data))
		if total > d.MaxSize {
			return nil, &DecodeError{Filename: filename, Reason: fmt.Sprintf("archive content exceeds %d bytes", d.MaxSize)}
		}
		files = append(files, XMLFile{Filename: f.Name, Data: data})
	}

	if len(files) == 0 {
		return nil, &DecodeError{Filename: filename, Reason: "archive holds no .xml members"}
	}
	return files, nil
}

func (d *Decoder) readZipMember(filename string, f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, &DecodeError{Filename: filename, Reason: "open member " + f.Name, Err: err}
	}
	defer rc.Close()
	return d.readLimited(filename, rc)
}

func (d *Decoder) readLimited(filename string, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, d.MaxSize+1))
	if err != nil {
		return nil, &DecodeError{Filename: filename, Reason: "decompress", Err: err}
	}
	if int64(len(data)) > d.MaxSize {
		return nil, &DecodeError{Filename: filename, Reason: fmt.Sprintf("decompressed payload exceeds %d bytes", d.MaxSize)}
	}
	if len(data) == 0 {
		return nil, &DecodeError{Filename: filename, Reason: "decompressed payload is empty"}
	}
	return data, nil
}

// LooksLikeXML reports whether b starts with markup once a BOM and whitespace
// are stripped.
func LooksLikeXML(b []byte) bool {
	b = bytes.TrimPrefix(b, utf8BOM)
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '<'
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
