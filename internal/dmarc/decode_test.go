package dmarc

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return data
}

func TestDetect(t *testing.T) {
	xmlData := readFixture(t, "google.xml")

	assert.Equal(t, Gzipped, Detect(gzipBytes(t, "", xmlData)))
	assert.Equal(t, Zipped, Detect(zipBytes(t, map[string][]byte{"a.xml": xmlData})))
	assert.Equal(t, Zipped, Detect(zipBytes(t, nil)), "an empty archive still carries the end-of-directory magic")
	assert.Equal(t, NotCompressed, Detect(xmlData))
	assert.Equal(t, NotCompressed, Detect(nil))
}

func TestDecodeContainers(t *testing.T) {
	xmlData := readFixture(t, "google.xml")
	d := NewDecoder(0)

	tests := []struct {
		name     string
		filename string
		payload  []byte
		wantName string
	}{
		{
			name:     "plain xml",
			filename: "report.xml",
			payload:  xmlData,
			wantName: "report.xml",
		},
		{
			name:     "gzip with embedded name",
			filename: "report.xml.gz",
			payload:  gzipBytes(t, "google.com!example.com!1614902400!1614988799.xml", xmlData),
			wantName: "google.com!example.com!1614902400!1614988799.xml",
		},
		{
			name:     "gzip without embedded name",
			filename: "report.xml.gz",
			payload:  gzipBytes(t, "", xmlData),
			wantName: "report.xml",
		},
		{
			name:     "zip single member",
			filename: "report.zip",
			payload:  zipBytes(t, map[string][]byte{"inner.xml": xmlData}),
			wantName: "inner.xml",
		},
		{
			name:     "gzip under a misleading extension",
			filename: "report.xml",
			payload:  gzipBytes(t, "", xmlData),
			wantName: "report",
		},
		{
			name:     "zip under a misleading extension",
			filename: "report.gz",
			payload:  zipBytes(t, map[string][]byte{"inner.xml": xmlData}),
			wantName: "inner.xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := d.Decode(tt.filename, tt.payload)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, tt.wantName, files[0].Filename)
			assert.Equal(t, xmlData, files[0].Data)
		})
	}
}

func TestDecodeZipMembers(t *testing.T) {
	google := readFixture(t, "google.xml")
	outlook := readFixture(t, "outlook.xml")

	payload := zipBytes(t, map[string][]byte{
		"a.xml":      google,
		"b.XML":      outlook,
		"readme.txt": []byte("not a report"),
	})

	files, err := NewDecoder(0).Decode("bundle.zip", payload)
	require.NoError(t, err)
	require.Len(t, files, 2, "non-xml members are skipped")

	names := []string{files[0].Filename, files[1].Filename}
	assert.ElementsMatch(t, []string{"a.xml", "b.XML"}, names)
}

func TestDecodeErrors(t *testing.T) {
	xmlData := readFixture(t, "google.xml")

	tests := []struct {
		name       string
		maxSize    int64
		filename   string
		payload    []byte
		wantReason string
	}{
		{
			name:       "empty payload",
			filename:   "nothing.xml",
			payload:    nil,
			wantReason: "empty payload",
		},
		{
			name:       "empty zip archive",
			filename:   "empty.zip",
			payload:    zipBytes(t, nil),
			wantReason: "empty archive",
		},
		{
			name:       "zip without xml members",
			filename:   "notes.zip",
			payload:    zipBytes(t, map[string][]byte{"notes.txt": []byte("hello")}),
			wantReason: "archive holds no .xml members",
		},
		{
			name:       "truncated gzip",
			filename:   "broken.xml.gz",
			payload:    gzipBytes(t, "", xmlData)[:12],
			wantReason: "decompress",
		},
		{
			name:       "not xml",
			filename:   "photo.png",
			payload:    []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a},
			wantReason: "unsupported container",
		},
		{
			name:       "oversize gzip payload",
			maxSize:    64,
			filename:   "big.xml.gz",
			payload:    gzipBytes(t, "", xmlData),
			wantReason: "decompressed payload exceeds 64 bytes",
		},
		{
			name:       "oversize plain payload",
			maxSize:    64,
			filename:   "big.xml",
			payload:    xmlData,
			wantReason: "payload exceeds 64 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := NewDecoder(tt.maxSize).Decode(tt.filename, tt.payload)
			require.Error(t, err)
			assert.Nil(t, files)
			assert.True(t, IsDecodeError(err))

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.filename, de.Filename, "error names the offending archive")
			assert.Equal(t, tt.wantReason, de.Reason)
			assert.True(t, strings.Contains(err.Error(), tt.filename))
		})
	}
}

func TestDecodeThenParse(t *testing.T) {
	payload := zipBytes(t, map[string][]byte{"outlook.xml": readFixture(t, "outlook.xml")})

	files, err := NewDecoder(0).Decode("outlook.zip", payload)
	require.NoError(t, err)
	require.Len(t, files, 1)

	report, err := Parse(files[0].Data)
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.TotalMessages)
}
