package aws

import (
	"encoding/xml"
	"fmt"
)

const (
	manifestVersion = "2010-11-15"
	importerName    = "rehost"
	importerVersion = "1.0.0"
	importerRelease = "2024-06-01"
	fileFormatRaw   = "RAW"
	gib             = int64(1) << 30
)

// importManifest is the XML document EC2 VM import reads to reassemble a
// disk image from byte-range part objects.
type importManifest struct {
	XMLName         xml.Name       `xml:"manifest"`
	Version         string         `xml:"version"`
	FileFormat      string         `xml:"file-format"`
	Importer        importer       `xml:"importer"`
	SelfDestructURL string         `xml:"self-destruct-url"`
	Import          manifestImport `xml:"import"`
}

type importer struct {
	Name    string `xml:"name"`
	Version string `xml:"version"`
	Release string `xml:"release"`
}

type manifestImport struct {
	Size       int64         `xml:"size"`
	VolumeSize int64         `xml:"volume-size"`
	Parts      manifestParts `xml:"parts"`
}

type manifestParts struct {
	Count int            `xml:"count,attr"`
	Parts []manifestPart `xml:"part"`
}

type manifestPart struct {
	Index     int       `xml:"index,attr"`
	ByteRange byteRange `xml:"byte-range"`
	Key       string    `xml:"key"`
	HeadURL   string    `xml:"head-url"`
	GetURL    string    `xml:"get-url"`
	DeleteURL string    `xml:"delete-url"`
}

// byteRange is inclusive on both ends.
type byteRange struct {
	Start int64 `xml:"start,attr"`
	End   int64 `xml:"end,attr"`
}

func (r byteRange) Len() int64 { return r.End - r.Start + 1 }

// splitParts cuts size bytes into consecutive ranges of at most partSize.
func splitParts(size, partSize int64) []byteRange {
	if size <= 0 || partSize <= 0 {
		return nil
	}
	ranges := make([]byteRange, 0, (size+partSize-1)/partSize)
	for start := int64(0); start < size; start += partSize {
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		ranges = append(ranges, byteRange{Start: start, End: end})
	}
	return ranges
}

// volumeSizeGiB rounds size up to whole GiB, never below the declared size.
func volumeSizeGiB(size, declared int64) int64 {
	n := (size + gib - 1) / gib
	if n < declared {
		n = declared
	}
	if n < 1 {
		n = 1
	}
	return n
}

func newManifest(size, volumeGiB int64, selfDestructURL string, parts []manifestPart) *importManifest {
	return &importManifest{
		Version:    manifestVersion,
		FileFormat: fileFormatRaw,
		Importer: importer{
			Name:    importerName,
			Version: importerVersion,
			Release: importerRelease,
		},
		SelfDestructURL: selfDestructURL,
		Import: manifestImport{
			Size:       size,
			VolumeSize: volumeGiB,
			Parts:      manifestParts{Count: len(parts), Parts: parts},
		},
	}
}

func (m *importManifest) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode import manifest: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
