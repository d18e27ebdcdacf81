// Package content classifies and validates candidate objects before they
// enter the upload queue, and computes the digest used for deduplication.
package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the coarse classification of an ingested object.
type Kind string

const (
	KindStructured Kind = "structured"
	KindBinary     Kind = "binary"
	KindOther      Kind = "other"
)

var structuredExts = map[string]struct{}{
	".json": {},
	".xml":  {},
	".csv":  {},
	".yaml": {},
	".yml":  {},
}

// Binary uploads are restricted to a small allow-list of known formats.
var binaryExts = map[string]struct{}{
	".pdf":  {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".zip":  {},
	".gz":   {},
	".xlsx": {},
	".docx": {},
}

// Classify maps a file name to a Kind by extension. Unknown extensions
// classify as KindOther and are still accepted downstream.
func Classify(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := structuredExts[ext]; ok {
		return KindStructured
	}
	if _, ok := binaryExts[ext]; ok {
		return KindBinary
	}
	return KindOther
}

// Validate reports whether the object content is acceptable for its
// classification. Structured candidates must be well-formed for their
// extension; binary candidates must carry an allow-listed extension;
// KindOther is always valid.
func Validate(name string, kind Kind, data []byte) bool {
	switch kind {
	case KindStructured:
		return validateStructured(name, data)
	case KindBinary:
		_, ok := binaryExts[strings.ToLower(filepath.Ext(name))]
		return ok
	default:
		return true
	}
}

func validateStructured(name string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return json.Valid(data)
	case ".xml":
		dec := xml.NewDecoder(bytes.NewReader(data))
		for {
			_, err := dec.Token()
			if err == io.EOF {
				return true
			}
			if err != nil {
				return false
			}
		}
	case ".csv":
		_, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		return err == nil
	case ".yaml", ".yml":
		var v any
		return yaml.Unmarshal(data, &v) == nil
	default:
		return json.Valid(data)
	}
}

// HashBytes returns the hex-encoded SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile streams the file at path through SHA-256 and returns the
// hex digest together with the byte count consumed.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
