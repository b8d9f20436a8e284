package artifact

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	pdfutil "github.com/dharsanguruparan/Integrator/internal/pdf"
)

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func isFormat(path string, format, want model.FileFormat) bool {
	if format == want {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(filepath.Ext(path), "."), string(want))
}

// ContentHash hashes the artifact bytes. JSON documents stamped with a
// generator execution id have their "meta" object removed first so two
// emissions of the same logical document hash equal.
func ContentHash(data []byte, path string, format model.FileFormat) (string, error) {
	if !isFormat(path, format, model.FormatJSON) {
		return sha1Hex(data), nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", errors.Wrapf(err, "hash json document %s", filepath.Base(path))
	}
	if hasExecutionID(doc) {
		delete(doc, "meta")
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "re-encode json document")
	}
	return sha1Hex(canonical), nil
}

func hasExecutionID(doc map[string]any) bool {
	meta, _ := doc["meta"].(map[string]any)
	generator, _ := meta["generator"].(map[string]any)
	switch v := generator["execution_id"].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	default:
		return true
	}
}

// TextHash hashes the normalized text of a PDF. It returns a pointer to ""
// for a document without visible text and nil when the text cannot be
// decoded.
func TextHash(path string) (*string, error) {
	text, err := pdfutil.ExtractFile(path)
	if err != nil {
		return nil, err
	}
	normalized := pdfutil.Normalize(text)
	if normalized == "" {
		empty := ""
		return &empty, nil
	}
	h := sha1Hex([]byte(normalized))
	return &h, nil
}

// FileHashes computes both hashes for the file at path.
func FileHashes(path string, format model.FileFormat, computeText bool) (content string, text *string, textErr error, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "read %s", path)
	}
	content, err = ContentHash(data, path, format)
	if err != nil {
		return "", nil, nil, err
	}
	if computeText && isFormat(path, format, model.FormatPDF) {
		text, textErr = TextHash(path)
	}
	return content, text, textErr, nil
}
