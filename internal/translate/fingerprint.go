package translate

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint digests everything that influences the output bytes: the
// normalized source, languages, provider/model/workflow selection, the
// output-influencing parameter hash and the prompt hash. Timeouts, retry
// counts and request ids never participate. Two requests with equal
// fingerprints must produce byte-identical results.
func (r *Request) Fingerprint() string {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	sourceLang := r.SourceLang
	if sourceLang == "" {
		sourceLang = "auto"
	}
	promptSum := sha256.Sum256([]byte(r.Prompt))

	writeField(normalizeSourceBytes(r.SourceBytes))
	writeField([]byte(sourceLang))
	writeField([]byte(r.TargetLang))
	writeField([]byte(r.Provider))
	writeField([]byte(r.Model))
	writeField([]byte(r.Workflow))
	writeField([]byte(r.Parameters.Hash()))
	writeField(promptSum[:])

	return hex.EncodeToString(h.Sum(nil))
}

// normalizeSourceBytes strips a UTF-8 BOM and normalizes CRLF so that
// transport-level differences do not split the cache.
func normalizeSourceBytes(b []byte) []byte {
	b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}
