package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/bidsmith-ai/bidsmith/engine/extract"
)

// idTextPrefix bounds how much record text feeds the identifier. Long
// near-duplicate texts that agree on the first 50 characters collide; that
// is an accepted cost of cheap id generation, kept for compatibility with
// previously ingested corpora.
const idTextPrefix = 50

// Metadata is caller-supplied context attached to every record derived
// from one workbook.
type Metadata struct {
	RFPID string
	Extra map[string]string
}

// StableID derives the deterministic content hash used as the vector store
// key. Identical metadata and record inputs always produce the same id,
// which is what makes re-ingestion idempotent.
func StableID(meta Metadata, rec extract.Record) string {
	prefix := rec.Text
	if runes := []rune(prefix); len(runes) > idTextPrefix {
		prefix = string(runes[:idTextPrefix])
	}
	key := strings.Join([]string{meta.RFPID, rec.Sheet, rec.Category, prefix}, "-")
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
