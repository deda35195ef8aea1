package lightning

import (
	"encoding/base64"
	"strconv"

	"github.com/zeebo/blake3"
)

// InvoiceLabel derives the unique c-lightning label for an invoice carrying
// tag, created at unix-millisecond ts.
func InvoiceLabel(tag string, ts int64) string {
	sum := blake3.Sum256([]byte(tag + ":" + strconv.FormatInt(ts, 10)))
	return base64.StdEncoding.EncodeToString(sum[:])
}
