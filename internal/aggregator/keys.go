package aggregator

import (
	"encoding/json"
	"math"
	"strconv"
)

// Key layout in the embedded store. All values are JSON-encoded.
const (
	keyNextPostID = "meta:nextPostId"

	prefixPostID  = "postid:"  // postid:<uri> -> numeric post id
	prefixPostURI = "posturi:" // posturi:<id> -> uri
	prefixPostURL = "posturl:" // posturl:<id> -> display url or null
	prefixPost    = "post:"    // post:<uri>   -> PostStats
	prefixLike    = "like:"    // like:<did>/<rkey>   -> post id (legacy: uri)
	prefixRepost  = "repost:"  // repost:<did>/<rkey> -> post id (legacy: uri)
)

func idKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// decodeID parses a JSON-encoded post id. Returns false for anything that is
// not a positive integer in range.
func decodeID(raw []byte) (uint32, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	if n < 1 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, false
	}
	return uint32(n), true
}

// decodeRefValue parses a like:/repost: row value, which is either a numeric
// post id (current format) or a URI string (legacy format). Exactly one of id
// and uri is set when ok.
func decodeRefValue(raw []byte) (id uint32, uri string, ok bool) {
	if id, ok := decodeID(raw); ok {
		return id, "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return 0, s, true
	}
	return 0, "", false
}
