package aggregator

import (
	"strings"

	"github.com/blackmichael/bluesky-aggregator/internal/kv"
)

// postRegistry is the bidirectional map between post URIs and their compact
// numeric ids. Ids, not URIs, live in the active-reference caches. Both
// directions persist to the store so recovery can rebuild the map.
type postRegistry struct {
	idByURI map[string]uint32
	uriByID map[uint32]string
	urlByID map[uint32]string // "" when the URI has no display URL
	nextID  uint32
}

func newPostRegistry() *postRegistry {
	return &postRegistry{
		idByURI: make(map[string]uint32),
		uriByID: make(map[uint32]string),
		urlByID: make(map[uint32]string),
		nextID:  1,
	}
}

func (r *postRegistry) id(uri string) (uint32, bool) {
	id, ok := r.idByURI[uri]
	return id, ok
}

func (r *postRegistry) uri(id uint32) (string, bool) {
	uri, ok := r.uriByID[id]
	return uri, ok
}

func (r *postRegistry) url(id uint32) string {
	return r.urlByID[id]
}

// ensure returns the id for uri, allocating and persisting a new one if the
// URI has not been seen before.
func (r *postRegistry) ensure(uri string, w kv.Writer) uint32 {
	if id, ok := r.idByURI[uri]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	r.adopt(uri, id, w)
	w.Put(keyNextPostID, r.nextID)
	return id
}

// adopt installs an existing uri/id pairing (used by ensure and by recovery
// backfill) and persists all three rows. Bumps nextID past the id if needed.
func (r *postRegistry) adopt(uri string, id uint32, w kv.Writer) {
	r.idByURI[uri] = id
	r.uriByID[id] = uri
	url := displayURL(uri)
	r.urlByID[id] = url

	w.Put(prefixPostID+uri, id)
	w.Put(prefixPostURI+idKey(id), uri)
	if url == "" {
		w.Put(prefixPostURL+idKey(id), nil)
	} else {
		w.Put(prefixPostURL+idKey(id), url)
	}

	if id >= r.nextID {
		r.nextID = id + 1
		w.Put(keyNextPostID, r.nextID)
	}
}

// remove drops the pairing for id and deletes its persisted rows.
func (r *postRegistry) remove(id uint32, w kv.Writer) {
	uri, ok := r.uriByID[id]
	if !ok {
		return
	}
	delete(r.idByURI, uri)
	delete(r.uriByID, id)
	delete(r.urlByID, id)

	w.Delete(prefixPostID + uri)
	w.Delete(prefixPostURI + idKey(id))
	w.Delete(prefixPostURL + idKey(id))
}

// displayURL derives the public web URL for a post URI, or "" if the URI does
// not point at a post record.
func displayURL(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[1] != "app.bsky.feed.post" || parts[0] == "" || parts[2] == "" {
		return ""
	}
	return "https://bsky.app/profile/" + parts[0] + "/post/" + parts[2]
}
