package datastream

// RequestType is the enumerated destination kind carried in a
// ConnectRequest's data section.
type RequestType uint16

const (
	TypeHTTP      RequestType = 0
	TypeWebSocket RequestType = 1
	TypeTCP       RequestType = 2
)

// MetadataEntry is one (key, val) pair in a request or response's
// ordered metadata list.
type MetadataEntry struct {
	Key string
	Val string
}

// Request is the decoded form of a framed ConnectRequest.
type Request struct {
	Dest     string
	Type     RequestType
	Metadata []MetadataEntry
}

// Response is the in-memory form of a ConnectResponse before framing.
type Response struct {
	Error    string
	Metadata []MetadataEntry
}

// Get returns the value of the first metadata entry with the given key,
// and whether it was found. Lookup is case-sensitive (spec.md §4.C).
func (r *Request) Get(key string) (string, bool) {
	for _, e := range r.Metadata {
		if e.Key == key {
			return e.Val, true
		}
	}
	return "", false
}

// Method returns the HttpMethod metadata entry, or "" if absent.
func (r *Request) Method() string {
	v, _ := r.Get("HttpMethod")
	return v
}

// Host returns the HttpHost metadata entry, or "" if absent.
func (r *Request) Host() string {
	v, _ := r.Get("HttpHost")
	return v
}
