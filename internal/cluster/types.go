// Package cluster provides the shared wire types and HTTP plumbing for the
// sPin peer network. See doc.go for complete package documentation.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// PeerMarker is the request body that marks a GET /get/{identifier} as
// originating from another peer rather than a client. A peer-originated GET
// is answered from local state only, never forwarded, so pull-through
// transfers are at most one hop.
const PeerMarker = "peer"

// DropMarker is the request body that marks a POST /del/{identifier} as a
// drop instruction from a peer's replication controller. A drop removes the
// local replica only; any other body is a client deletion, which tombstones
// the identifier globally.
const DropMarker = "drop"

// GossipRecord is one element of the array POSTed to a peer's /info
// endpoint, asserting that Node currently holds a pin for Object.
//
// Records carry no timestamp on the wire; the receiver stamps each record
// with its own receive time, so clock skew between peers never ages a
// record prematurely.
type GossipRecord struct {
	// Object is the pinned object's identifier in "uuid:digest" form.
	Object string `json:"object"`

	// Node is the name (UUID) of the peer holding the pin.
	Node string `json:"node"`
}

// Advertisement is the JSON datagram a peer sends to the name registry so
// that other peers and clients can discover it.
//
// The registry records the sender's address and the time of receipt; the
// payload itself carries only what the registry cannot observe.
type Advertisement struct {
	// Type tags the entry so sPin peers can be told apart from everything
	// else using the same registry. Example: "sPin"
	Type string `json:"type"`

	// Owner identifies who runs this peer. Informational only.
	Owner string `json:"owner"`

	// Port is the peer's HTTP port.
	Port int `json:"port"`

	// UUID is the peer's stable name.
	UUID string `json:"uuid"`
}

// RegistryEntry is one record of the registry's /query.json response.
//
// The registry aggregates adverts from arbitrary projects, so every field
// is optional on the wire; consumers validate per record and drop records
// missing what they need rather than failing the whole poll.
type RegistryEntry struct {
	// Type is the project tag from the advert.
	Type string `json:"type"`

	// UUID is the advertising peer's name.
	UUID string `json:"uuid"`

	// Name is the hostname the registry observed the advert from.
	Name string `json:"name"`

	// Port is the peer's HTTP port.
	Port int `json:"port"`

	// LastHeardFrom is when the registry last heard this peer, in seconds
	// since the epoch.
	LastHeardFrom float64 `json:"lastheardfrom"`
}

// Valid reports whether the entry carries everything a consumer needs to
// address the peer it describes.
func (e RegistryEntry) Valid() bool {
	return e.UUID != "" && e.Name != "" && e.Port > 0
}

// Addr returns the entry's "host:port" form.
func (e RegistryEntry) Addr() string {
	return fmt.Sprintf("%s:%d", e.Name, e.Port)
}

// httpClient is the shared HTTP client used for all peer-to-peer and
// registry communication. The 5-second timeout bounds every outbound call
// (gossip, pull-through, pin upload, registry poll) so an unresponsive peer
// cannot stall a background loop; the next tick retries with fresh state.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request to url and, when out is
// non-nil, decodes the JSON response into it.
//
// Returns nil only for a 2xx response; a non-2xx status is reported as an
// error so callers can treat delivery and rejection uniformly.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// PostBody sends a POST request with a literal string body, used for the
// /del drop and deletion notifications whose protocol is carried entirely
// in the body text.
func PostBody(ctx context.Context, url, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetJSON sends a GET request to url and decodes the JSON response into
// out. Used for registry polls and peer status queries.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// GetObject issues a GET for an object, optionally carrying a body marker
// (PeerMarker for peer-originated requests, "" for client requests), and
// returns the response body stream on success.
//
// The caller owns the returned ReadCloser and must close it.
func GetObject(ctx context.Context, url, marker string) (io.ReadCloser, error) {
	var body io.Reader = http.NoBody
	if marker != "" {
		body = strings.NewReader(marker)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, body)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}

	return resp.Body, nil
}

// PostMultipart uploads r as the named form field to url, streaming the
// payload through a pipe so large objects never sit in memory whole. This
// is the transport for both client ADDs and controller pin instructions.
func PostMultipart(ctx context.Context, url, field string, r io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile(field, field)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
