package peer

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antithalian/spin/internal/cluster"
	"github.com/antithalian/spin/internal/registry"
)

// serveEngine exposes the engine's router over httptest.
func serveEngine(t *testing.T, e *Engine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(e.Router())
	t.Cleanup(srv.Close)
	return srv
}

// multipartBody builds an /add request body with the payload under field.
func multipartBody(t *testing.T, field string, payload []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "upload")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func addObject(t *testing.T, srv *httptest.Server, id cluster.ObjectID, payload []byte) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, "data", payload)
	resp, err := http.Post(srv.URL+"/add/"+id.String(), contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getObject(t *testing.T, srv *httptest.Server, id string, marker string) *http.Response {
	t.Helper()
	var body io.Reader
	if marker != "" {
		body = strings.NewReader(marker)
	}
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/get/"+id, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func postDel(t *testing.T, srv *httptest.Server, id string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/del/"+id, "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestHandleAdd tests the upload path (scenario: ADD then GET on the same
// peer returns the bytes verbatim)
func TestHandleAdd(t *testing.T) {
	t.Run("add then get round-trips", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
		id := cluster.NewObjectID(cluster.Digest(payload))

		resp := addObject(t, srv, id, payload)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var echo map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&echo))
		assert.Equal(t, id.String(), echo["object"])

		get := getObject(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, get.StatusCode)
		got, err := io.ReadAll(get.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		// The returned bytes hash to the identifier's digest component.
		assert.Equal(t, id.Digest, cluster.Digest(got))
	})

	t.Run("missing data field is 400", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("x")))
		body, contentType := multipartBody(t, "wrong", []byte("x"))
		resp, err := http.Post(srv.URL+"/add/"+id.String(), contentType, body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non-multipart body is 400", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("x")))
		resp, err := http.Post(srv.URL+"/add/"+id.String(), "text/plain", strings.NewReader("raw"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed identifier is 400", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		body, contentType := multipartBody(t, "data", []byte("x"))
		resp, err := http.Post(srv.URL+"/add/not-an-id", contentType, body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("digest mismatch is 400 and stores nothing", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("expected")))
		resp := addObject(t, srv, id, []byte("tampered"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.False(t, e.meta.HasPin(id.String()))
		assert.False(t, e.objs.HasPinnedFile(id.Digest))
	})
}

// TestHandleGet tests the read path fallbacks
func TestHandleGet(t *testing.T) {
	t.Run("unknown identifier is 404", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("missing")))
		resp := getObject(t, srv, id.String(), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed identifier is 400", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)
		resp := getObject(t, srv, "garbage", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("cache hit serves without a pin", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte("cache me")
		id := cluster.NewObjectID(cluster.Digest(payload))
		require.NoError(t, e.objs.WriteCached(id.Digest, bytes.NewReader(payload)))

		resp := getObject(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got, _ := io.ReadAll(resp.Body)
		assert.Equal(t, payload, got)
	})

	t.Run("peer marker suppresses pull-through", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		// The worldview knows a holder, but a peer-originated request
		// must not chain another hop.
		id := cluster.NewObjectID(cluster.Digest([]byte("remote")))
		holder := newRecordingPeer(t, nil)
		e.tab.ReplaceAll([]registry.Peer{holder.tableEntry(t, "holder")})
		e.world.Observe(id.String(), "holder", e.now())

		resp := getObject(t, srv, id.String(), cluster.PeerMarker)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Empty(t, holder.requests())
	})
}

// TestPullThrough tests the client read path against a remote holder
// (scenario: a peer fetches from the holder once, then serves from cache)
func TestPullThrough(t *testing.T) {
	payload := []byte("pulled bytes")
	id := cluster.NewObjectID(cluster.Digest(payload))

	e := newTestEngine(t)
	srv := serveEngine(t, e)

	fetches := 0
	holder := newRecordingPeer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != cluster.PeerMarker {
			t.Errorf("Expected peer marker on pull-through, got %q", body)
		}
		fetches++
		_, _ = w.Write(payload)
	})

	e.tab.ReplaceAll([]registry.Peer{holder.tableEntry(t, "holder-1")})
	e.world.Observe(id.String(), "holder-1", e.now())

	t.Run("first get pulls and caches", func(t *testing.T) {
		resp := getObject(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got, _ := io.ReadAll(resp.Body)
		assert.Equal(t, payload, got)
		assert.True(t, e.objs.HasCached(id.Digest))
		assert.Equal(t, 1, fetches)
	})

	t.Run("second get serves from cache", func(t *testing.T) {
		resp := getObject(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got, _ := io.ReadAll(resp.Body)
		assert.Equal(t, payload, got)
		assert.Equal(t, 1, fetches, "holder must not be contacted again")
	})

	t.Run("all holders failing is 404", func(t *testing.T) {
		other := cluster.NewObjectID(cluster.Digest([]byte("gone")))
		e.world.Observe(other.String(), "holder-dead", e.now())
		e.tab.ReplaceAll([]registry.Peer{{UUID: "holder-dead", Host: "127.0.0.1", Port: 1}})

		resp := getObject(t, srv, other.String(), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestHandleDel tests both deletion variants
func TestHandleDel(t *testing.T) {
	t.Run("client deletion tombstones and removes everything", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte("delete me")
		id := cluster.NewObjectID(cluster.Digest(payload))
		addObject(t, srv, id, payload)
		require.NoError(t, e.objs.WriteCached(id.Digest, bytes.NewReader(payload)))

		resp := postDel(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.True(t, e.meta.IsTombstoned(id.String()))
		assert.False(t, e.meta.HasPin(id.String()))
		assert.False(t, e.objs.HasPinnedFile(id.Digest))
		assert.False(t, e.objs.HasCached(id.Digest))
	})

	t.Run("deletion is idempotent", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte("twice")
		id := cluster.NewObjectID(cluster.Digest(payload))
		addObject(t, srv, id, payload)

		first := postDel(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, first.StatusCode)
		second := postDel(t, srv, id.String(), "")
		require.Equal(t, http.StatusOK, second.StatusCode)

		assert.False(t, e.meta.HasPin(id.String()))
		assert.Equal(t, 1, e.meta.TombstoneCount())
	})

	t.Run("drop keeps no tombstone", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte("just a drop")
		id := cluster.NewObjectID(cluster.Digest(payload))
		addObject(t, srv, id, payload)

		resp := postDel(t, srv, id.String(), cluster.DropMarker)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.False(t, e.meta.HasPin(id.String()))
		assert.False(t, e.objs.HasPinnedFile(id.Digest))
		// A dropped peer may want the object again later; only a client
		// deletion forgets it permanently.
		assert.False(t, e.meta.IsTombstoned(id.String()))
	})

	t.Run("drop leaves the cache alone", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte("cached survivor")
		id := cluster.NewObjectID(cluster.Digest(payload))
		require.NoError(t, e.objs.WriteCached(id.Digest, bytes.NewReader(payload)))

		resp := postDel(t, srv, id.String(), cluster.DropMarker)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, e.objs.HasCached(id.Digest))
	})

	t.Run("shared digest keeps the file until the last pin", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		payload := []byte("shared bytes")
		first := cluster.NewObjectID(cluster.Digest(payload))
		second := cluster.NewObjectID(cluster.Digest(payload))
		addObject(t, srv, first, payload)
		addObject(t, srv, second, payload)

		postDel(t, srv, first.String(), "")
		assert.True(t, e.objs.HasPinnedFile(first.Digest), "second pin still references the bytes")

		postDel(t, srv, second.String(), "")
		assert.False(t, e.objs.HasPinnedFile(first.Digest))
	})
}

// TestHandleInfo tests gossip ingestion and tombstone suppression
func TestHandleInfo(t *testing.T) {
	postInfo := func(t *testing.T, srv *httptest.Server, records []cluster.GossipRecord) *http.Response {
		t.Helper()
		raw, err := json.Marshal(records)
		require.NoError(t, err)
		resp, err := http.Post(srv.URL+"/info", "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("records land in the worldview", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("gossiped")))
		resp := postInfo(t, srv, []cluster.GossipRecord{{Object: id.String(), Node: "peer-a"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		holders := e.world.Holders(id.String(), e.cfg.WorldStaleness, e.now())
		assert.Equal(t, []string{"peer-a"}, holders)
	})

	t.Run("tombstoned objects never re-enter the worldview", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("suppressed")))
		_, err := e.meta.AddTombstone(id.String())
		require.NoError(t, err)

		sender := newRecordingPeer(t, nil)
		e.tab.ReplaceAll([]registry.Peer{sender.tableEntry(t, "stale-peer")})

		resp := postInfo(t, srv, []cluster.GossipRecord{{Object: id.String(), Node: "stale-peer"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Empty(t, e.world.Holders(id.String(), e.cfg.WorldStaleness, e.now()))

		// The sender gets told to delete instead: a full deletion, so the
		// tombstone propagates.
		reqs := sender.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "/del/"+id.String(), reqs[0].Path)
		assert.Empty(t, reqs[0].Body)
	})

	t.Run("unknown sender is skipped quietly", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		id := cluster.NewObjectID(cluster.Digest([]byte("orphan")))
		_, err := e.meta.AddTombstone(id.String())
		require.NoError(t, err)

		resp := postInfo(t, srv, []cluster.GossipRecord{{Object: id.String(), Node: "nobody"}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("malformed payload is 400", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		resp, err := http.Post(srv.URL+"/info", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("empty records are ignored", func(t *testing.T) {
		e := newTestEngine(t)
		srv := serveEngine(t, e)

		resp := postInfo(t, srv, []cluster.GossipRecord{{Object: "", Node: ""}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 0, e.world.ObjectCount())
	})
}

// TestStatusAndHealth tests the diagnostic endpoints
func TestStatusAndHealth(t *testing.T) {
	e := newTestEngine(t)
	srv := serveEngine(t, e)

	payload := []byte("status payload")
	id := cluster.NewObjectID(cluster.Digest(payload))
	addObject(t, srv, id, payload)
	e.world.Observe("some-object", "peer-x", time.Now())

	t.Run("status reports counts", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var status statusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, e.Name(), status.Name)
		assert.Equal(t, 1, status.Pins)
		assert.Equal(t, 1, status.Worldview)
		assert.Equal(t, 1, status.Storage.PinnedFiles)
	})

	t.Run("health is 200", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
