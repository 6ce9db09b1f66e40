package peer

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/antithalian/spin/internal/cluster"
	"github.com/antithalian/spin/internal/object"
)

// multipartField is the form field carrying the payload on /add.
const multipartField = "data"

// Router builds the peer's HTTP surface.
func (e *Engine) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(e.log))

	r.HandleFunc("/add/{identifier}", e.handleAdd).Methods(http.MethodPost)
	r.HandleFunc("/get/{identifier}", e.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/del/{identifier}", e.handleDel).Methods(http.MethodPost)
	r.HandleFunc("/info", e.handleInfo).Methods(http.MethodPost)
	r.HandleFunc("/status", e.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return r
}

// requestLogger logs every request with its duration.
func requestLogger(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debugf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
		})
	}
}

// handleAdd stores a replica. Clients and replicating peers use the same
// endpoint: the payload arrives as the multipart form field "data" and is
// streamed to pinned/<digest> before the pin is recorded, log first.
func (e *Engine) handleAdd(w http.ResponseWriter, r *http.Request) {
	id, err := cluster.ParseObjectID(mux.Vars(r)["identifier"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	part, err := formFilePart(r, multipartField)
	if err != nil {
		http.Error(w, "missing multipart field \"data\"", http.StatusBadRequest)
		return
	}

	if err := e.objs.WritePinned(id.Digest, part); err != nil {
		if errors.Is(err, object.ErrDigestMismatch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.log.Errorf("storing %s: %v", id, err)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}

	if err := e.meta.AddPin(id); err != nil {
		e.log.Errorf("recording pin %s: %v", id, err)
		http.Error(w, "pin record failed", http.StatusInternalServerError)
		return
	}

	e.log.Infof("pinned %s", id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"object": id.String()})
}

// formFilePart walks the multipart stream until it finds the named field,
// so uploads are never buffered whole in memory or on a spill disk.
func formFilePart(r *http.Request, field string) (io.Reader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == field {
			return part, nil
		}
		part.Close()
	}
}

// handleGet serves an object. Lookup order: pin table, cache table, then
// (for client requests only) pull-through from a peer the worldview says
// holds it. Peer-originated requests, marked by a body equal to "peer",
// stop after the local tables so transfers are at most one hop.
func (e *Engine) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := cluster.ParseObjectID(mux.Vars(r)["identifier"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, 16))
	fromPeer := string(body) == cluster.PeerMarker

	if e.meta.HasPin(id.String()) {
		e.serveFile(w, e.objs.PinnedPath(id.Digest))
		return
	}

	if e.objs.HasCached(id.Digest) {
		e.serveFile(w, e.objs.CachedPath(id.Digest))
		return
	}

	if fromPeer {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if e.pullThrough(r, id) {
		e.serveFile(w, e.objs.CachedPath(id.Digest))
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

// pullThrough tries the worldview's holders in a fresh random order,
// caching the first successful fetch. Reports whether the object is now
// cached.
func (e *Engine) pullThrough(r *http.Request, id cluster.ObjectID) bool {
	holders := e.world.Holders(id.String(), e.cfg.WorldStaleness, e.now())
	if len(holders) == 0 {
		return false
	}

	rand.Shuffle(len(holders), func(i, j int) {
		holders[i], holders[j] = holders[j], holders[i]
	})

	for _, holder := range holders {
		p, ok := e.tab.Get(holder)
		if !ok {
			continue
		}

		rc, err := cluster.GetObject(r.Context(), p.URL()+"/get/"+id.String(), cluster.PeerMarker)
		if err != nil {
			e.log.Warnf("pull-through of %s from %s: %v", id, holder, err)
			continue
		}

		err = e.objs.WriteCached(id.Digest, rc)
		rc.Close()
		if err != nil {
			e.log.Warnf("caching %s from %s: %v", id, holder, err)
			continue
		}

		e.log.Infof("pulled %s through from %s", id, holder)
		return true
	}
	return false
}

func (e *Engine) serveFile(w http.ResponseWriter, path string) {
	f, err := os.Open(path)
	if err != nil {
		e.log.Errorf("opening %s: %v", path, err)
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		e.log.Warnf("streaming %s: %v", path, err)
	}
}

// handleDel removes a replica. A body equal to "drop" is a drop
// instruction from a replication controller and removes the local replica
// only; any other body is a client deletion, which additionally records a
// tombstone and clears the cache entry for the object's digest.
func (e *Engine) handleDel(w http.ResponseWriter, r *http.Request) {
	id, err := cluster.ParseObjectID(mux.Vars(r)["identifier"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, 16))
	drop := string(body) == cluster.DropMarker

	if !drop {
		if _, err := e.meta.AddTombstone(id.String()); err != nil {
			e.log.Errorf("tombstoning %s: %v", id, err)
			http.Error(w, "tombstone failed", http.StatusInternalServerError)
			return
		}
		// A deleted object must stop looking retrievable immediately;
		// gossip about it is suppressed by the tombstone from here on.
		e.world.Forget(id.String())
	}

	existed, stillReferenced, err := e.meta.RemovePin(id)
	if err != nil {
		e.log.Errorf("unpinning %s: %v", id, err)
		http.Error(w, "unpin failed", http.StatusInternalServerError)
		return
	}
	if existed && !stillReferenced {
		if err := e.objs.RemovePinned(id.Digest); err != nil {
			e.log.Errorf("removing %s: %v", id.Digest, err)
		}
	}

	if !drop {
		if err := e.objs.RemoveCached(id.Digest); err != nil {
			e.log.Errorf("removing cached %s: %v", id.Digest, err)
		}
	}

	if drop {
		e.log.Infof("dropped %s", id)
	} else {
		e.log.Infof("deleted %s", id)
	}
	w.WriteHeader(http.StatusOK)
}

// handleInfo ingests a gossip payload. Records for tombstoned objects are
// answered with a deletion callback to the claiming peer instead of being
// learned; everything else lands in the worldview stamped with a single
// receive time captured up front.
func (e *Engine) handleInfo(w http.ResponseWriter, r *http.Request) {
	received := e.now()

	var records []cluster.GossipRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, "malformed gossip payload", http.StatusBadRequest)
		return
	}

	for _, rec := range records {
		if rec.Object == "" || rec.Node == "" {
			continue
		}

		if e.meta.IsTombstoned(rec.Object) {
			e.notifyDeletion(r, rec)
			continue
		}

		e.world.Observe(rec.Object, rec.Node, received)
	}

	w.WriteHeader(http.StatusOK)
}

// notifyDeletion tells a peer still gossiping a tombstoned object to
// delete it. The callback carries no body, so the receiver tombstones too
// and the deletion keeps spreading one gossip exchange at a time.
func (e *Engine) notifyDeletion(r *http.Request, rec cluster.GossipRecord) {
	p, ok := e.tab.Get(rec.Node)
	if !ok {
		// Nothing to notify; the peer will come back through the registry
		// and be told on its next gossip.
		return
	}

	e.log.Infof("notifying %s that %s is deleted", rec.Node, rec.Object)
	if err := cluster.PostBody(r.Context(), p.URL()+"/del/"+rec.Object, ""); err != nil {
		e.log.Warnf("deletion notify to %s: %v", rec.Node, err)
	}
}

// statusResponse is the /status payload.
type statusResponse struct {
	Name       string       `json:"name"`
	Peers      int          `json:"peers"`
	Pins       int          `json:"pins"`
	Cached     int          `json:"cached"`
	Tombstones int          `json:"tombstones"`
	Worldview  int          `json:"worldview_objects"`
	Storage    object.Stats `json:"storage"`
}

func (e *Engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Name:       e.name,
		Peers:      e.tab.Count(),
		Pins:       e.meta.PinCount(),
		Cached:     e.objs.CacheCount(),
		Tombstones: e.meta.TombstoneCount(),
		Worldview:  e.world.ObjectCount(),
		Storage:    e.objs.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
