package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"mujmap/internal/index"
	"mujmap/internal/jmapclient"
	"mujmap/internal/statestore"
	"mujmap/internal/store"
	"mujmap/internal/tagmap"

	_ "github.com/mattn/go-sqlite3"
)

// fakeServer is a minimal JMAP server exercising exactly the methods the
// sync engine issues: Email/changes, Email/query, Email/get, Mailbox/get,
// Email/set, and blob download. It tracks just enough server-side state to let a test
// assert on push behavior.
type fakeServer struct {
	ts *httptest.Server

	ids        []string
	keywords   map[string]map[string]bool
	mailboxIDs map[string]map[string]bool
	blobs      map[string]string

	setCalls int
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		keywords:   map[string]map[string]bool{},
		mailboxIDs: map[string]map[string]bool{},
		blobs:      map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", fs.handleSession)
	mux.HandleFunc("/api", fs.handleAPI)
	mux.HandleFunc("/download/", fs.handleDownload)
	fs.ts = httptest.NewServer(mux)
	t.Cleanup(fs.ts.Close)
	return fs
}

func (fs *fakeServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := map[string]interface{}{
		"apiUrl":      fs.ts.URL + "/api",
		"downloadUrl": fs.ts.URL + "/download/{accountId}/{blobId}/{name}",
		"state":       "session-1",
		"accounts":    map[string]interface{}{"acc1": map[string]interface{}{}},
		"primaryAccounts": map[string]interface{}{
			"urn:ietf:params:jmap:mail": "acc1",
		},
	}
	json.NewEncoder(w).Encode(session)
}

// handleDownload serves a blob by matching its id anywhere in the request
// path, since the real path shape (/download/{accountId}/{blobId}/{name})
// is templated by expandDownloadURL and not worth re-parsing here.
func (fs *fakeServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	for blobID, body := range fs.blobs {
		if strings.Contains(r.URL.Path, blobID) {
			w.Write([]byte(body))
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (fs *fakeServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MethodCalls [][3]json.RawMessage `json:"methodCalls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var responses [][3]interface{}
	for _, call := range req.MethodCalls {
		var name, callID string
		json.Unmarshal(call[0], &name)
		json.Unmarshal(call[2], &callID)
		result := fs.dispatch(name, call[1])
		responses = append(responses, [3]interface{}{name, result, callID})
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"methodResponses": responses,
		"sessionState":    "session-1",
	})
}

func (fs *fakeServer) dispatch(name string, args json.RawMessage) interface{} {
	switch name {
	case "Email/changes":
		return map[string]interface{}{
			"created": []string{}, "updated": []string{}, "destroyed": []string{},
			"newState": "email-state-1", "hasMoreChanges": false,
		}
	case "Email/query":
		return map[string]interface{}{"ids": fs.ids, "total": len(fs.ids)}
	case "Email/get":
		var a struct {
			IDs []string `json:"ids"`
		}
		json.Unmarshal(args, &a)
		var list []map[string]interface{}
		for _, id := range a.IDs {
			list = append(list, map[string]interface{}{
				"id":         id,
				"blobId":     "blob-" + id,
				"keywords":   fs.keywords[id],
				"mailboxIds": fs.mailboxIDs[id],
			})
		}
		return map[string]interface{}{"list": list, "notFound": []string{}, "state": "email-state-1"}
	case "Mailbox/get":
		return map[string]interface{}{"list": []interface{}{}}
	case "Email/set":
		fs.setCalls++
		var a struct {
			Update map[string]map[string]interface{} `json:"update"`
		}
		json.Unmarshal(args, &a)
		updated := map[string]interface{}{}
		for id := range a.Update {
			updated[id] = map[string]interface{}{}
		}
		return map[string]interface{}{"updated": updated, "notUpdated": map[string]interface{}{}, "newState": "email-state-2"}
	default:
		return map[string]interface{}{"type": "unknownMethod"}
	}
}

func newTestEngine(t *testing.T, fs *fakeServer) (*Engine, *index.Index, *store.Store, *statestore.Store) {
	client := jmapclient.New(jmapclient.Config{
		SessionURL: fs.ts.URL + "/.well-known/jmap",
		Username:   "user@example.com",
		Credential: "pw",
		AuthMode:   jmapclient.AuthBasic,
		Retries:    1,
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	maildir := filepath.Join(dir, "maildir")
	st, err := store.Open(cacheDir, maildir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	idx, err := index.Open(context.Background(), filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	ss := statestore.New(dir)

	engine := New(client, st, idx, ss, Config{
		Tags:             tagmap.DefaultConfig(),
		AutoCreate:       true,
		ConvertDOSToUnix: false,
	})
	return engine, idx, st, ss
}

func TestColdStartSyncDownloadsAndIndexesNewMessage(t *testing.T) {
	fs := newFakeServer(t)
	fs.ids = []string{"m1"}
	fs.keywords["m1"] = map[string]bool{"$Seen": true}
	fs.mailboxIDs["m1"] = map[string]bool{}
	fs.blobs["blob-m1"] = "Subject: hello\r\n\r\nbody\r\n"

	engine, idx, st, ss := newTestEngine(t, fs)

	if err := engine.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	files, err := st.ListMaildir()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 maildir file, got %d: %+v", len(files), files)
	}
	if files[0].Flags != "S" {
		t.Errorf("flags = %q, want %q", files[0].Flags, "S")
	}

	entry, found, err := idx.Get(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected index entry for m1")
	}
	if entry.Tags["unread"] {
		t.Error("m1 should not be tagged unread, $Seen was set")
	}

	persisted, err := ss.Load()
	if err != nil {
		t.Fatal(err)
	}
	if persisted.JMAPState == nil || *persisted.JMAPState != jmapclient.State("email-state-1") {
		t.Errorf("persisted jmap_state = %v, want email-state-1", persisted.JMAPState)
	}
	if persisted.IndexRevision == nil || *persisted.IndexRevision == 0 {
		t.Errorf("persisted notmuch_revision = %v, want > 0", persisted.IndexRevision)
	}
}

func TestSecondSyncWithNoChangesMakesNoSetCalls(t *testing.T) {
	fs := newFakeServer(t)
	fs.ids = []string{"m1"}
	fs.keywords["m1"] = map[string]bool{"$Seen": true}
	fs.mailboxIDs["m1"] = map[string]bool{}
	fs.blobs["blob-m1"] = "Subject: hello\r\n\r\nbody\r\n"

	engine, _, _, _ := newTestEngine(t, fs)

	if err := engine.Sync(context.Background(), false); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if err := engine.Sync(context.Background(), false); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if fs.setCalls != 0 {
		t.Errorf("Email/set called %d times on an unchanged second sync, want 0", fs.setCalls)
	}
}

func TestLocalTagEditIsPushedEvenWithoutServerChange(t *testing.T) {
	fs := newFakeServer(t)
	fs.ids = []string{"m1"}
	fs.keywords["m1"] = map[string]bool{"$Seen": true}
	fs.mailboxIDs["m1"] = map[string]bool{}
	fs.blobs["blob-m1"] = "Subject: hello\r\n\r\nbody\r\n"

	engine, idx, _, _ := newTestEngine(t, fs)

	if err := engine.Sync(context.Background(), false); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	entry, found, err := idx.Get(context.Background(), "m1")
	if err != nil || !found {
		t.Fatalf("Get after first sync: found=%v err=%v", found, err)
	}
	entry.Tags["flagged"] = true
	if err := idx.SetTags(context.Background(), "m1", entry.Tags); err != nil {
		t.Fatalf("SetTags: %v", err)
	}

	if err := engine.Sync(context.Background(), false); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	if fs.setCalls != 1 {
		t.Errorf("Email/set called %d times, want exactly 1 for the local edit", fs.setCalls)
	}
	entry, found, err = idx.Get(context.Background(), "m1")
	if err != nil || !found {
		t.Fatalf("Get after second sync: found=%v err=%v", found, err)
	}
	if !entry.Tags["flagged"] {
		t.Error("local 'flagged' tag was overwritten by APPLY, want it preserved")
	}
}

func TestLockHeldPreventsConcurrentSync(t *testing.T) {
	fs := newFakeServer(t)
	engine, _, _, ss := newTestEngine(t, fs)

	lock, err := ss.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	err = engine.Sync(context.Background(), false)
	if err != statestore.ErrLockHeld {
		t.Errorf("Sync with lock held = %v, want ErrLockHeld", err)
	}
}
