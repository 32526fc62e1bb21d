package vkapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// uploadFixture fakes the three-step protocol: the batched API methods via
// execute, and the upload server itself at /upload.
type uploadFixture struct {
	t *testing.T

	mu         sync.Mutex
	saveParams map[string]any
	gotFile    string
	failUpload bool
}

func (f *uploadFixture) server() *httptest.Server {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/upload"):
			f.handleUpload(w, r)
		case strings.HasSuffix(r.URL.Path, "/execute"):
			f.handleExecute(w, r, srv.URL+"/upload")
		default:
			f.t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	return srv
}

func (f *uploadFixture) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		f.t.Errorf("parse multipart: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		f.t.Errorf("form file: %v", err)
		return
	}
	defer file.Close()

	f.mu.Lock()
	f.gotFile = header.Filename
	f.mu.Unlock()

	if f.failUpload {
		json.NewEncoder(w).Encode(map[string]any{"error": "upload rejected"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"file": "doc42|token"})
}

func (f *uploadFixture) handleExecute(w http.ResponseWriter, r *http.Request, uploadURL string) {
	r.ParseForm()
	pairs := parseExecuteCode(f.t, r.PostForm.Get("code"))

	var results []any
	for _, p := range pairs {
		switch p.method {
		case "docs.getMessagesUploadServer":
			results = append(results, []any{p.id, map[string]any{"upload_url": uploadURL}})
		case "docs.save":
			var params map[string]any
			if err := json.Unmarshal([]byte(p.params), &params); err != nil {
				f.t.Errorf("decode save params: %v", err)
			}
			f.mu.Lock()
			f.saveParams = params
			f.mu.Unlock()
			results = append(results, []any{p.id, []any{map[string]any{"id": 42}}})
		default:
			f.t.Errorf("unexpected method %s", p.method)
		}
	}
	json.NewEncoder(w).Encode(map[string]any{"response": results})
}

func TestUpload_ThreePhaseFlow(t *testing.T) {
	fixture := &uploadFixture{t: t}
	srv := fixture.server()
	defer srv.Close()

	c := New("test-token", WithBaseURL(srv.URL), WithFlushInterval(testFlushInterval))
	defer c.Close()

	ctx := context.Background()
	file := &UploadFile{Name: "notes.txt", Content: strings.NewReader("hello")}
	raw, err := c.Upload(ctx, "document", file,
		Params{"group_id": 123},
		Params{"title": "Notes"},
	)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty save response")
	}

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if fixture.gotFile != "notes.txt" {
		t.Errorf("uploaded filename = %q, want notes.txt", fixture.gotFile)
	}
	if fixture.saveParams["file"] != "doc42|token" {
		t.Errorf("save params file = %v, want upload server response merged in", fixture.saveParams["file"])
	}
	if fixture.saveParams["group_id"] != float64(123) {
		t.Errorf("save params group_id = %v, want 123 carried over", fixture.saveParams["group_id"])
	}
	if fixture.saveParams["title"] != "Notes" {
		t.Errorf("save params title = %v, want afterParams merged in", fixture.saveParams["title"])
	}
}

func TestUpload_UnknownFileType(t *testing.T) {
	c := New("test-token", WithFlushInterval(testFlushInterval))
	defer c.Close()

	_, err := c.Upload(context.Background(), "hologram", &UploadFile{Name: "x", Content: strings.NewReader("x")}, nil, nil)
	if !errors.Is(err, ErrUnknownFileType) {
		t.Errorf("error = %v, want ErrUnknownFileType", err)
	}
}

func TestUpload_NoFile(t *testing.T) {
	c := New("test-token", WithFlushInterval(testFlushInterval))
	defer c.Close()

	_, err := c.Upload(context.Background(), "photo", nil, nil, nil)
	if !errors.Is(err, ErrNoFile) {
		t.Errorf("error = %v, want ErrNoFile", err)
	}
}

func TestUpload_ServerErrorFailsPostPhase(t *testing.T) {
	fixture := &uploadFixture{t: t, failUpload: true}
	srv := fixture.server()
	defer srv.Close()

	c := New("test-token", WithBaseURL(srv.URL), WithFlushInterval(testFlushInterval))
	defer c.Close()

	file := &UploadFile{Name: "pic.jpg", Content: strings.NewReader("jpeg")}
	_, err := c.Upload(context.Background(), "document", file, nil, nil)

	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("error = %v, want *UploadError", err)
	}
	if uploadErr.Phase != PhasePostFile {
		t.Errorf("phase = %s, want %s", uploadErr.Phase, PhasePostFile)
	}
}
