package crud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spachava753/flaskgrader/internal/dbinspect"
)

func TestClassify(t *testing.T) {
	tests := map[string]Action{
		"/posts/create":        ActionCreate,
		"/add_item":            ActionCreate,
		"/register":            ActionCreate,
		"/items/new":           ActionCreate,
		"/posts/<int:id>/edit": ActionUpdate,
		"/update":              ActionUpdate,
		"/items/<id>/Delete":   ActionDelete,
		"/remove":              ActionDelete,
		"/":                    ActionRead,
		"/about":               ActionRead,
	}
	for ep, want := range tests {
		if got := Classify(ep); got != want {
			t.Errorf("Classify(%q) = %s, want %s", ep, got, want)
		}
	}
}

func TestConcretePath(t *testing.T) {
	if got := ConcretePath("/users/<int:uid>/posts/<slug>"); got != "/users/1/posts/1" {
		t.Errorf("unexpected concrete path %q", got)
	}
	if got := ConcretePath("/about"); got != "/about" {
		t.Errorf("expected path unchanged, got %q", got)
	}
}

func TestPayload(t *testing.T) {
	reg := Payload("/register", nil)
	if reg["confirm_password"] != "P@ssw0rd!" {
		t.Errorf("expected confirm_password on register, got %v", reg)
	}

	login := Payload("/login", nil)
	if len(login) != 2 || login["email"] != "test_user@example.com" || login["password"] != "P@ssw0rd!" {
		t.Errorf("expected login payload to hold only credentials, got %v", login)
	}

	user := Payload("/user/add", nil)
	if user["role"] != "student" {
		t.Errorf("expected role on user endpoints, got %v", user)
	}

	post := Payload("/blog/new", nil)
	if post["title"] != "Sample Post" || post["content"] != "This is test content for validation." {
		t.Errorf("expected post fields, got %v", post)
	}

	fb := Payload("/feedback", nil)
	if fb["message"] != "This is an automated test message." {
		t.Errorf("expected feedback message, got %v", fb)
	}
}

func TestPayloadFromTable(t *testing.T) {
	table := &dbinspect.Table{
		Name: "post",
		Columns: []dbinspect.Column{
			{Name: "post_id"},
			{Name: "headline_title"},
			{Name: "body_text"},
			{Name: "created_on"},
			{Name: "author_email"},
			{Name: "pass_hash"},
			{Name: "rating"},
		},
	}
	p := Payload("/post/create", table)
	want := map[string]any{
		"post_id":        1,
		"headline_title": "Sample Post",
		"body_text":      "This is test content for validation.",
		"created_on":     "2025-10-07",
		"author_email":   "test_user@example.com",
		"pass_hash":      "P@ssw0rd!",
	}
	for k, v := range want {
		if p[k] != v {
			t.Errorf("payload[%q] = %v, want %v", k, p[k], v)
		}
	}
	if _, ok := p["rating"]; ok {
		t.Error("expected unmatched column to be left out")
	}

	// login drops username from the payload; user columns still get the default
	login := Payload("/login", &dbinspect.Table{Columns: []dbinspect.Column{{Name: "username"}}})
	if login["username"] != "test_user" {
		t.Errorf("expected default username, got %v", login["username"])
	}
}

func TestTableFor(t *testing.T) {
	schemas := []*dbinspect.Schema{{
		Tables: []dbinspect.Table{{Name: "users"}, {Name: "post"}},
	}}
	if tbl := TableFor("/posts/<int:id>/edit", schemas); tbl == nil || tbl.Name != "post" {
		t.Errorf("expected post table, got %+v", tbl)
	}
	if tbl := TableFor("/api/user/create", schemas); tbl == nil || tbl.Name != "users" {
		t.Errorf("expected users table, got %+v", tbl)
	}
	if tbl := TableFor("/about", schemas); tbl != nil {
		t.Errorf("expected no table, got %+v", tbl)
	}
}

type recorded struct {
	method string
	path   string
	form   map[string]string
}

func TestProbe(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []recorded
	)
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		seen = append(seen, recorded{r.Method, r.URL.Path, form})
		mu.Unlock()
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("home"))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		http.Redirect(w, r, "/", http.StatusFound)
	})
	mux.HandleFunc("/post/create", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if c, err := r.Cookie("session"); err != nil || c.Value != "abc" {
			http.Error(w, "login required", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(strings.Repeat("x", 1000)))
	})
	mux.HandleFunc("/items/1/delete", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Write([]byte("deleted"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := &Prober{Client: NewClient(2 * time.Second)}
	records := p.Probe(context.Background(), srv.URL+"/", []string{
		"/login", "/post/create", "/items/<int:id>/delete", "/missing",
	})
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	if r := records[0]; r.Action != "READ" || !r.OK {
		t.Errorf("expected login to be read and followed, got %+v", r)
	}
	if r := records[1]; !r.OK || r.StatusCode != http.StatusCreated || len(r.ResponseSnippet) != 400 {
		t.Errorf("expected authenticated create with 400 char snippet, got status %d ok %v len %d", r.StatusCode, r.OK, len(r.ResponseSnippet))
	}
	if r := records[2]; !r.OK || r.Action != "DELETE" || r.URL != srv.URL+"/items/1/delete" {
		t.Errorf("unexpected delete record %+v", r)
	}
	if r := records[3]; r.OK || r.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 failure, got %+v", r)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s.path == "/items/1/delete" {
			if s.method != http.MethodPost || len(s.form) != 1 || s.form["id"] != "1" {
				t.Errorf("expected delete to post only id, got %+v", s)
			}
		}
		if s.path == "/post/create" && s.form["title"] != "Sample Post" {
			t.Errorf("expected post payload, got %+v", s.form)
		}
	}

	checks := Checks(records)
	if checks[1].Name != "CREATE test for /post/create" || checks[1].Points != PointsPerProbe || checks[1].MaxPoints != PointsPerProbe {
		t.Errorf("unexpected check %+v", checks[1])
	}
	if checks[3].Passed || checks[3].Points != 0 {
		t.Errorf("expected failing check, got %+v", checks[3])
	}
}

func TestProbeConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := &Prober{Client: NewClient(time.Second)}
	records := p.Probe(context.Background(), url, []string{"/about"})
	if len(records) != 1 || records[0].Error == "" || records[0].OK {
		t.Fatalf("expected error record, got %+v", records)
	}
	checks := Checks(records)
	if checks[0].Message != records[0].Error {
		t.Errorf("expected error message on check, got %q", checks[0].Message)
	}
}
