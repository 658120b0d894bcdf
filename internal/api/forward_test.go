package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PROCEED-Labs/proceed-native/internal/ipc"
	"github.com/PROCEED-Labs/proceed-native/internal/model"
)

// listen makes every spawned runner open its in-script server and answer
// forwarded requests with respond.
func (e *testEnv) listen(respond func(p *fakeRunner, req *model.HTTPRequest) model.HTTPResponse) {
	e.spawner.onSpawn = func(p *fakeRunner) {
		p.respond = func(req *model.HTTPRequest) model.HTTPResponse { return respond(p, req) }
		p.toHost <- ipc.Message{Type: ipc.MsgOpenHTTPServer}
	}
}

func (e *testEnv) waitListening(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "runners to open their servers", func() bool {
		open := 0
		for _, p := range e.sup.GetAllProcesses() {
			if p.ListenerOpen {
				open++
			}
		}
		return open == n
	})
}

func TestForwardRequestSingleRunner(t *testing.T) {
	env := newTestEnv(t)
	forwarded := make(chan model.HTTPRequest, 1)
	env.listen(func(_ *fakeRunner, req *model.HTTPRequest) model.HTTPResponse {
		forwarded <- *req
		return model.HTTPResponse{StatusCode: 201, Response: json.RawMessage(`{"ok":true}`)}
	})
	env.launch(t, testKey("i1", "s1"))
	env.waitListening(t, 1)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/instances/i1/http/orders/7?verbose=1", "application/json", strings.NewReader(`{"qty":2}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 201 {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}

	got := <-forwarded
	if got.Method != http.MethodPost || got.Path != "/orders/7" || got.Query["verbose"] != "1" {
		t.Errorf("forwarded request = %+v", got)
	}
	if string(got.Body) != `{"qty":2}` {
		t.Errorf("forwarded body = %s", got.Body)
	}
}

func TestForwardRequestTextBodies(t *testing.T) {
	env := newTestEnv(t)
	forwarded := make(chan model.HTTPRequest, 1)
	env.listen(func(_ *fakeRunner, req *model.HTTPRequest) model.HTTPResponse {
		forwarded <- *req
		return model.HTTPResponse{StatusCode: 200, Response: json.RawMessage(`"plain answer"`)}
	})
	env.launch(t, testKey("i1", "s1"))
	env.waitListening(t, 1)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/instances/i1/http/echo", "text/plain", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "plain answer" || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("response = %q (%s)", body, resp.Header.Get("Content-Type"))
	}
	if got := <-forwarded; string(got.Body) != `"not json"` {
		t.Errorf("forwarded body = %s, want JSON string", got.Body)
	}
}

func TestForwardRequestNoListener(t *testing.T) {
	env := newTestEnv(t)
	env.launch(t, testKey("i1", "s1"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/instances/i1/http/anything")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestForwardRequestMultipleRunners(t *testing.T) {
	env := newTestEnv(t)
	env.listen(func(p *fakeRunner, _ *model.HTTPRequest) model.HTTPResponse {
		if p.spec.Key.ScriptID == "s3" {
			return model.HTTPResponse{StatusCode: 404}
		}
		return model.HTTPResponse{StatusCode: 200, Response: json.RawMessage(`"` + p.spec.Key.ScriptID + `"`)}
	})
	env.launch(t, testKey("i1", "s1"))
	env.launch(t, testKey("i1", "s2"))
	env.launch(t, testKey("i1", "s3"))
	env.waitListening(t, 3)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/instances/i1/http/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list []model.HTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("responses = %+v, want the two non-404 answers", list)
	}
	seen := map[string]bool{}
	for _, r := range list {
		var s string
		json.Unmarshal(r.Response, &s)
		seen[s] = true
	}
	if !seen["s1"] || !seen["s2"] {
		t.Errorf("responses = %+v", list)
	}
}

func TestForwardRequestTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.spawner.onSpawn = func(p *fakeRunner) {
		p.toHost <- ipc.Message{Type: ipc.MsgOpenHTTPServer}
	}
	env.launch(t, testKey("i1", "s1"))
	env.waitListening(t, 1)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/instances/i1/http/slow")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}
