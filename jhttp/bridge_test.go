package jhttp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/code"
	"github.com/plexrpc/plexrpc/handler"
	"github.com/plexrpc/plexrpc/jhttp"
)

func newTestBridge(t *testing.T, opts *jhttp.BridgeOptions) *jhttp.Bridge {
	t.Helper()
	reg := handler.NewRegistry()
	register := func(name string, result any, mopts *handler.Options) {
		require.NoError(t, reg.Register(name, func(ctx context.Context, req *plexrpc.Request) (any, error) {
			return result, nil
		}, mopts))
	}
	register("a.users.list", []string{"alice", "bob"}, &handler.Options{
		Description: "List the known users",
		Returns:     "array of user names",
	})
	register("a.users.get", map[string]string{"name": "alice"}, &handler.Options{
		Description: "Fetch one user",
		Params:      []handler.ParamInfo{{Name: "name", Type: "string", Required: true}},
	})
	register("a.posts.list", []string{}, nil)
	require.NoError(t, reg.Register("a.users.fail", func(ctx context.Context, req *plexrpc.Request) (any, error) {
		return nil, plexrpc.Errorf(code.Conflict, "already exists")
	}, nil))

	engine := plexrpc.NewEngine(reg, nil)
	if opts == nil {
		opts = &jhttp.BridgeOptions{}
	}
	opts.Root = "a"
	return jhttp.NewBridge(engine, reg, nil, opts)
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()
	rsp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	bits, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	require.NoError(t, err)
	return rsp, string(bits)
}

func getPath(t *testing.T, srv *httptest.Server, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bits, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	require.NoError(t, err)
	return rsp, string(bits)
}

func TestPostParseError(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := postJSON(t, srv, "/a", "{")
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	assert.JSONEq(t, `{"id":null,"error":{"code":-32700,"message":"Parse error: invalid JSON"}}`, body)
}

func TestPostMethodNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := postJSON(t, srv, "/a", `{"id":"x","method":"a.b.c"}`)
	assert.Equal(t, http.StatusOK, rsp.StatusCode, "application errors still use 200")
	assert.JSONEq(t, `{"id":"x","error":{"code":-32601,"message":"Method not found: a.b.c"}}`, body)
}

func TestPostSuccess(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := postJSON(t, srv, "/a", `{"id":"1","method":"a.users.list"}`)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "*", rsp.Header.Get("Access-Control-Allow-Origin"))

	parsed, err := plexrpc.ParseResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "1", parsed.ID)
	assert.JSONEq(t, `["alice","bob"]`, string(parsed.Result))
}

func TestPostMissingID(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := postJSON(t, srv, "/a", `{"method":"a.users.list"}`)
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	var env struct {
		Error *plexrpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	assert.Equal(t, code.InvalidRequest, env.Error.Code)
}

func TestPostBatch(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	body := `{"id":"b1","requests":[
		{"id":"1","method":"a.users.list"},
		{"id":"2","method":"a.users.fail"},
		{"id":"3","method":"a.posts.list"}]}`
	rsp, out := postJSON(t, srv, "/a", body)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	batch, err := plexrpc.ParseBatchResponse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "b1", batch.ID)
	assert.False(t, batch.Success)
	require.Len(t, batch.Responses, 3)
	assert.NotNil(t, batch.Responses[0].Result)
	require.NotNil(t, batch.Responses[1].Error)
	assert.Equal(t, code.Conflict, batch.Responses[1].Error.Code)
	assert.Equal(t, "3", batch.Responses[2].ID)
}

func TestPostContentType(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, err := http.Post(srv.URL+"/a", "text/plain", strings.NewReader(`{"id":"1","method":"a.users.list"}`))
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, rsp.StatusCode)
}

func TestPostPayloadLimit(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, &jhttp.BridgeOptions{MaxPayloadBytes: 64}))
	defer srv.Close()

	big := `{"id":"1","method":"a.users.list","params":"` + strings.Repeat("x", 128) + `"}`
	rsp, _ := postJSON(t, srv, "/a", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rsp.StatusCode)
}

func TestPostRateLimit(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, &jhttp.BridgeOptions{
		RateLimit: &jhttp.RatePolicy{Max: 2, Window: time.Minute},
	}))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		rsp, _ := postJSON(t, srv, "/a", `{"id":"1","method":"a.users.list"}`)
		require.Equal(t, http.StatusOK, rsp.StatusCode)
	}
	rsp, body := postJSON(t, srv, "/a", `{"id":"1","method":"a.users.list"}`)
	assert.Equal(t, http.StatusTooManyRequests, rsp.StatusCode)
	var env struct {
		Error *plexrpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	assert.Equal(t, code.RateLimited, env.Error.Code)
}

func TestOptionsPreflight(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/a", nil)
	require.NoError(t, err)
	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusNoContent, rsp.StatusCode)
	assert.Equal(t, "GET, POST, OPTIONS", rsp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rsp.Header.Get("Access-Control-Allow-Headers"))
}

func TestPathTraversal(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.URL.Path = "/a/../etc/passwd"
	req.URL.RawPath = "/a/../etc/passwd"
	rsp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}

func TestDiscoveryCatalog(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := getPath(t, srv, "/a", nil)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	var doc struct {
		ID          string `json:"$id"`
		Type        string `json:"$type"`
		MethodCount int    `json:"methodCount"`
		Namespaces  []struct {
			Name string `json:"name"`
			Href string `json:"href"`
		} `json:"namespaces"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "RPCSchema", doc.Type)
	assert.Equal(t, 4, doc.MethodCount)
	require.Len(t, doc.Namespaces, 2) // posts, users
	assert.Equal(t, "posts", doc.Namespaces[0].Name)
	assert.Equal(t, "users", doc.Namespaces[1].Name)

	rels := make(map[string]string)
	for _, l := range doc.Links {
		rels[l.Rel] = l.Href
	}
	assert.Contains(t, rels, "self")
	assert.Contains(t, rels, "collections")
	assert.True(t, strings.HasPrefix(rels["websocket"], "ws://"), "websocket link must swap the protocol")
}

func TestDiscoveryNamespace(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := getPath(t, srv, "/a/a.users", nil)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	var doc struct {
		Type      string `json:"$type"`
		Namespace string `json:"namespace"`
		Methods   []struct {
			Name     string `json:"name"`
			FullName string `json:"fullName"`
			Href     string `json:"href"`
		} `json:"methods"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "RPCNamespace", doc.Type)
	assert.Equal(t, "users", doc.Namespace)
	require.Len(t, doc.Methods, 3)
	assert.Equal(t, "list", doc.Methods[0].Name)
	assert.Equal(t, "a.users.list", doc.Methods[0].FullName)
}

func TestDiscoveryMethod(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := getPath(t, srv, "/a/a.users.get", nil)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	var doc struct {
		Type    string              `json:"$type"`
		Name    string              `json:"name"`
		Params  []handler.ParamInfo `json:"params"`
		Example struct {
			Request  json.RawMessage `json:"request"`
			Response json.RawMessage `json:"response"`
		} `json:"example"`
		Links []struct {
			Rel    string `json:"rel"`
			Method string `json:"method"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "RPCMethod", doc.Type)
	assert.Equal(t, "a.users.get", doc.Name)
	require.Len(t, doc.Params, 1)
	assert.Equal(t, "name", doc.Params[0].Name)
	assert.NotEmpty(t, doc.Example.Request)

	var invoke bool
	for _, l := range doc.Links {
		if l.Rel == "invoke" {
			invoke = true
			assert.Equal(t, http.MethodPost, l.Method)
		}
	}
	assert.True(t, invoke, "method document must carry an invoke link")
}

func TestDiscoverySuggestions(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := getPath(t, srv, "/a/a.users.lists", nil)
	assert.Equal(t, http.StatusNotFound, rsp.StatusCode)

	var doc struct {
		Error       *plexrpc.Error `json:"error"`
		Suggestions []string       `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	require.NotNil(t, doc.Error)
	assert.Equal(t, code.MethodNotFound, doc.Error.Code)
	assert.Contains(t, doc.Suggestions, "a.users.list")
	assert.LessOrEqual(t, len(doc.Suggestions), 5)
}

func TestDiscoveryCollections(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := getPath(t, srv, "/a/a.collections.list", nil)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	var doc struct {
		Type        string `json:"$type"`
		Collections []struct {
			Name       string `json:"name"`
			Operations []struct {
				Rel string `json:"rel"`
			} `json:"operations"`
		} `json:"collections"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	byName := make(map[string][]string)
	for _, c := range doc.Collections {
		for _, op := range c.Operations {
			byName[c.Name] = append(byName[c.Name], op.Rel)
		}
	}
	assert.ElementsMatch(t, []string{"list", "get"}, byName["users"])
	assert.ElementsMatch(t, []string{"list"}, byName["posts"])
}

func TestDiscoveryHTML(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	rsp, body := getPath(t, srv, "/a", http.Header{"Accept": []string{"text/html"}})
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Contains(t, rsp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "<a href=")

	// The format override takes precedence over the Accept header.
	rsp, body = getPath(t, srv, "/a?format=json", http.Header{"Accept": []string{"text/html"}})
	assert.Contains(t, rsp.Header.Get("Content-Type"), "application/json")
	assert.NotContains(t, body, "<a href=")
}

func TestPostToMethodURL(t *testing.T) {
	srv := httptest.NewServer(newTestBridge(t, nil))
	defer srv.Close()

	t.Run("bareResult", func(t *testing.T) {
		rsp, body := postJSON(t, srv, "/a/a.users.list", "")
		assert.Equal(t, http.StatusOK, rsp.StatusCode)
		assert.JSONEq(t, `["alice","bob"]`, body)
	})
	t.Run("handlerError", func(t *testing.T) {
		rsp, body := postJSON(t, srv, "/a/a.users.fail", "{}")
		assert.Equal(t, http.StatusInternalServerError, rsp.StatusCode)
		var env struct {
			Error *plexrpc.Error `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &env))
		assert.Equal(t, code.Conflict, env.Error.Code)
	})
	t.Run("badParams", func(t *testing.T) {
		rsp, _ := postJSON(t, srv, "/a/a.users.get", "{not json")
		assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
	})
}
