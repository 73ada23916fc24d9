package jhttp

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/code"
	"github.com/plexrpc/plexrpc/handler"
)

// Discovery documents. Every document carries a self URL in "$id" and a type
// tag in "$type"; links follow a uniform shape so renderers can make them
// clickable without knowing the document type.

// A Link is a hyperlink inside a discovery document. Method defaults to GET
// when empty.
type Link struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Method string `json:"method,omitempty"`
	Title  string `json:"title,omitempty"`
}

type catalogDoc struct {
	ID          string         `json:"$id"`
	Type        string         `json:"$type"` // RPCSchema
	Description string         `json:"description,omitempty"`
	MethodCount int            `json:"methodCount"`
	Namespaces  []catalogEntry `json:"namespaces"`
	Links       []Link         `json:"links"`
}

type catalogEntry struct {
	Name        string `json:"name"`
	Href        string `json:"href"`
	MethodCount int    `json:"methodCount"`
}

type namespaceDoc struct {
	ID          string        `json:"$id"`
	Type        string        `json:"$type"` // RPCNamespace
	Namespace   string        `json:"namespace"`
	Description string        `json:"description,omitempty"`
	Methods     []methodEntry `json:"methods"`
	Links       []Link        `json:"links"`
}

type methodEntry struct {
	Name        string `json:"name"`     // action, without the prefix
	FullName    string `json:"fullName"` // complete dotted name
	Href        string `json:"href"`
	Description string `json:"description,omitempty"`
}

type methodDoc struct {
	ID          string              `json:"$id"`
	Type        string              `json:"$type"` // RPCMethod
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Params      []handler.ParamInfo `json:"params,omitempty"`
	Returns     string              `json:"returns,omitempty"`
	Permissions []string            `json:"permissions,omitempty"`
	Example     methodExample       `json:"example"`
	Links       []Link              `json:"links"`
}

type methodExample struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`
}

type collectionsDoc struct {
	ID          string           `json:"$id"`
	Type        string           `json:"$type"` // RPCSchema
	Collections []collectionInfo `json:"collections"`
	Links       []Link           `json:"links"`
}

type collectionInfo struct {
	Name       string `json:"name"`
	Operations []Link `json:"operations"`
}

type notFoundDoc struct {
	Error       *plexrpc.Error `json:"error"`
	Suggestions []string       `json:"suggestions"`
}

// Standard operation names recognized when flattening a namespace into a
// collection document.
var collectionOps = []string{"list", "get", "create", "update", "delete"}

// serveGet answers a discovery GET. The remaining path segment after the
// canonical prefix selects the document: empty for the catalog, a namespace
// or method name for its document, and anything else for a 404 with
// suggestions.
func (b *Bridge) serveGet(w http.ResponseWriter, req *http.Request) {
	target := b.target(req.URL.Path)
	base := baseURL(req) + "/" + b.root

	switch {
	case target == "":
		b.writeDoc(w, req, http.StatusOK, b.catalog(req, base))
	case target == b.root+".collections.list":
		b.writeDoc(w, req, http.StatusOK, b.collections(base))
	case b.isNamespace(target):
		b.writeDoc(w, req, http.StatusOK, b.namespace(base, strings.TrimPrefix(target, b.root+".")))
	default:
		if m, ok := b.reg.Lookup(target); ok {
			b.writeDoc(w, req, http.StatusOK, b.method(base, m))
			return
		}
		b.writeDoc(w, req, http.StatusNotFound, notFoundDoc{
			Error:       plexrpc.Errorf(code.MethodNotFound, "Method not found: %s", target),
			Suggestions: b.suggest(target),
		})
	}
}

// servePostMethod is the alternate invocation form: a POST to a method's
// discovery URL treats the body as the params value and returns the bare
// result, or the error with status 500.
func (b *Bridge) servePostMethod(w http.ResponseWriter, req *http.Request, target string) {
	body, ok := b.readBody(w, req)
	if !ok {
		return
	}
	r := &plexrpc.Request{ID: uuid.NewString(), Method: target}
	if len(strings.TrimSpace(string(body))) != 0 {
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, plexrpc.MarshalErrorResponse(nil,
				plexrpc.Errorf(code.ParseError, "Parse error: invalid JSON")))
			return
		}
		r.Params = body
	}
	rsp := b.engine.Dispatch(req.Context(), r)
	if rsp.Error != nil {
		bits, _ := json.Marshal(struct {
			Error *plexrpc.Error `json:"error"`
		}{rsp.Error})
		writeJSON(w, http.StatusInternalServerError, bits)
		return
	}
	if len(rsp.Result) == 0 {
		writeJSON(w, http.StatusOK, []byte("null"))
		return
	}
	writeJSON(w, http.StatusOK, rsp.Result)
}

func (b *Bridge) isNamespace(target string) bool {
	ns, ok := strings.CutPrefix(target, b.root+".")
	if !ok || strings.Contains(ns, ".") {
		return false
	}
	for _, have := range b.reg.Namespaces() {
		if ns == have {
			return true
		}
	}
	return false
}

func (b *Bridge) catalog(req *http.Request, base string) catalogDoc {
	byNS := b.reg.ByNamespace()
	names := make([]string, 0, len(byNS))
	for ns := range byNS {
		if ns != "" {
			names = append(names, ns)
		}
	}
	sort.Strings(names)

	doc := catalogDoc{
		ID:          base,
		Type:        "RPCSchema",
		MethodCount: b.reg.Len(),
		Namespaces:  []catalogEntry{},
		Links: []Link{
			{Rel: "self", Href: base},
			{Rel: "identity", Href: base + "/" + b.root + ".system.identity", Title: "Server identity"},
			{Rel: "collections", Href: base + "/" + b.root + ".collections.list", Title: "Collection index"},
			{Rel: "websocket", Href: wsURL(req) + "/" + b.root, Title: "Bidirectional endpoint"},
		},
	}
	for _, ns := range names {
		doc.Namespaces = append(doc.Namespaces, catalogEntry{
			Name:        ns,
			Href:        base + "/" + b.root + "." + ns,
			MethodCount: len(byNS[ns]),
		})
	}
	return doc
}

func (b *Bridge) namespace(base, ns string) namespaceDoc {
	doc := namespaceDoc{
		ID:        base + "/" + b.root + "." + ns,
		Type:      "RPCNamespace",
		Namespace: ns,
		Methods:   []methodEntry{},
		Links: []Link{
			{Rel: "self", Href: base + "/" + b.root + "." + ns},
			{Rel: "parent", Href: base, Title: "Catalog"},
		},
	}
	for _, name := range b.reg.Names(ns) {
		m, _ := b.reg.Lookup(name)
		doc.Methods = append(doc.Methods, methodEntry{
			Name:        plexrpc.MethodAction(name),
			FullName:    name,
			Href:        base + "/" + name,
			Description: m.Description(),
		})
	}
	return doc
}

func (b *Bridge) method(base string, m *handler.Method) methodDoc {
	self := base + "/" + m.Name
	doc := methodDoc{
		ID:   self,
		Type: "RPCMethod",
		Name: m.Name,
		Links: []Link{
			{Rel: "self", Href: self},
			{Rel: "invoke", Href: self, Method: "POST", Title: "Invoke with the body as params"},
		},
	}
	if ns := plexrpc.MethodNamespace(m.Name); ns != "" {
		doc.Links = append(doc.Links, Link{Rel: "parent", Href: base + "/" + b.root + "." + ns, Title: ns})
		for _, sib := range b.reg.Names(ns) {
			if sib != m.Name {
				doc.Links = append(doc.Links, Link{Rel: "related", Href: base + "/" + sib, Title: sib})
			}
		}
	}
	if m.Opts != nil {
		doc.Description = m.Opts.Description
		doc.Params = m.Opts.Params
		doc.Returns = m.Opts.Returns
		doc.Permissions = m.Opts.Permissions
	}
	doc.Example = exampleFor(m)
	return doc
}

// exampleFor builds an illustrative request/response pair from the method's
// parameter documentation.
func exampleFor(m *handler.Method) methodExample {
	params := make(map[string]any)
	if m.Opts != nil {
		for _, p := range m.Opts.Params {
			if p.Default != nil {
				params[p.Name] = p.Default
				continue
			}
			switch p.Type {
			case "string":
				params[p.Name] = "example"
			case "number":
				params[p.Name] = 0
			case "boolean":
				params[p.Name] = false
			case "array":
				params[p.Name] = []any{}
			default:
				params[p.Name] = map[string]any{}
			}
		}
	}
	reqBits, _ := json.Marshal(map[string]any{"id": "1", "method": m.Name, "params": params})
	rspBits, _ := json.Marshal(map[string]any{"id": "1", "result": "..."})
	return methodExample{Request: reqBits, Response: rspBits}
}

func (b *Bridge) collections(base string) collectionsDoc {
	doc := collectionsDoc{
		ID:          base + "/" + b.root + ".collections.list",
		Type:        "RPCSchema",
		Collections: []collectionInfo{},
		Links: []Link{
			{Rel: "self", Href: base + "/" + b.root + ".collections.list"},
			{Rel: "parent", Href: base, Title: "Catalog"},
		},
	}
	for _, ns := range b.reg.Namespaces() {
		var ops []Link
		for _, op := range collectionOps {
			name := b.root + "." + ns + "." + op
			if b.reg.Has(name) {
				ops = append(ops, Link{Rel: op, Href: base + "/" + name, Method: "POST"})
			}
		}
		if len(ops) != 0 {
			doc.Collections = append(doc.Collections, collectionInfo{Name: ns, Operations: ops})
		}
	}
	return doc
}

// suggest returns up to five registered names resembling target: names
// sharing its namespace first, then names whose position-wise character
// similarity to target is at least 0.5.
func (b *Bridge) suggest(target string) []string {
	const limit = 5

	ns := plexrpc.MethodNamespace(target)
	suggestions := []string{}
	seen := make(map[string]bool)
	add := func(name string) bool {
		if !seen[name] {
			seen[name] = true
			suggestions = append(suggestions, name)
		}
		return len(suggestions) >= limit
	}

	all := b.reg.Names("")
	if ns != "" {
		for _, name := range all {
			if plexrpc.MethodNamespace(name) == ns && add(name) {
				return suggestions
			}
		}
	}
	type scored struct {
		name  string
		score float64
	}
	var rest []scored
	for _, name := range all {
		if s := similarity(target, name); s >= 0.5 {
			rest = append(rest, scored{name, s})
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })
	for _, c := range rest {
		if add(c.name) {
			break
		}
	}
	return suggestions
}

// similarity is the fraction of positions at which a and b hold the same
// character, relative to the longer length.
func similarity(a, b string) float64 {
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	match := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(longer)
}

// writeDoc serializes a discovery document, honouring content negotiation:
// an Accept header containing text/html, or format=html in the query, yields
// an HTML rendering with clickable links; everything else yields JSON.
func (b *Bridge) writeDoc(w http.ResponseWriter, req *http.Request, status int, doc any) {
	bits, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		b.log("Encoding discovery document failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if wantsHTML(req) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, renderHTML(bits))
		return
	}
	writeJSON(w, status, bits)
}

func wantsHTML(req *http.Request) bool {
	switch req.URL.Query().Get("format") {
	case "html":
		return true
	case "json":
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

var hrefPattern = regexp.MustCompile(`(&#34;(?:\$id|href)&#34;: )&#34;([^&]+)&#34;`)

// renderHTML wraps the JSON document in a page and turns $id and href values
// into anchors. The JSON is escaped before the anchors are injected.
func renderHTML(bits []byte) string {
	escaped := html.EscapeString(string(bits))
	linked := hrefPattern.ReplaceAllString(escaped, `$1&#34;<a href="$2">$2</a>&#34;`)
	return "<!DOCTYPE html>\n<html><head><title>RPC Discovery</title></head><body><pre>" +
		linked + "</pre></body></html>\n"
}

func baseURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host
}

func wsURL(req *http.Request) string {
	scheme := "ws"
	if req.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + req.Host
}
