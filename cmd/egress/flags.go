package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/unkn0wn-root/egress/internal/pool"
)

// headerFlags collects repeated -H "Name: value" flags.
type headerFlags http.Header

func (h headerFlags) String() string {
	parts := make([]string, 0, len(h))
	for k, vs := range h {
		parts = append(parts, k+": "+strings.Join(vs, ","))
	}
	return strings.Join(parts, "; ")
}

func (h headerFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header %q is not in 'Name: value' form", v)
	}
	http.Header(h).Add(strings.TrimSpace(name), strings.TrimSpace(value))
	return nil
}

// formFlags collects repeated -F "name=value" and -F "name=@path" flags.
type formFlags []string

func (f *formFlags) String() string {
	return strings.Join(*f, "&")
}

func (f *formFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("form field %q is not in 'name=value' form", v)
	}
	*f = append(*f, v)
	return nil
}

// requestTemplate is the parsed, reusable description of one CLI call. Each
// attempt gets a fresh *pool.Request from it.
type requestTemplate struct {
	method  string
	headers http.Header
	params  url.Values
	form    url.Values
	files   map[string]pool.File
	json    json.RawMessage
}

func newRequestTemplate(method string, headers headerFlags, params, form formFlags, data string) (*requestTemplate, error) {
	tmpl := &requestTemplate{
		method:  strings.ToUpper(method),
		headers: http.Header(headers),
	}

	if data != "" {
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("-d is not valid JSON")
		}
		tmpl.json = json.RawMessage(data)
	}

	for _, p := range params {
		if tmpl.params == nil {
			tmpl.params = url.Values{}
		}
		k, v, _ := strings.Cut(p, "=")
		tmpl.params.Add(k, v)
	}

	for _, field := range form {
		name, value, _ := strings.Cut(field, "=")
		if path, ok := strings.CutPrefix(value, "@"); ok {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read form file %s: %w", path, err)
			}
			if tmpl.files == nil {
				tmpl.files = map[string]pool.File{}
			}
			tmpl.files[name] = pool.File{
				Name:        filepath.Base(path),
				ContentType: mime.TypeByExtension(filepath.Ext(path)),
				Content:     content,
			}
			continue
		}
		if tmpl.form == nil {
			tmpl.form = url.Values{}
		}
		tmpl.form.Add(name, value)
	}

	if tmpl.method == "" {
		tmpl.method = http.MethodGet
		if tmpl.json != nil || tmpl.form != nil || tmpl.files != nil {
			tmpl.method = http.MethodPost
		}
	}

	return tmpl, nil
}

func (t *requestTemplate) request(target string) *pool.Request {
	r := &pool.Request{
		URL:     target,
		Method:  t.method,
		Headers: t.headers,
		Params:  t.params,
		Form:    t.form,
		Files:   t.files,
	}
	if t.json != nil {
		r.JSON = t.json
	}
	return r
}
