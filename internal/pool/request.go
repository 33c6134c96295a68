package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

var (
	ErrConflictingBody = errors.New("pool: only one of JSON, Body or Form/Files may be set")
	ErrMissingURL      = errors.New("pool: request URL is required")
)

// File is one part of a multipart upload.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// Request describes an outbound call. Every field is forwarded verbatim;
// nothing here is interpreted by the manager.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
	Params  url.Values
	// Form holds form fields. Without Files it is sent url-encoded, with
	// Files it becomes the non-file parts of a multipart body.
	Form  url.Values
	Files map[string]File
	// JSON is marshaled as the request body when non-nil.
	JSON any
	Body io.Reader
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// build turns the Request into an *http.Request bound to ctx.
func (r *Request) build(ctx context.Context) (*http.Request, error) {
	if r.URL == "" {
		return nil, ErrMissingURL
	}

	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("pool: parse url: %w", err)
	}
	if len(r.Params) > 0 {
		q := target.Query()
		for k, vs := range r.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	body, contentType, err := r.encodeBody()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.method(), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("pool: build request: %w", err)
	}

	for k, vs := range r.Headers {
		// net/http ignores Header["Host"]; the request's Host field carries it.
		if http.CanonicalHeaderKey(k) == "Host" {
			if len(vs) > 0 {
				req.Host = vs[0]
			}
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	return req, nil
}

func (r *Request) encodeBody() (io.Reader, string, error) {
	hasForm := len(r.Form) > 0 || len(r.Files) > 0
	set := 0
	for _, present := range []bool{r.JSON != nil, r.Body != nil, hasForm} {
		if present {
			set++
		}
	}
	if set > 1 {
		return nil, "", ErrConflictingBody
	}

	switch {
	case r.JSON != nil:
		data, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("pool: encode json: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	case len(r.Files) > 0:
		return encodeMultipart(r.Form, r.Files)
	case len(r.Form) > 0:
		return strings.NewReader(r.Form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return r.Body, "", nil
	}
}

func encodeMultipart(fields url.Values, files map[string]File) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, vs := range fields {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("pool: write form field %q: %w", k, err)
			}
		}
	}

	for field, f := range files {
		name := f.Name
		if name == "" {
			name = field
		}
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(field), escapeQuotes(name)))
		h.Set("Content-Type", ct)

		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("pool: create part %q: %w", field, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("pool: write part %q: %w", field, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("pool: close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
