package preview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGraphProvider_ReadsOpenGraphTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
<title>Fallback title</title>
<meta property="og:title" content="OG Title" />
<meta property="og:description" content="OG description" />
<meta property="og:image" content="/images/card.png" />
</head><body></body></html>`)
	}))
	defer srv.Close()

	p := NewOpenGraphProvider(srv.Client(), testLogger(t))
	preview, err := p.Fetch(context.Background(), srv.URL+"/post/1")

	require.NoError(t, err)
	assert.Equal(t, "OG Title", preview.Title)
	assert.Equal(t, "OG description", preview.Description)
	assert.Equal(t, srv.URL+"/images/card.png", preview.ImageURL, "relative image is resolved against the page")
}

func TestOpenGraphProvider_FallsBackToHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head>
<title> Plain page </title>
<meta name="description" content="Plain description">
</head><body>hi</body></html>`)
	}))
	defer srv.Close()

	p := NewOpenGraphProvider(srv.Client(), testLogger(t))
	preview, err := p.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, "Plain page", preview.Title)
	assert.Equal(t, "Plain description", preview.Description)
	assert.Empty(t, preview.ImageURL)
}

func TestOpenGraphProvider_RejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer srv.Close()

	p := NewOpenGraphProvider(srv.Client(), testLogger(t))
	_, err := p.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestResolveRef(t *testing.T) {
	assert.Equal(t, "https://a.example/img.png", resolveRef("https://a.example/post/1", "/img.png"))
	assert.Equal(t, "https://cdn.example/x.png", resolveRef("https://a.example/", "https://cdn.example/x.png"))
	assert.Equal(t, "", resolveRef("https://a.example/", ""))
}
