package channel

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// Graph is an authenticated client for the Meta Graph API, used by the
// WhatsApp Cloud and Instagram providers, media download and template sync.
type Graph struct {
	base string
	api  apiClient
}

// GraphOpts configures a Graph client.
type GraphOpts struct {
	BaseURL    string
	APIVersion string
	Token      string
	HTTP       *http.Client
	Limiter    *rate.Limiter
}

// NewGraph returns a Graph client rooted at {BaseURL}/{APIVersion}.
func NewGraph(opts GraphOpts) *Graph {
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	return &Graph{
		base: strings.TrimRight(opts.BaseURL, "/") + "/" + opts.APIVersion,
		api: apiClient{
			name:    "graph",
			http:    opts.HTTP,
			limiter: opts.Limiter,
			headers: map[string]string{"Authorization": "Bearer " + opts.Token},
		},
	}
}

// Post sends payload to {base}/{path}.
func (g *Graph) Post(ctx context.Context, path string, payload, out interface{}) error {
	return g.api.do(ctx, http.MethodPost, g.base+"/"+strings.TrimLeft(path, "/"), nil, payload, out)
}

// Get reads {base}/{path}?query.
func (g *Graph) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return g.api.do(ctx, http.MethodGet, g.base+"/"+strings.TrimLeft(path, "/"), query, nil, out)
}

// GetURL reads an absolute URL, as returned in Graph paging links.
func (g *Graph) GetURL(ctx context.Context, rawURL string, out interface{}) error {
	return g.api.do(ctx, http.MethodGet, rawURL, nil, nil, out)
}

// MediaInfo is the metadata Graph returns for an uploaded media id.
type MediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	SHA256   string `json:"sha256"`
}

// Media fetches metadata for a WhatsApp media id.
func (g *Graph) Media(ctx context.Context, mediaID string) (*MediaInfo, error) {
	var info MediaInfo
	q := url.Values{"fields": {"url,mime_type,file_size,sha256"}}
	if err := g.Get(ctx, mediaID, q, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Download fetches the bytes behind a media URL with the Graph token.
func (g *Graph) Download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	return g.api.download(ctx, mediaURL)
}
