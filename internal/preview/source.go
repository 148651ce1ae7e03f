package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maneesh/runartifacts/internal/models"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"github.com/maneesh/runartifacts/internal/registry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LocalSource reads previews straight from the stores.
type LocalSource struct {
	registry    registry.Registry
	reassembler *reassembly.Reassembler
}

// NewLocalSource creates a LocalSource.
func NewLocalSource(reg registry.Registry, reassembler *reassembly.Reassembler) *LocalSource {
	return &LocalSource{registry: reg, reassembler: reassembler}
}

func (s *LocalSource) Stat(ctx context.Context, fileID string) (*models.File, error) {
	return s.registry.Resolve(ctx, fileID)
}

func (s *LocalSource) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return s.reassembler.Open(ctx, fileID)
}

// HTTPSource reads previews from a running server.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTPSource for the server at baseURL. A nil
// client gets a traced default.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (s *HTTPSource) Stat(ctx context.Context, fileID string) (*models.File, error) {
	resp, err := s.get(ctx, "/api/v1/files/"+url.PathEscape(fileID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var file models.File
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of file %s: %w", fileID, err)
	}
	return &file, nil
}

func (s *HTTPSource) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := s.get(ctx, "/api/v1/files/preview/"+url.PathEscape(fileID))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *HTTPSource) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Message == "" {
		body.Message = resp.Status
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("GET %s: %s: %w", path, body.Message, models.ErrNotFound)
	}
	return nil, fmt.Errorf("GET %s: %s", path, body.Message)
}
