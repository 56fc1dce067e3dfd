package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"

	"access-service/internal/models"
)

// searchBackend is the part of client.ESClient the indexer needs.
type searchBackend interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
	Search(ctx context.Context, index string, query map[string]interface{}) (*esapi.Response, error)
	ParseResponse(res *esapi.Response, target interface{}) error
}

// SearchIndexer indexes every event into Elasticsearch and answers
// free-text searches over them.
type SearchIndexer struct {
	es    searchBackend
	index string
}

func NewSearchIndexer(es searchBackend, index string) *SearchIndexer {
	return &SearchIndexer{es: es, index: index}
}

func (s *SearchIndexer) Name() string { return "elasticsearch" }

func (s *SearchIndexer) Write(ctx context.Context, event *models.AuditEvent) error {
	doc := *event
	doc.Email = models.NormalizeEmail(event.Email)
	return s.es.IndexDocument(ctx, s.index, event.ID, doc)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.AuditEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *SearchIndexer) Search(ctx context.Context, query string, limit int) ([]*models.AuditEvent, error) {
	res, err := s.es.Search(ctx, s.index, buildSearchQuery(query, ClampLimit(limit)))
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := s.es.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}

	out := make([]*models.AuditEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		event := hit.Source
		out = append(out, &event)
	}
	return out, nil
}

func buildSearchQuery(query string, size int) map[string]interface{} {
	match := map[string]interface{}{"match_all": map[string]interface{}{}}
	if q := strings.TrimSpace(query); q != "" {
		match = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":   q,
				"fields":  []string{"email", "action", "actor", "request_id", "access_type", "details.*"},
				"lenient": true,
			},
		}
	}
	return map[string]interface{}{
		"size":  size,
		"query": match,
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
}
