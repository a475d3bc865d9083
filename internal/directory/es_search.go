package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/weiawesome/wes-io-relay/internal/domain"
)

// UserIndex is a search index over the directory.
type UserIndex interface {
	IndexUser(ctx context.Context, user *domain.User) error
	Search(ctx context.Context, query, exclude string, limit int) ([]domain.User, error)
}

// ESConfig holds the Elasticsearch connection for user search.
type ESConfig struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
}

type ESUserIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewESUserIndex connects to Elasticsearch and checks it is reachable.
func NewESUserIndex(cfg ESConfig) (*ESUserIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch error: %s", res.String())
	}

	return NewESUserIndexWithClient(client, cfg.Index), nil
}

func NewESUserIndexWithClient(client *elasticsearch.Client, index string) *ESUserIndex {
	return &ESUserIndex{client: client, index: index}
}

// esUser is the indexed document. The password hash never leaves the database.
type esUser struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func (i *ESUserIndex) IndexUser(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(esUser{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	res, err := i.client.Index(i.index, bytes.NewReader(data),
		i.client.Index.WithContext(ctx),
		i.client.Index.WithDocumentID(user.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to index user: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// Search matches query as a case-insensitive substring of the username.
func (i *ESUserIndex) Search(ctx context.Context, query, exclude string, limit int) ([]domain.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.User{}, nil
	}

	body := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{map[string]interface{}{"username.keyword": "asc"}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"wildcard": map[string]interface{}{
						"username.keyword": map[string]interface{}{
							"value":            "*" + escapeWildcard(query) + "*",
							"case_insensitive": true,
						},
					},
				},
				"must_not": map[string]interface{}{
					"term": map[string]interface{}{"username.keyword": exclude},
				},
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.index),
		i.client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch error: %s", res.String())
	}

	var result esResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	users := make([]domain.User, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var doc esUser
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			continue
		}
		users = append(users, domain.User{
			ID:          doc.ID,
			Username:    doc.Username,
			DisplayName: doc.DisplayName,
			CreatedAt:   doc.CreatedAt,
		})
	}
	return users, nil
}

type esResponse struct {
	Hits struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func escapeWildcard(s string) string {
	return strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`).Replace(s)
}
