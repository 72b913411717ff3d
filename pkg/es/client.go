// Package es 提供了与 Elasticsearch 交互的客户端功能，用于会话内容检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-relay-go/internal/config"
	"chat-relay-go/internal/model"
	"chat-relay-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Index 封装了一个会话问答索引。
type Index struct {
	client *elasticsearch.Client
	name   string
}

// NewIndex 初始化 Elasticsearch 客户端，并在索引不存在时创建它。
func NewIndex(esCfg config.ElasticsearchConfig) (*Index, error) {
	var addresses []string
	for _, a := range strings.Split(esCfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addresses = append(addresses, a)
		}
	}
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	idx := &Index{client: client, name: esCfg.IndexName}
	if err := idx.createIfNotExists(); err != nil {
		return nil, err
	}
	return idx, nil
}

// createIfNotExists 检查索引是否存在，如果不存在则创建它
func (i *Index) createIfNotExists() error {
	res, err := i.client.Indices.Exists([]string{i.name})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", i.name)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := `{
		"mappings": {
			"properties": {
				"doc_id": { "type": "keyword" },
				"user_id": { "type": "long" },
				"conversation_id": { "type": "keyword" },
				"model_type": { "type": "keyword" },
				"question": { "type": "text" },
				"answer": { "type": "text" },
				"created_at": { "type": "date" }
			}
		}
	}`

	res, err = i.client.Indices.Create(
		i.name,
		i.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", i.name, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", i.name, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", i.name)
	return nil
}

// IndexExchange 写入（或覆盖）一条问答文档。
func (i *Index) IndexExchange(ctx context.Context, doc model.ExchangeDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      i.name,
		DocumentID: doc.DocID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index exchange")
	}
	return nil
}

// Search 在调用者自己的问答中做全文检索。
func (i *Index) Search(ctx context.Context, userID uint, query string, size int) ([]model.SearchHit, error) {
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"question^2", "answer"},
					},
				},
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"user_id": userID}},
				},
			},
		},
		"size": size,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.ExchangeDocument `json:"_source"`
				Score  float64                `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, model.SearchHit{
			ConversationID: h.Source.ConversationID,
			ModelType:      h.Source.ModelType,
			Question:       h.Source.Question,
			Answer:         h.Source.Answer,
			Score:          h.Score,
			CreatedAt:      model.LocalTime(h.Source.CreatedAt),
		})
	}
	return hits, nil
}

// DeleteConversation 删除某个会话的全部问答文档。
func (i *Index) DeleteConversation(ctx context.Context, userID uint, conversationID string) error {
	return i.deleteByQuery(ctx,
		map[string]interface{}{"term": map[string]interface{}{"user_id": userID}},
		map[string]interface{}{"term": map[string]interface{}{"conversation_id": conversationID}},
	)
}

// DeleteByModel 删除用户在某个模型下的全部问答文档。
func (i *Index) DeleteByModel(ctx context.Context, userID uint, modelType string) error {
	return i.deleteByQuery(ctx,
		map[string]interface{}{"term": map[string]interface{}{"user_id": userID}},
		map[string]interface{}{"term": map[string]interface{}{"model_type": modelType}},
	)
}

func (i *Index) deleteByQuery(ctx context.Context, filters ...map[string]interface{}) error {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filters,
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	res, err := i.client.DeleteByQuery(
		[]string{i.name},
		&buf,
		i.client.DeleteByQuery.WithContext(ctx),
		i.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch delete_by_query failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch delete_by_query returned an error: %s", res.Status())
	}
	return nil
}
