package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-relay-go/internal/model"
	"chat-relay-go/pkg/log"
)

// ErrSearchDisabled 表示未配置 Elasticsearch。
var ErrSearchDisabled = errors.New("search is not enabled")

const (
	defaultSearchSize = 10
	maxSearchSize     = 50
)

// ExchangeSearcher 是全文检索后端，Elasticsearch 实现见 pkg/es。
type ExchangeSearcher interface {
	Search(ctx context.Context, userID uint, query string, size int) ([]model.SearchHit, error)
}

// SearchService 在用户自己的历史问答中检索。
type SearchService interface {
	Search(ctx context.Context, userID uint, query string, size int) ([]model.SearchHit, error)
}

type searchService struct {
	searcher ExchangeSearcher
}

// NewSearchService 创建一个新的 SearchService，searcher 为 nil 时所有检索返回 ErrSearchDisabled。
func NewSearchService(searcher ExchangeSearcher) SearchService {
	return &searchService{searcher: searcher}
}

func (s *searchService) Search(ctx context.Context, userID uint, query string, size int) ([]model.SearchHit, error) {
	if s.searcher == nil {
		return nil, ErrSearchDisabled
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}

	log.Infof("[SearchService] 开始检索, user: %d, query: '%s', size: %d", userID, query, size)
	hits, err := s.searcher.Search(ctx, userID, query, size)
	if err != nil {
		log.Errorf("[SearchService] 检索失败: %v", err)
		return nil, err
	}
	log.Infof("[SearchService] 检索完成, 命中 %d 条", len(hits))
	return hits, nil
}
