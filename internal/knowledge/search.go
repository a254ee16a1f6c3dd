package knowledge

import (
	"context"

	"github.com/kb-engine/backend/internal/query"
)

func (s *Service) Search(ctx context.Context, knowledgeBaseID string, req query.SearchRequest) (*query.SearchResponse, error) {
	kb, err := s.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	return s.engine.Search(ctx, kb, req)
}

// Answer retrieves context from the knowledge base and generates a grounded
// reply.
func (s *Service) Answer(ctx context.Context, knowledgeBaseID string, req query.AnswerRequest) (*query.AnswerResponse, error) {
	kb, err := s.GetKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, err
	}
	return s.engine.Answer(ctx, kb, req)
}
