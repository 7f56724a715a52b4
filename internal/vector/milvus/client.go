// Package milvus implements the chunk store on a Milvus collection. Each
// record is one chunk: its embedding plus the document metadata the search
// filters operate on.
package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/lobbyscope/backend/internal/vector"
	"github.com/lobbyscope/backend/pkg/logger"
)

type Store struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewStore(ctx context.Context, endpoint, collectionName string, vectorDim int) (*Store, error) {
	c, err := client.NewGrpcClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Store{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection creates and loads the chunk collection if it does not
// exist yet.
func (s *Store) EnsureCollection(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collectionName)
	if err != nil {
		return unavailable(err, "failed to check collection")
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", s.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: s.collectionName,
		Description:    "PDF document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "96"},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", s.vectorDim),
				},
			},
			{
				Name:       "text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "16384"},
			},
			{
				Name:       "document_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "96"},
			},
			{
				Name:       "file_name",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:       "author",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       "region",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "language",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "date",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "ordinal",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "token_count",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return unavailable(err, "failed to create collection")
	}

	idx, _ := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err := s.client.CreateIndex(ctx, s.collectionName, "embedding", idx, false); err != nil {
		return unavailable(err, "failed to create index")
	}

	if err := s.client.LoadCollection(ctx, s.collectionName, false); err != nil {
		return unavailable(err, "failed to load collection")
	}

	logger.Info("Collection created and loaded", zap.String("collection", s.collectionName))

	return nil
}

func (s *Store) Insert(ctx context.Context, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	documentIDs := make([]string, len(chunks))
	fileNames := make([]string, len(chunks))
	authors := make([]string, len(chunks))
	regions := make([]string, len(chunks))
	languages := make([]string, len(chunks))
	dates := make([]int64, len(chunks))
	ordinals := make([]int64, len(chunks))
	tokenCounts := make([]int64, len(chunks))

	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
		embeddings[i] = chunk.Embedding
		texts[i] = chunk.Text
		documentIDs[i] = chunk.DocumentID
		fileNames[i] = chunk.FileName
		authors[i] = chunk.Author
		regions[i] = chunk.Region
		languages[i] = chunk.Language
		dates[i] = chunk.Date
		ordinals[i] = int64(chunk.Ordinal)
		tokenCounts[i] = int64(chunk.TokenCount)
	}

	_, err := s.client.Insert(
		ctx,
		s.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", s.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnVarChar("file_name", fileNames),
		entity.NewColumnVarChar("author", authors),
		entity.NewColumnVarChar("region", regions),
		entity.NewColumnVarChar("language", languages),
		entity.NewColumnInt64("date", dates),
		entity.NewColumnInt64("ordinal", ordinals),
		entity.NewColumnInt64("token_count", tokenCounts),
	)
	if err != nil {
		return unavailable(err, "failed to insert chunks")
	}

	if err := s.client.Flush(ctx, s.collectionName, false); err != nil {
		return unavailable(err, "failed to flush")
	}

	logger.Debug("Chunks inserted into vector store", zap.Int("count", len(chunks)))

	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	expr := fmt.Sprintf(`document_id == "%s"`, escape(documentID))
	if err := s.client.Delete(ctx, s.collectionName, "", expr); err != nil {
		return unavailable(err, "failed to delete document chunks")
	}
	if err := s.client.Flush(ctx, s.collectionName, false); err != nil {
		return unavailable(err, "failed to flush after delete")
	}
	return nil
}

func (s *Store) Search(ctx context.Context, queryVector []float32, filters vector.Filters, limit int) ([]vector.Candidate, error) {
	expr := buildExpr(filters)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	outputFields := []string{
		"chunk_id", "text", "document_id", "file_name",
		"author", "region", "language", "date", "ordinal", "token_count",
	}

	searchResult, err := s.client.Search(
		ctx,
		s.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(queryVector)},
		"embedding",
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, unavailable(err, "failed to search")
	}

	results := make([]vector.Candidate, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			candidate := vector.Candidate{Score: sr.Scores[i]}
			candidate.ID = stringAt(sr.Fields.GetColumn("chunk_id"), i)
			candidate.Text = stringAt(sr.Fields.GetColumn("text"), i)
			candidate.DocumentID = stringAt(sr.Fields.GetColumn("document_id"), i)
			candidate.FileName = stringAt(sr.Fields.GetColumn("file_name"), i)
			candidate.Author = stringAt(sr.Fields.GetColumn("author"), i)
			candidate.Region = stringAt(sr.Fields.GetColumn("region"), i)
			candidate.Language = stringAt(sr.Fields.GetColumn("language"), i)
			candidate.Date = int64At(sr.Fields.GetColumn("date"), i)
			candidate.Ordinal = int(int64At(sr.Fields.GetColumn("ordinal"), i))
			candidate.TokenCount = int(int64At(sr.Fields.GetColumn("token_count"), i))
			results = append(results, candidate)
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
		zap.String("filters", expr),
	)

	return results, nil
}

func buildExpr(filters vector.Filters) string {
	var parts []string
	if filters.Author != "" {
		parts = append(parts, fmt.Sprintf(`author == "%s"`, escape(filters.Author)))
	}
	if filters.Region != "" {
		parts = append(parts, fmt.Sprintf(`region == "%s"`, escape(filters.Region)))
	}
	if filters.FileName != "" {
		parts = append(parts, fmt.Sprintf(`file_name == "%s"`, escape(filters.FileName)))
	}
	if filters.Language != "" {
		parts = append(parts, fmt.Sprintf(`language == "%s"`, escape(filters.Language)))
	}
	if filters.DateFrom != 0 {
		parts = append(parts, fmt.Sprintf("date >= %d", filters.DateFrom))
	}
	if filters.DateTo != 0 {
		parts = append(parts, fmt.Sprintf("date <= %d", filters.DateTo))
	}
	return strings.Join(parts, " && ")
}

func escape(value string) string {
	return strings.ReplaceAll(value, `"`, `\"`)
}

func stringAt(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func int64At(col entity.Column, i int) int64 {
	if col == nil {
		return 0
	}
	v, err := col.Get(i)
	if err != nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func unavailable(err error, msg string) error {
	return fmt.Errorf("%s: %w: %v", msg, vector.ErrIndexUnavailable, err)
}
