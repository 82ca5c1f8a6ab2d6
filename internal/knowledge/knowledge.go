// Package knowledge embeds agent documents and conversation content and
// retrieves the passages closest to a query.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/agentdesk/internal/billing"
	"github.com/zulandar/agentdesk/internal/coordinator"
	"github.com/zulandar/agentdesk/internal/llm"
	"github.com/zulandar/agentdesk/internal/media"
	"github.com/zulandar/agentdesk/internal/metrics"
	"github.com/zulandar/agentdesk/internal/models"
	"github.com/zulandar/agentdesk/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Retrieval defaults.
const (
	DefaultMatchCount = 6
	CacheTTL          = 600 * time.Second
)

// Match sources.
const (
	SourceConversation = "conversa"
	SourceKnowledge    = "conhecimento"
)

// ErrFileNotFound is returned by ProcessFile for unknown file ids.
var ErrFileNotFound = errors.New("knowledge: file not found")

const qaPrompt = "Transforme o conteudo abaixo em pares de perguntas e respostas. " +
	"Responda em texto simples, usando o formato 'Q:' e 'A:' em cada par. " +
	"Mantenha o idioma original do conteudo.\n\nConteudo:\n"

// Match is one retrieved passage.
type Match struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Source     string  `json:"source"`
}

// Opts configures a Service. Embedder is required. QA, when set, rewrites
// every chunk into question and answer pairs before embedding.
type Opts struct {
	DB             *gorm.DB
	Store          *storage.Local
	Extractor      *media.Extractor
	Embedder       llm.Embedder
	GeminiEmbedder llm.Embedder
	QA             []llm.Slot
	Cache          coordinator.Coordinator
	Prom           *metrics.Prom
}

// Service processes knowledge files and answers retrieval queries.
type Service struct {
	db        *gorm.DB
	store     *storage.Local
	extractor *media.Extractor
	openai    llm.Embedder
	gemini    llm.Embedder
	qa        []llm.Slot
	cache     coordinator.Coordinator
	prom      *metrics.Prom
	now       func() time.Time
}

// New validates opts and returns a Service.
func New(opts Opts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("knowledge: db is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder is required")
	}
	return &Service{
		db:        opts.DB,
		store:     opts.Store,
		extractor: opts.Extractor,
		openai:    opts.Embedder,
		gemini:    opts.GeminiEmbedder,
		qa:        opts.QA,
		cache:     opts.Cache,
		prom:      opts.Prom,
		now:       time.Now,
	}, nil
}

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// transform asks the model chain for a Q/A rewrite of text. The first model
// that answers wins; the raw text is kept when every model fails.
func (s *Service) transform(ctx context.Context, text string) string {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: qaPrompt + text}}
	for _, slot := range s.qa {
		resp, err := slot.Model.Chat(ctx, msgs, nil)
		if err != nil {
			log.Printf("knowledge: qa transform with %s: %v", slot.Label, err)
			continue
		}
		if strings.TrimSpace(resp.Content) == "" {
			return text
		}
		return resp.Content
	}
	return text
}

type embedded struct {
	content string
	openai  []float32
	gemini  []float32
}

// prepare chunks, rewrites and embeds text. Gemini embeddings are best effort.
func (s *Service) prepare(ctx context.Context, text string) ([]embedded, error) {
	chunks := Chunk(text, DefaultChunkSize, DefaultOverlap)
	if len(chunks) == 0 {
		return nil, nil
	}
	for i, c := range chunks {
		chunks[i] = s.transform(ctx, c)
	}
	vectors, err := s.openai.Embed(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed: %w", err)
	}
	var geminiVectors [][]float32
	if s.gemini != nil {
		geminiVectors, err = s.gemini.Embed(ctx, chunks)
		if err != nil {
			log.Printf("knowledge: gemini embed: %v", err)
			geminiVectors = nil
		}
	}
	out := make([]embedded, len(chunks))
	for i, c := range chunks {
		out[i].content = c
		if i < len(vectors) {
			out[i].openai = vectors[i]
		}
		if i < len(geminiVectors) {
			out[i].gemini = geminiVectors[i]
		}
	}
	return out, nil
}

// ProcessResult reports the outcome of ProcessFile.
type ProcessResult struct {
	FileID string `json:"file_id"`
	Chunks int    `json:"chunks"`
	Status string `json:"status,omitempty"`
}

// ProcessFile extracts, chunks and embeds a stored knowledge file, replacing
// any chunks from a previous run. The file ends in status pronto or erro.
func (s *Service) ProcessFile(ctx context.Context, fileID string) (*ProcessResult, error) {
	db := s.db.WithContext(ctx)
	var file models.KnowledgeFile
	err := db.First(&file, "id = ?", fileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: load file %s: %w", fileID, err)
	}

	active, err := billing.WorkspaceActive(db, file.WorkspaceID, s.now())
	if err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}
	if !active {
		if err := s.setFileStatus(db, fileID, models.FileFailed, "workspace trial expired"); err != nil {
			return nil, err
		}
		return &ProcessResult{FileID: fileID, Status: "blocked"}, nil
	}

	if err := s.setFileStatus(db, fileID, models.FileProcessing, ""); err != nil {
		return nil, err
	}
	n, err := s.processFile(ctx, db, &file)
	if err != nil {
		if serr := s.setFileStatus(db, fileID, models.FileFailed, err.Error()); serr != nil {
			log.Printf("knowledge: %v", serr)
		}
		return nil, err
	}
	if err := s.setFileStatus(db, fileID, models.FileReady, ""); err != nil {
		return nil, err
	}
	return &ProcessResult{FileID: fileID, Chunks: n}, nil
}

func (s *Service) processFile(ctx context.Context, db *gorm.DB, file *models.KnowledgeFile) (int, error) {
	if s.store == nil || s.extractor == nil {
		return 0, fmt.Errorf("knowledge: storage is not configured")
	}
	data, err := s.store.Read(storage.Key(storage.PrefixKnowledge, file.StoragePath))
	if err != nil {
		return 0, fmt.Errorf("knowledge: %w", err)
	}
	name := file.Name
	if name == "" {
		name = filepath.Base(file.StoragePath)
	}
	text, err := s.extractor.Extract(ctx, data, name, file.MimeType)
	if err != nil {
		return 0, fmt.Errorf("knowledge: extract %s: %w", name, err)
	}
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("knowledge: no text extracted from %s", name)
	}

	parts, err := s.prepare(ctx, text)
	if err != nil {
		return 0, err
	}
	rows := make([]models.KnowledgeChunk, len(parts))
	for i, p := range parts {
		rows[i] = models.KnowledgeChunk{
			AgentID:         file.AgentID,
			FileID:          file.ID,
			Position:        i,
			Content:         p.content,
			Tokens:          EstimateTokens(p.content),
			Language:        DetectLanguage(p.content),
			Embedding:       p.openai,
			GeminiEmbedding: p.gemini,
		}
	}
	if err := db.Where("file_id = ?", file.ID).Delete(&models.KnowledgeChunk{}).Error; err != nil {
		return 0, fmt.Errorf("knowledge: clear chunks of %s: %w", file.ID, err)
	}
	if len(rows) > 0 {
		if err := db.Create(&rows).Error; err != nil {
			return 0, fmt.Errorf("knowledge: insert chunks of %s: %w", file.ID, err)
		}
	}
	return len(rows), nil
}

func (s *Service) setFileStatus(db *gorm.DB, fileID, status, cause string) error {
	err := db.Model(&models.KnowledgeFile{}).Where("id = ?", fileID).
		Updates(map[string]interface{}{"status": status, "error": cause}).Error
	if err != nil {
		return fmt.Errorf("knowledge: set file %s %s: %w", fileID, status, err)
	}
	return nil
}

// IngestOpts describes conversation content to index.
type IngestOpts struct {
	AgentID        string
	ConversationID string
	MessageID      string
	Text           string
	Source         string
}

// IngestConversation indexes text under the conversation. A message that
// was already indexed for the agent is skipped. It returns the number of
// chunks stored.
func (s *Service) IngestConversation(ctx context.Context, opts IngestOpts) (int, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return 0, nil
	}
	if opts.AgentID == "" || opts.ConversationID == "" || opts.MessageID == "" {
		return 0, fmt.Errorf("knowledge: agent, conversation and message are required")
	}
	if opts.Source == "" {
		opts.Source = "attachment"
	}
	db := s.db.WithContext(ctx)
	var existing int64
	if err := db.Model(&models.ConversationChunk{}).
		Where("agent_id = ? AND message_id = ?", opts.AgentID, opts.MessageID).
		Count(&existing).Error; err != nil {
		return 0, fmt.Errorf("knowledge: check message %s: %w", opts.MessageID, err)
	}
	if existing > 0 {
		return 0, nil
	}

	parts, err := s.prepare(ctx, opts.Text)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, nil
	}
	rows := make([]models.ConversationChunk, len(parts))
	for i, p := range parts {
		rows[i] = models.ConversationChunk{
			AgentID:         opts.AgentID,
			ConversationID:  opts.ConversationID,
			MessageID:       opts.MessageID,
			Position:        i,
			Source:          opts.Source,
			Content:         p.content,
			Embedding:       p.openai,
			GeminiEmbedding: p.gemini,
		}
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return 0, fmt.Errorf("knowledge: insert conversation chunks: %w", err)
	}
	return len(rows), nil
}

// RetrieveOpts describes a retrieval query. An empty ConversationID searches
// the agent's knowledge base only.
type RetrieveOpts struct {
	AgentID        string
	ConversationID string
	Query          string
	K              int
}

// CacheKey is the coordinator key a retrieval result is cached under.
func CacheKey(agentID, conversationID, query string) string {
	scope := conversationID
	if scope == "" {
		scope = "global"
	}
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("agent:%s:rag:%s:%s", agentID, scope, hex.EncodeToString(sum[:]))
}

// Retrieve returns up to K passages for the query: conversation matches
// first, then the closest knowledge chunks. Results are cached for CacheTTL.
func (s *Service) Retrieve(ctx context.Context, opts RetrieveOpts) ([]Match, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, nil
	}
	if opts.K <= 0 {
		opts.K = DefaultMatchCount
	}
	key := CacheKey(opts.AgentID, opts.ConversationID, opts.Query)
	if cached, ok := s.cached(ctx, key); ok {
		return cached, nil
	}

	var results []Match
	if opts.ConversationID != "" {
		n := opts.K / 2
		if n < 2 {
			n = 2
		}
		results = append(results, s.conversationMatches(ctx, opts.AgentID, opts.ConversationID, opts.Query, n)...)
	}

	cands, err := s.knowledgeCandidates(ctx, opts.AgentID)
	if err != nil {
		return nil, err
	}
	vec, err := embedOne(ctx, s.openai, opts.Query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if found := rank(vec, cands, openAIVector, opts.K, SourceKnowledge); len(found) > 0 {
		results = append(results, found...)
		return s.remember(ctx, key, results, opts.K), nil
	}

	if s.gemini != nil {
		gvec, err := embedOne(ctx, s.gemini, opts.Query)
		if err != nil {
			log.Printf("knowledge: gemini query embed: %v", err)
		} else {
			results = append(results, rank(gvec, cands, geminiVector, opts.K, SourceKnowledge)...)
		}
	}
	if len(results) == 0 {
		return nil, nil
	}
	return s.remember(ctx, key, results, opts.K), nil
}

// conversationMatches ranks the conversation's chunks, with OpenAI vectors
// first and Gemini vectors when OpenAI finds nothing. Errors yield no matches.
func (s *Service) conversationMatches(ctx context.Context, agentID, conversationID, query string, k int) []Match {
	var rows []models.ConversationChunk
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND conversation_id = ?", agentID, conversationID).
		Find(&rows).Error; err != nil {
		log.Printf("knowledge: load conversation chunks: %v", err)
		return nil
	}
	cands := make([]candidate, len(rows))
	for i, r := range rows {
		cands[i] = candidate{id: r.ID, content: r.Content, openai: r.Embedding, gemini: r.GeminiEmbedding}
	}

	vec, err := embedOne(ctx, s.openai, query)
	if err != nil {
		log.Printf("knowledge: conversation query embed: %v", err)
		return nil
	}
	if found := rank(vec, cands, openAIVector, k, SourceConversation); len(found) > 0 {
		return found
	}
	if s.gemini == nil {
		return nil
	}
	gvec, err := embedOne(ctx, s.gemini, query)
	if err != nil {
		return nil
	}
	return rank(gvec, cands, geminiVector, k, SourceConversation)
}

func (s *Service) knowledgeCandidates(ctx context.Context, agentID string) ([]candidate, error) {
	var rows []models.KnowledgeChunk
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load chunks of %s: %w", agentID, err)
	}
	cands := make([]candidate, len(rows))
	for i, r := range rows {
		cands[i] = candidate{id: r.ID, content: r.Content, openai: r.Embedding, gemini: r.GeminiEmbedding}
	}
	return cands, nil
}

func (s *Service) cached(ctx context.Context, key string) ([]Match, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		if s.prom != nil {
			s.prom.CacheMisses.Inc()
		}
		return nil, false
	}
	var out []Match
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		if s.prom != nil {
			s.prom.CacheMisses.Inc()
		}
		return nil, false
	}
	if s.prom != nil {
		s.prom.CacheHits.Inc()
	}
	return out, true
}

// remember trims results to k and caches them.
func (s *Service) remember(ctx context.Context, key string, results []Match, k int) []Match {
	if len(results) > k {
		results = results[:k]
	}
	if s.cache != nil {
		data, err := json.Marshal(results)
		if err == nil {
			err = s.cache.Set(ctx, key, string(data), CacheTTL)
		}
		if err != nil {
			log.Printf("knowledge: cache %s: %v", key, err)
		}
	}
	return results
}

type candidate struct {
	id      string
	content string
	openai  []float32
	gemini  []float32
}

func openAIVector(c candidate) []float32 { return c.openai }
func geminiVector(c candidate) []float32 { return c.gemini }

// rank returns the k candidates most similar to query, best first.
func rank(query []float32, cands []candidate, vector func(candidate) []float32, k int, source string) []Match {
	var out []Match
	for _, c := range cands {
		sim, ok := Cosine(query, vector(c))
		if !ok {
			continue
		}
		out = append(out, Match{ID: c.id, Content: c.content, Similarity: sim, Source: source})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func embedOne(ctx context.Context, e llm.Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return vecs[0], nil
}

// Text joins the contents of matches for a prompt.
func Text(matches []Match) string {
	var parts []string
	for _, m := range matches {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}
