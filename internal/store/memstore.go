package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"deskbot/internal/models"
)

// Store is the in-memory implementation used when no DB path is configured
// and in tests. Same surface as SQLiteStore, no persistence.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*models.Document
	byPath   map[string]string // path -> docID
	chunks   map[string]models.Chunk
	docChunk map[string][]string // docID -> chunkIDs
	users    map[string]*models.User
	byEmail  map[string]string // email -> userID
	convs    map[string]*models.Conversation
	msgs     map[string][]models.ChatMessage // convID -> messages
	seq      int64
}

func New() *Store {
	return &Store{
		docs:     make(map[string]*models.Document),
		byPath:   make(map[string]string),
		chunks:   make(map[string]models.Chunk),
		docChunk: make(map[string][]string),
		users:    make(map[string]*models.User),
		byEmail:  make(map[string]string),
		convs:    make(map[string]*models.Conversation),
		msgs:     make(map[string][]models.ChatMessage),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// Documents

func (s *Store) UpsertDocument(doc models.Document) (*models.Document, []models.Chunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(doc.Title) == "" {
		doc.Title = titleFromContent(doc.Content, doc.Path)
	}
	now := time.Now()

	var existing *models.Document
	if doc.Path != "" {
		if id, ok := s.byPath[doc.Path]; ok {
			existing = s.docs[id]
		}
	} else if doc.ID != "" {
		existing = s.docs[doc.ID]
	}
	if existing != nil {
		if doc.SHA != "" && existing.SHA == doc.SHA {
			return existing, nil, false, nil
		}
		doc.ID = existing.ID
		doc.CreatedAt = existing.CreatedAt
	} else {
		if doc.ID == "" {
			doc.ID = s.nextID("doc")
		}
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	d := doc
	s.docs[d.ID] = &d
	if d.Path != "" {
		s.byPath[d.Path] = d.ID
	}

	// rebuild chunks
	for _, cid := range s.docChunk[d.ID] {
		delete(s.chunks, cid)
	}
	pieces := chunkForLang(d.Content, d.Lang)
	ids := make([]string, 0, len(pieces))
	chunks := make([]models.Chunk, 0, len(pieces))
	for i, ch := range pieces {
		cid := s.nextID("chk")
		c := models.Chunk{ID: cid, DocID: d.ID, Ord: i, Text: ch.Text, StartLine: ch.StartLine, EndLine: ch.EndLine}
		s.chunks[cid] = c
		ids = append(ids, cid)
		chunks = append(chunks, c)
	}
	s.docChunk[d.ID] = ids
	return &d, chunks, true, nil
}

func (s *Store) GetDocument(id string) (*models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok
}

func (s *Store) GetDocumentByPath(path string) (*models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[path]
	if !ok {
		return nil, false
	}
	d, ok := s.docs[id]
	return d, ok
}

func (s *Store) ListDocuments() []*models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *Store) DeleteDocument(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil
	}
	for _, cid := range s.docChunk[id] {
		delete(s.chunks, cid)
	}
	delete(s.docChunk, id)
	if d.Path != "" {
		delete(s.byPath, d.Path)
	}
	delete(s.docs, id)
	return nil
}

func (s *Store) GetChunk(chunkID string) (*models.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, false
	}
	return &c, true
}

// Search scans document content for the query substring. Score grows with
// occurrence count so repeated mentions outrank single hits.
func (s *Store) Search(query string, k int) []models.SearchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SearchResult
	q := strings.ToLower(query)
	if strings.TrimSpace(q) == "" {
		return nil
	}
	for _, d := range s.docs {
		text := strings.ToLower(d.Content)
		idx := strings.Index(text, q)
		if idx < 0 {
			continue
		}
		score := 1.0
		count := 0
		off := 0
		for {
			i := strings.Index(text[off:], q)
			if i < 0 {
				break
			}
			count++
			off += i + len(q)
		}
		if count > 1 {
			score += float64(count-1) * 0.25
		}
		startLine := 1
		for i := 0; i < idx && i < len(d.Content); i++ {
			if d.Content[i] == '\n' {
				startLine++
			}
		}
		prev := ""
		lines := strings.Split(d.Content, "\n")
		if startLine-1 >= 0 && startLine-1 < len(lines) {
			prev = strings.TrimSpace(lines[startLine-1])
		}
		out = append(out, models.SearchResult{
			DocID: d.ID, Title: d.Title, Source: d.Source,
			Score: score, Preview: prev, StartLine: startLine, EndLine: startLine,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].DocID < out[j].DocID
		}
		return out[i].Score > out[j].Score
	})
	if k <= 0 || k > len(out) {
		k = len(out)
	}
	return out[:k]
}

// Users

func (s *Store) CreateUser(email, name string, role models.Role, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email required")
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("password hash required")
	}
	if _, ok := s.byEmail[email]; ok {
		return nil, ErrEmailExists
	}
	if role == "" {
		role = models.RoleAgent
	}
	u := &models.User{ID: s.nextID("usr"), Email: email, Name: name, Role: role, PasswordHash: passwordHash, CreatedAt: time.Now()}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return u, nil
}

func (s *Store) GetUserByEmail(email string) (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, false
	}
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) GetUser(id string) (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) TouchLastLogin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (s *Store) CountUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Conversations

func (s *Store) CreateConversation(userID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &models.Conversation{ID: s.nextID("conv"), UserID: userID, Title: title, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.convs[c.ID] = c
	return c, nil
}

func (s *Store) GetConversation(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return c, ok
}

func (s *Store) AppendMessage(convID, role, content string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := models.ChatMessage{ID: s.nextID("msg"), ConversationID: convID, Role: role, Content: content, CreatedAt: time.Now()}
	s.msgs[convID] = append(s.msgs[convID], m)
	if c, ok := s.convs[convID]; ok {
		c.UpdatedAt = m.CreatedAt
	}
	return &m, nil
}

func (s *Store) ListMessages(convID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[convID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]models.ChatMessage, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (s *Store) CleanupConversations(ttlDays int) (int, error) {
	if ttlDays <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -ttlDays)
	n := 0
	for id, c := range s.convs {
		last := c.UpdatedAt
		if last.IsZero() {
			last = c.CreatedAt
		}
		if last.Before(cutoff) {
			delete(s.convs, id)
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats() models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.Stats{
		Documents:     len(s.docs),
		Chunks:        len(s.chunks),
		Conversations: len(s.convs),
		Users:         len(s.users),
	}
}
