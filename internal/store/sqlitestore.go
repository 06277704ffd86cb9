package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"deskbot/internal/config"
	"deskbot/internal/models"
	sqlm "deskbot/internal/storage/sqlite"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrEmailExists = errors.New("email already registered")
)

type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	// migration manager with versioning
	if err := (sqlm.Manager{}).UpToLatest(context.Background(), db); err != nil {
		return nil, err
	}
	// optional seed data
	_ = (sqlm.Manager{}).Seed(context.Background(), db)
	return &SQLiteStore{db: db, path: path}, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// DB exposes the underlying *sql.DB so the vector store can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// WithTx provides a simple transaction wrapper that commits on nil error
// and rolls back on error. The callback must not hold the tx beyond return.
func (s *SQLiteStore) WithTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Documents / FTS5

// UpsertDocument stores a document and (re)builds its lexical index. The
// upsert key is Path when set, otherwise ID, otherwise a new document is
// created. When the content SHA is unchanged the existing chunks are kept
// and reindexed=false is returned so callers can skip re-embedding.
func (s *SQLiteStore) UpsertDocument(doc models.Document) (*models.Document, []models.Chunk, bool, error) {
	if strings.TrimSpace(doc.Title) == "" {
		doc.Title = titleFromContent(doc.Content, doc.Path)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, false, err
	}
	defer tx.Rollback()

	var existingID, existingSHA string
	switch {
	case doc.Path != "":
		_ = tx.QueryRow(`SELECT id, COALESCE(sha,'') FROM documents WHERE path=?`, doc.Path).Scan(&existingID, &existingSHA)
	case doc.ID != "":
		_ = tx.QueryRow(`SELECT id, COALESCE(sha,'') FROM documents WHERE id=?`, doc.ID).Scan(&existingID, &existingSHA)
	}

	now := time.Now()
	nowStr := now.Format(time.RFC3339)
	meta := metadataJSON(doc.Metadata)

	if existingID != "" && doc.SHA != "" && existingSHA == doc.SHA {
		_ = tx.Commit()
		doc.ID = existingID
		return &doc, nil, false, nil
	}

	if existingID == "" {
		if doc.ID == "" {
			doc.ID = newID("doc")
		}
		if _, err := tx.Exec(`INSERT INTO documents(id,title,source,path,sha,lang,content,metadata,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
			doc.ID, doc.Title, doc.Source, doc.Path, doc.SHA, doc.Lang, doc.Content, meta, nowStr, nowStr); err != nil {
			return nil, nil, false, err
		}
		doc.CreatedAt = now
	} else {
		doc.ID = existingID
		if _, err := tx.Exec(`UPDATE documents SET title=?, source=?, sha=?, lang=?, content=?, metadata=?, updated_at=? WHERE id=?`,
			doc.Title, doc.Source, doc.SHA, doc.Lang, doc.Content, meta, nowStr, doc.ID); err != nil {
			return nil, nil, false, err
		}
		// reindex: drop old lexical entries first
		if _, err := tx.Exec(`DELETE FROM termindex WHERE doc_id=?`, doc.ID); err != nil {
			return nil, nil, false, err
		}
		if _, err := tx.Exec(`DELETE FROM chunks WHERE doc_id=?`, doc.ID); err != nil {
			return nil, nil, false, err
		}
	}
	doc.UpdatedAt = now

	pieces := chunkForLang(doc.Content, doc.Lang)
	chunks := make([]models.Chunk, 0, len(pieces))
	for i, ch := range pieces {
		chkID := newID("chk")
		if _, err := tx.Exec(`INSERT INTO chunks(id,doc_id,ord,text,token_count,start_line,end_line,created_at) VALUES(?,?,?,?,?,?,?,?)`,
			chkID, doc.ID, i, ch.Text, nil, ch.StartLine, ch.EndLine, nowStr); err != nil {
			return nil, nil, false, err
		}
		if _, err := tx.Exec(`INSERT INTO termindex(doc_id,ord,text) VALUES(?,?,?)`, doc.ID, i, ch.Text); err != nil {
			return nil, nil, false, err
		}
		chunks = append(chunks, models.Chunk{ID: chkID, DocID: doc.ID, Ord: i, Text: ch.Text, StartLine: ch.StartLine, EndLine: ch.EndLine})
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, false, err
	}
	return &doc, chunks, true, nil
}

func chunkForLang(content, lang string) []chunk {
	switch lang {
	case "go", "ts", "js", "py", "sh":
		return chunkSmartWithLines(content, lang, 2000)
	case "md", "txt", "":
		return chunkDocWithLines(content, 2000)
	default:
		return chunkDocWithLines(content, 2000)
	}
}

func metadataJSON(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func titleFromContent(content, path string) string {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		t = strings.TrimLeft(t, "# ")
		if len(t) > 120 {
			t = t[:120]
		}
		return t
	}
	if path != "" {
		return path
	}
	return "untitled"
}

func (s *SQLiteStore) GetDocument(id string) (*models.Document, bool) {
	row := s.db.QueryRow(`SELECT id,title,COALESCE(source,''),COALESCE(path,''),COALESCE(sha,''),COALESCE(lang,''),content,COALESCE(metadata,''),created_at,COALESCE(updated_at,'') FROM documents WHERE id=?`, id)
	return scanDocument(row)
}

func (s *SQLiteStore) GetDocumentByPath(path string) (*models.Document, bool) {
	row := s.db.QueryRow(`SELECT id,title,COALESCE(source,''),COALESCE(path,''),COALESCE(sha,''),COALESCE(lang,''),content,COALESCE(metadata,''),created_at,COALESCE(updated_at,'') FROM documents WHERE path=?`, path)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (*models.Document, bool) {
	var d models.Document
	var meta, created, updated string
	if err := row.Scan(&d.ID, &d.Title, &d.Source, &d.Path, &d.SHA, &d.Lang, &d.Content, &meta, &created, &updated); err != nil {
		return nil, false
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &d.Metadata)
	}
	if t, _ := time.Parse(time.RFC3339, created); !t.IsZero() {
		d.CreatedAt = t
	}
	if t, _ := time.Parse(time.RFC3339, updated); !t.IsZero() {
		d.UpdatedAt = t
	}
	return &d, true
}

// ListDocuments returns document metadata ordered by update time, content omitted.
func (s *SQLiteStore) ListDocuments() []*models.Document {
	rows, err := s.db.Query(`SELECT id,title,COALESCE(source,''),COALESCE(path,''),COALESCE(sha,''),COALESCE(lang,''),created_at,COALESCE(updated_at,'') FROM documents ORDER BY COALESCE(updated_at, created_at) DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []*models.Document
	for rows.Next() {
		var d models.Document
		var created, updated string
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.Path, &d.SHA, &d.Lang, &created, &updated); err == nil {
			if t, _ := time.Parse(time.RFC3339, created); !t.IsZero() {
				d.CreatedAt = t
			}
			if t, _ := time.Parse(time.RFC3339, updated); !t.IsZero() {
				d.UpdatedAt = t
			}
			out = append(out, &d)
		}
	}
	return out
}

// DeleteDocument deletes a document and its chunks/index entries.
// Embedding rows are the vector store's concern.
func (s *SQLiteStore) DeleteDocument(id string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM termindex WHERE doc_id=?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chunks WHERE doc_id=?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM documents WHERE id=?`, id); err != nil {
			return err
		}
		return nil
	})
}

func (s *SQLiteStore) GetChunk(chunkID string) (*models.Chunk, bool) {
	row := s.db.QueryRow(`SELECT id, doc_id, ord, text, COALESCE(start_line,0), COALESCE(end_line,0) FROM chunks WHERE id=?`, chunkID)
	var c models.Chunk
	if err := row.Scan(&c.ID, &c.DocID, &c.Ord, &c.Text, &c.StartLine, &c.EndLine); err != nil {
		return nil, false
	}
	return &c, true
}

// Search runs a bm25-ranked FTS5 query. Scores are flipped positive so
// higher means more relevant, matching the vector side.
func (s *SQLiteStore) Search(query string, k int) []models.SearchResult {
	if k <= 0 {
		k = 10
	}
	match := ftsQuery(query)
	if match == "" {
		return nil
	}
	prevTok := config.Int("DESKBOT_PREVIEW_SNIPPET_TOKENS", 10)
	rows, err := s.db.Query(fmt.Sprintf(`
        SELECT d.id, d.title, COALESCE(d.source,''), -bm25(termindex) as score,
               snippet(termindex, 2, '[', ']', ' … ', %d) as preview,
               c.start_line, c.end_line
        FROM termindex
        JOIN documents d ON d.id = termindex.doc_id
        JOIN chunks c ON c.doc_id = termindex.doc_id AND c.ord = termindex.ord
        WHERE termindex MATCH ?
        ORDER BY score DESC LIMIT ?
    `, prevTok), match, k)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		var start, end sql.NullInt64
		if err := rows.Scan(&r.DocID, &r.Title, &r.Source, &r.Score, &r.Preview, &start, &end); err == nil {
			if start.Valid {
				r.StartLine = int(start.Int64)
			}
			if end.Valid {
				r.EndLine = int(end.Int64)
			}
			out = append(out, r)
		}
	}
	return out
}

var ftsTokenRe = regexp.MustCompile(`[\pL\pN]+`)

// ftsQuery quotes each term so punctuation in natural-language questions
// cannot break the FTS5 query syntax. Terms combine with implicit AND.
func ftsQuery(q string) string {
	terms := ftsTokenRe.FindAllString(q, -1)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " ")
}

// Users

func (s *SQLiteStore) CreateUser(email, name string, role models.Role, passwordHash string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email required")
	}
	if passwordHash == "" {
		return nil, errors.New("password hash required")
	}
	if role == "" {
		role = models.RoleAgent
	}
	if _, ok := s.GetUserByEmail(email); ok {
		return nil, ErrEmailExists
	}
	u := &models.User{ID: newID("usr"), Email: email, Name: name, Role: role, PasswordHash: passwordHash, CreatedAt: time.Now()}
	_, err := s.db.Exec(`INSERT INTO users(id,email,name,role,password_hash,created_at) VALUES(?,?,?,?,?,?)`,
		u.ID, u.Email, u.Name, string(u.Role), u.PasswordHash, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByEmail(email string) (*models.User, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRow(`SELECT id,email,COALESCE(name,''),role,password_hash,created_at,COALESCE(last_login_at,'') FROM users WHERE email=?`, email)
	return scanUser(row)
}

func (s *SQLiteStore) GetUser(id string) (*models.User, bool) {
	row := s.db.QueryRow(`SELECT id,email,COALESCE(name,''),role,password_hash,created_at,COALESCE(last_login_at,'') FROM users WHERE id=?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, bool) {
	var u models.User
	var role, created, lastLogin string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.PasswordHash, &created, &lastLogin); err != nil {
		return nil, false
	}
	u.Role = models.Role(role)
	if t, _ := time.Parse(time.RFC3339, created); !t.IsZero() {
		u.CreatedAt = t
	}
	if lastLogin != "" {
		if t, _ := time.Parse(time.RFC3339, lastLogin); !t.IsZero() {
			u.LastLoginAt = &t
		}
	}
	return &u, true
}

func (s *SQLiteStore) TouchLastLogin(id string) error {
	_, err := s.db.Exec(`UPDATE users SET last_login_at=? WHERE id=?`, time.Now().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) CountUsers() int {
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM users`).Scan(&n)
	return n
}

// Conversations

func (s *SQLiteStore) CreateConversation(userID, title string) (*models.Conversation, error) {
	c := &models.Conversation{ID: newID("conv"), UserID: userID, Title: title, CreatedAt: time.Now()}
	_, err := s.db.Exec(`INSERT INTO conversations(id,user_id,title,created_at) VALUES(?,?,?,?)`,
		c.ID, c.UserID, c.Title, c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, bool) {
	row := s.db.QueryRow(`SELECT id,user_id,COALESCE(title,''),created_at,COALESCE(updated_at,'') FROM conversations WHERE id=?`, id)
	var c models.Conversation
	var created, updated string
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
		return nil, false
	}
	if t, _ := time.Parse(time.RFC3339, created); !t.IsZero() {
		c.CreatedAt = t
	}
	if t, _ := time.Parse(time.RFC3339, updated); !t.IsZero() {
		c.UpdatedAt = t
	}
	return &c, true
}

func (s *SQLiteStore) AppendMessage(convID, role, content string) (*models.ChatMessage, error) {
	m := &models.ChatMessage{ID: newID("msg"), ConversationID: convID, Role: role, Content: content, CreatedAt: time.Now()}
	now := m.CreatedAt.Format(time.RFC3339)
	return m, s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO conversation_messages(id,conv_id,role,content,created_at) VALUES(?,?,?,?,?)`,
			m.ID, convID, role, content, now); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE conversations SET updated_at=? WHERE id=?`, now, convID)
		return err
	})
}

// ListMessages returns the most recent messages in chronological order.
func (s *SQLiteStore) ListMessages(convID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	// created_at is second precision; rowid breaks ties in insertion order
	rows, err := s.db.Query(`SELECT id,role,content,created_at FROM conversation_messages WHERE conv_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var created string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err == nil {
			m.ConversationID = convID
			if t, _ := time.Parse(time.RFC3339, created); !t.IsZero() {
				m.CreatedAt = t
			}
			out = append(out, m)
		}
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CleanupConversations removes conversations idle for ttlDays or longer.
func (s *SQLiteStore) CleanupConversations(ttlDays int) (int, error) {
	if ttlDays <= 0 {
		return 0, nil
	}
	rows, err := s.db.Query(`SELECT id FROM conversations WHERE (julianday('now') - julianday(COALESCE(updated_at, created_at))) >= ?`, ttlDays)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, id := range ids {
		_, _ = tx.Exec(`DELETE FROM conversation_messages WHERE conv_id=?`, id)
		_, _ = tx.Exec(`DELETE FROM conversations WHERE id=?`, id)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stats

func (s *SQLiteStore) Stats() models.Stats {
	count := func(q string) int {
		var n int
		_ = s.db.QueryRow(q).Scan(&n)
		return n
	}
	st := models.Stats{
		Documents:     count(`SELECT COUNT(1) FROM documents`),
		Chunks:        count(`SELECT COUNT(1) FROM chunks`),
		Conversations: count(`SELECT COUNT(1) FROM conversations`),
		Users:         count(`SELECT COUNT(1) FROM users`),
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.DBBytes = fi.Size()
	}
	return st
}

// --- chunking ---

type chunk struct {
	Text      string
	StartLine int
	EndLine   int
}

// chunkSmartWithLines prefers code boundaries when possible based on language.
// Used for scripts and snippets that land in the knowledge base.
func chunkSmartWithLines(s, lang string, maxLen int) []chunk {
	if len(s) == 0 {
		return nil
	}
	re := boundaryRegex(lang)
	lines := strings.Split(s, "\n")
	var pieces []chunk
	var buf strings.Builder
	startLine := 1
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if re != nil && re.MatchString(line) && buf.Len() >= 1_000 {
			text := buf.String()
			if text != "" {
				pieces = append(pieces, chunk{Text: text, StartLine: startLine, EndLine: startLine + strings.Count(text, "\n")})
				startLine += strings.Count(text, "\n")
				buf.Reset()
			}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if buf.Len() > 0 {
		text := buf.String()
		pieces = append(pieces, chunk{Text: text, StartLine: startLine, EndLine: startLine + strings.Count(text, "\n")})
	}
	maxTok, overlap := chunkConfig(maxLen)
	var out []chunk
	for _, p := range pieces {
		out = append(out, splitTokensWithOverlap(p.Text, maxTok, overlap, p.StartLine)...)
	}
	return out
}

func boundaryRegex(lang string) *regexp.Regexp {
	switch lang {
	case "go":
		return regexp.MustCompile(`^(func|type|const|var)\b`)
	case "ts", "js":
		return regexp.MustCompile(`^(export\s+)?(async\s+)?(function|class)\b`)
	case "py":
		return regexp.MustCompile(`^(def|class)\b`)
	case "sh":
		return regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\s*\(\)\s*\{`)
	default:
		return nil
	}
}

// chunkDocWithLines splits markdown/text into chunks by headings and paragraph
// boundaries while respecting a soft maxLen. Headings always start a new chunk.
func chunkDocWithLines(s string, maxLen int) []chunk {
	if len(s) == 0 {
		return nil
	}
	lines := strings.Split(s, "\n")
	var pieces []chunk
	var buf strings.Builder
	startLine := 1
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		text := buf.String()
		pieces = append(pieces, chunk{Text: text, StartLine: startLine, EndLine: startLine + strings.Count(text, "\n")})
		startLine += strings.Count(text, "\n")
		buf.Reset()
	}
	isHeading := func(l string) bool {
		ltrim := strings.TrimSpace(l)
		return strings.HasPrefix(ltrim, "#")
	}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if isHeading(line) {
			flush()
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if strings.TrimSpace(line) == "" && buf.Len() >= 1000 {
			flush()
		}
	}
	flush()
	maxTok, overlap := chunkConfig(maxLen)
	var out []chunk
	for _, p := range pieces {
		out = append(out, splitTokensWithOverlap(p.Text, maxTok, overlap, p.StartLine)...)
	}
	return out
}

// --- token-based chunking with overlap ---

type tokenPos struct{ start, end int }

func scanTokens(s string) []tokenPos {
	var toks []tokenPos
	n := len(s)
	i := 0
	for i < n {
		// skip whitespace
		for i < n {
			c := s[i]
			if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
				i++
				continue
			}
			break
		}
		if i >= n {
			break
		}
		st := i
		for i < n {
			c := s[i]
			if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
				break
			}
			i++
		}
		toks = append(toks, tokenPos{start: st, end: i})
	}
	return toks
}

func splitTokensWithOverlap(s string, maxTokens int, overlapRatio float64, startLine int) []chunk {
	if maxTokens <= 0 {
		maxTokens = 400
	}
	if overlapRatio < 0 {
		overlapRatio = 0
	}
	if overlapRatio > 0.5 {
		overlapRatio = 0.5
	}
	toks := scanTokens(s)
	if len(toks) == 0 {
		return nil
	}
	step := maxTokens - int(float64(maxTokens)*overlapRatio+0.5)
	if step < 1 {
		step = 1
	}
	var out []chunk
	for i := 0; i < len(toks); i += step {
		j := i + maxTokens
		if j > len(toks) {
			j = len(toks)
		}
		st := toks[i].start
		en := toks[j-1].end
		piece := s[st:en]
		prefix := s[:st]
		start := startLine + strings.Count(prefix, "\n")
		end := start + strings.Count(piece, "\n")
		out = append(out, chunk{Text: piece, StartLine: start, EndLine: end})
		if j == len(toks) {
			break
		}
	}
	return out
}

func chunkConfig(hint int) (maxTokens int, overlap float64) {
	maxTokens = config.Int("DESKBOT_CHUNK_TOKENS", 0)
	if maxTokens <= 0 {
		if hint > 0 {
			maxTokens = hint / 5 // ~5 chars per token
		}
		if maxTokens <= 0 {
			maxTokens = 400
		}
	}
	overlap = config.Float("DESKBOT_CHUNK_OVERLAP", 0.10)
	if overlap < 0 || overlap > 0.5 {
		overlap = 0.10
	}
	return
}
