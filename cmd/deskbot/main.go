package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"deskbot/internal/config"
	"deskbot/internal/ingest"
	"deskbot/internal/logging"
	"deskbot/internal/models"
	"deskbot/internal/server"
	"deskbot/internal/telemetry"
	"deskbot/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		addr := fs.String("addr", ":8080", "listen address")
		_ = fs.Parse(os.Args[2:])
		serveCmd(*addr)
	case "version":
		fmt.Println(version.String())
	case "login":
		loginCmd(os.Args[2:])
	case "logout":
		logoutCmd()
	case "chat":
		chatCmd(os.Args[2:])
	case "ask":
		askCmd(os.Args[2:])
	case "search":
		searchCmd(os.Args[2:])
	case "docs":
		docsCmd(os.Args[2:])
	case "ingest":
		ingestCmd(os.Args[2:])
	case "stats":
		statsCmd()
	case "health":
		healthCmd()
	case "metrics":
		metricsCmd()
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("deskbot - IT service desk assistant")
	fmt.Println("usage:")
	fmt.Println("  deskbot serve [--addr :8080]")
	fmt.Println("  deskbot login --email <email> [--password <pw>]")
	fmt.Println("  deskbot logout")
	fmt.Println("  deskbot chat [--conversation <id>|new] [--k 5] [--model <m>] \"<message>\"")
	fmt.Println("  deskbot ask [--k 5] [--model <m>] \"<question>\"")
	fmt.Println("  deskbot search [--k 5] \"<query>\"")
	fmt.Println("  deskbot docs [list|show|rm] ...")
	fmt.Println("  deskbot ingest [--dir .] [--include \"*.md\"] [--exclude ...] [--dry-run]")
	fmt.Println("  deskbot stats")
	fmt.Println("  deskbot health")
	fmt.Println("  deskbot metrics")
	fmt.Println("  deskbot version")
}

func serveCmd(addr string) {
	if err := config.LoadAndApply(); err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}
	logging.Init()
	shutdown := telemetry.Setup("deskbot")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()
	if err := server.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func serverURL() string {
	if v := os.Getenv("DESKBOT_SERVER_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:8080"
}

func tokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".deskbot", "token")
}

// loadToken prefers DESKBOT_TOKEN so scripts can bypass the login flow.
func loadToken() string {
	if v := strings.TrimSpace(os.Getenv("DESKBOT_TOKEN")); v != "" {
		return v
	}
	p := tokenPath()
	if p == "" {
		return ""
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func saveToken(tok string) error {
	p := tokenPath()
	if p == "" {
		return errors.New("cannot resolve home directory")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(tok+"\n"), 0o600)
}

// apiDo sends a JSON request to the server, attaching the saved token.
func apiDo(method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, serverURL()+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := loadToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

// apiFail prints the server's error envelope and exits.
func apiFail(resp *http.Response) {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		if e.Message != "" {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", e.Error, e.Message)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", e.Error)
		}
	} else {
		fmt.Fprintf(os.Stderr, "error: HTTP %d\n", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "hint: run `deskbot login --email <email>` first")
	}
	os.Exit(1)
}

func die(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func loginCmd(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (prompted when omitted)")
	_ = fs.Parse(args)
	if *email == "" {
		fmt.Println("--email required")
		os.Exit(1)
	}
	pw := *password
	if pw == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			die(err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	resp, err := apiDo(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    *email,
		"password": pw,
	})
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiFail(resp)
	}
	var res struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
		User      struct {
			Email string `json:"email"`
			Name  string `json:"name"`
			Role  string `json:"role"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		die(err)
	}
	if err := saveToken(res.Token); err != nil {
		die(err)
	}
	fmt.Printf("logged in as %s (%s), token saved to %s\n", res.User.Email, res.User.Role, tokenPath())
	if res.ExpiresAt != "" {
		fmt.Printf("token expires %s\n", res.ExpiresAt)
	}
}

func logoutCmd() {
	p := tokenPath()
	if p == "" {
		return
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		die(err)
	}
	fmt.Println("logged out")
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	conv := fs.String("conversation", "", `conversation ID, or "new" to start one`)
	k := fs.Int("k", 5, "retrieval top K")
	model := fs.String("model", "", "override chat model")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Println("usage: deskbot chat [--conversation <id>|new] [--k 5] \"<message>\"")
		os.Exit(1)
	}
	q := strings.Join(rest, " ")
	body := map[string]any{
		"message":         q,
		"stream":          true,
		"conversation_id": *conv,
		"retrieval":       map[string]any{"k": *k},
	}
	if *model != "" {
		body["model"] = *model
	}
	resp, err := apiDo(http.MethodPost, "/api/chat", body)
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiFail(resp)
	}
	streamEvents(resp.Body)
}

// streamEvents consumes the chat SSE stream, printing token payloads to
// stdout as they arrive. Data lines carry JSON-escaped text, so a trailing
// "data:" space must survive the trim.
func streamEvents(r io.Reader) {
	rd := bufio.NewScanner(r)
	rd.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lastEvent := ""
	for rd.Scan() {
		line := rd.Text()
		if strings.HasPrefix(line, "event:") {
			lastEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimPrefix(data, " ")
		switch lastEvent {
		case "token":
			fmt.Print(unescapeToken(data))
		case "conversation":
			fmt.Fprintf(os.Stderr, "conversation: %s\n", unescapeToken(data))
		case "error":
			fmt.Println()
			fmt.Fprintf(os.Stderr, "error: %s\n", unescapeToken(data))
			os.Exit(1)
		case "done":
			fmt.Println()
			return
		}
	}
	fmt.Println()
}

func unescapeToken(data string) string {
	if s, err := strconv.Unquote(`"` + data + `"`); err == nil {
		return s
	}
	return data
}

func askCmd(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	conv := fs.String("conversation", "", `conversation ID, or "new" to start one`)
	k := fs.Int("k", 5, "retrieval top K")
	model := fs.String("model", "", "override chat model")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Println("usage: deskbot ask [--k 5] \"<question>\"")
		os.Exit(1)
	}
	q := strings.Join(rest, " ")
	body := map[string]any{
		"message":         q,
		"stream":          false,
		"conversation_id": *conv,
		"retrieval":       map[string]any{"k": *k},
	}
	if *model != "" {
		body["model"] = *model
	}
	resp, err := apiDo(http.MethodPost, "/api/chat", body)
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiFail(resp)
	}
	var res struct {
		Content        string                `json:"content"`
		Sources        []models.SearchResult `json:"sources"`
		ConversationID string                `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		die(err)
	}
	fmt.Println(res.Content)
	if len(res.Sources) > 0 {
		fmt.Println()
		fmt.Println("sources:")
		for _, s := range res.Sources {
			fmt.Printf("  %s  score=%.3f\n", resultLoc(s), s.Score)
		}
	}
	if res.ConversationID != "" {
		fmt.Fprintf(os.Stderr, "conversation: %s\n", res.ConversationID)
	}
}

func searchCmd(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	k := fs.Int("k", 5, "top K results")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Println("usage: deskbot search [--k 5] \"<query>\"")
		os.Exit(1)
	}
	q := strings.Join(rest, " ")
	path := "/api/rag/search?q=" + url.QueryEscape(q) + "&k=" + strconv.Itoa(*k)
	resp, err := apiDo(http.MethodGet, path, nil)
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiFail(resp)
	}
	var res struct {
		Results []models.SearchResult `json:"results"`
		TookMS  int                   `json:"took_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		die(err)
	}
	if len(res.Results) == 0 {
		fmt.Println("no results")
		return
	}
	for _, r := range res.Results {
		fmt.Printf("%s  score=%.3f\n", resultLoc(r), r.Score)
		if r.Preview != "" {
			fmt.Printf("  %s\n", r.Preview)
		}
	}
	fmt.Printf("%d results (%d ms)\n", len(res.Results), res.TookMS)
}

// resultLoc renders a citation as title:start-end, falling back to the
// document ID when the title is empty.
func resultLoc(r models.SearchResult) string {
	name := r.Title
	if name == "" {
		name = r.DocID
	}
	if r.StartLine > 0 {
		if r.EndLine > 0 && r.EndLine != r.StartLine {
			return fmt.Sprintf("%s:%d-%d", name, r.StartLine, r.EndLine)
		}
		return fmt.Sprintf("%s:%d", name, r.StartLine)
	}
	return name
}

func docsCmd(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: deskbot docs [list|show|rm] ...")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		resp, err := apiDo(http.MethodGet, "/api/rag/documents", nil)
		if err != nil {
			die(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			apiFail(resp)
		}
		var res struct {
			Documents []models.Document `json:"documents"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			die(err)
		}
		if len(res.Documents) == 0 {
			fmt.Println("no documents")
			return
		}
		for _, d := range res.Documents {
			line := d.ID + "  " + d.Title
			if d.Path != "" {
				line += "  (" + d.Path + ")"
			}
			fmt.Println(line)
		}
	case "show":
		fs := flag.NewFlagSet("docs show", flag.ExitOnError)
		_ = fs.Parse(args[1:])
		rest := fs.Args()
		if len(rest) == 0 {
			fmt.Println("usage: deskbot docs show <id>")
			os.Exit(1)
		}
		resp, err := apiDo(http.MethodGet, "/api/rag/documents/"+url.PathEscape(rest[0]), nil)
		if err != nil {
			die(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			apiFail(resp)
		}
		var res struct {
			Document models.Document `json:"document"`
			Content  string          `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			die(err)
		}
		fmt.Fprintf(os.Stderr, "# %s (%s)\n", res.Document.Title, res.Document.ID)
		fmt.Print(res.Content)
		if !strings.HasSuffix(res.Content, "\n") {
			fmt.Println()
		}
	case "rm":
		fs := flag.NewFlagSet("docs rm", flag.ExitOnError)
		yes := fs.Bool("yes", false, "delete without prompt")
		_ = fs.Parse(args[1:])
		rest := fs.Args()
		if len(rest) == 0 {
			fmt.Println("usage: deskbot docs rm [--yes] <id>")
			os.Exit(1)
		}
		if !*yes {
			fmt.Println("confirmation required: pass --yes to delete")
			os.Exit(1)
		}
		resp, err := apiDo(http.MethodDelete, "/api/rag/documents/"+url.PathEscape(rest[0]), nil)
		if err != nil {
			die(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			apiFail(resp)
		}
		fmt.Printf("deleted %s\n", rest[0])
	default:
		fmt.Println("usage: deskbot docs [list|show|rm] ...")
		os.Exit(1)
	}
}

func ingestCmd(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dir := fs.String("dir", ".", "directory to scan")
	maxFiles := fs.Int("max-files", 500, "file count limit")
	maxBytes := fs.Int64("max-bytes", 256*1024, "per-file size limit")
	include := fs.String("include", "", "comma-separated glob patterns to include")
	exclude := fs.String("exclude", "", "comma-separated glob patterns to exclude")
	dryRun := fs.Bool("dry-run", false, "list what would be uploaded and exit")
	_ = fs.Parse(args)

	docs, err := ingest.Scan(*dir, ingest.Options{
		MaxFiles:    *maxFiles,
		MaxFileSize: *maxBytes,
		Include:     splitCSV(*include),
		Exclude:     splitCSV(*exclude),
	})
	if err != nil {
		die(err)
	}
	if len(docs) == 0 {
		fmt.Println("nothing to ingest")
		return
	}
	if *dryRun {
		for _, d := range docs {
			fmt.Printf("[dry-run] %s (%s)\n", d.Path, humanize.Bytes(uint64(len(d.Content))))
		}
		fmt.Printf("[dry-run] %d documents\n", len(docs))
		return
	}

	added, skipped, chunks := 0, 0, 0
	for _, d := range docs {
		// Document marshals without content, so build the upload body by hand.
		resp, err := apiDo(http.MethodPost, "/api/rag/documents", map[string]any{
			"title":    d.Title,
			"source":   d.Source,
			"path":     d.Path,
			"content":  d.Content,
			"lang":     d.Lang,
			"sha":      d.SHA,
			"metadata": d.Metadata,
		})
		if err != nil {
			die(err)
		}
		if resp.StatusCode != http.StatusOK {
			apiFail(resp)
		}
		var res models.IngestResult
		err = json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()
		if err != nil {
			die(err)
		}
		if res.Skipped {
			skipped++
			fmt.Printf("  skip %s (unchanged)\n", d.Path)
			continue
		}
		added++
		chunks += res.Chunks
		fmt.Printf("  add  %s (chunks=%d)\n", d.Path, res.Chunks)
	}
	fmt.Printf("ingested %d documents, %d chunks (%d unchanged)\n", added, chunks, skipped)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func statsCmd() {
	resp, err := apiDo(http.MethodGet, "/api/rag/stats", nil)
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiFail(resp)
	}
	var st models.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		die(err)
	}
	fmt.Printf("documents:     %s\n", humanize.Comma(int64(st.Documents)))
	fmt.Printf("chunks:        %s\n", humanize.Comma(int64(st.Chunks)))
	fmt.Printf("vectors:       %s\n", humanize.Comma(int64(st.Vectors)))
	fmt.Printf("conversations: %s\n", humanize.Comma(int64(st.Conversations)))
	fmt.Printf("users:         %s\n", humanize.Comma(int64(st.Users)))
	if st.DBBytes > 0 {
		fmt.Printf("db size:       %s\n", humanize.Bytes(uint64(st.DBBytes)))
	}
}

func healthCmd() {
	resp, err := apiDo(http.MethodGet, "/health", nil)
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	var res struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		UptimeS int               `json:"uptime_s"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		_, _ = io.Copy(os.Stdout, resp.Body)
		return
	}
	fmt.Printf("status:  %s\n", res.Status)
	fmt.Printf("version: %s\n", res.Version)
	fmt.Printf("uptime:  %s\n", (time.Duration(res.UptimeS) * time.Second).String())
	for _, k := range []string{"store", "llm"} {
		if v, ok := res.Checks[k]; ok {
			fmt.Printf("%-8s %s\n", k+":", v)
		}
	}
	if res.Status != "ok" {
		os.Exit(1)
	}
}

func metricsCmd() {
	resp, err := apiDo(http.MethodGet, "/metrics", nil)
	if err != nil {
		die(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(os.Stdout, resp.Body)
}
