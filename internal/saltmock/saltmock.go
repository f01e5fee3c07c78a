// Package saltmock is an in-process stand-in for a salt-api backend. It
// speaks just enough of the rest_cherrypy surface (login/logout, dispatch,
// job lookup, SSE and websocket event feeds) for package tests to exercise
// the client against real HTTP.
// salt-api 的进程内模拟实现，供各包测试使用
package saltmock

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Credential mirrors the login response record
type Credential struct {
	Eauth  string   `json:"eauth"`
	Token  string   `json:"token"`
	Start  float64  `json:"start"`
	Expire float64  `json:"expire"`
	Perms  []string `json:"perms"`
	User   string   `json:"user"`
}

// QueuedEvent is one record the event feeds replay to a connecting client
type QueuedEvent struct {
	Tag  string
	Data string
}

// Server is the mock backend. Zero-value fields get sensible defaults from
// NewServer; tests adjust the exported knobs before making requests.
type Server struct {
	// Password is the only accepted password (any username works)
	Password string

	// TokenTTL controls the expire timestamp of issued credentials
	TokenTTL time.Duration

	// Minions is the fleet reported for local-family commands
	Minions []string

	// NextJID, when set, is used for the next async dispatch instead of a
	// generated id
	NextJID string

	// ForceStatus short-circuits the dispatch endpoint with a fixed HTTP
	// status and an arbitrary body (for error-mapping tests)
	ForceStatus int
	ForceBody   string

	// OnRun, when set, computes the per-command result instead of the
	// default behavior (local commands only)
	OnRun func(cmd map[string]interface{}) interface{}

	mu      sync.Mutex
	tokens  map[string]Credential
	jobs    map[string]*jobRecord
	events  []QueuedEvent
	hooks   []string
	httpSrv *httptest.Server
}

type jobRecord struct {
	jid     string
	fun     string
	minions []string
	// returned holds per-minion results reported so far
	returned map[string]interface{}
}

// NewServer starts the mock backend on a loopback listener
func NewServer() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		Password: "saltdev",
		TokenTTL: time.Hour,
		Minions:  []string{"ms-0", "ms-1"},
		tokens:   make(map[string]Credential),
		jobs:     make(map[string]*jobRecord),
	}

	engine := gin.New()
	engine.POST("/login", s.handleLogin)
	engine.POST("/logout", s.requireToken, s.handleLogout)
	engine.POST("/", s.requireToken, s.handleRun)
	engine.POST("/run", s.handleRunSessionless)
	engine.GET("/jobs/:jid", s.requireToken, s.handleJob)
	engine.GET("/minions", s.requireToken, s.handleMinions)
	engine.GET("/minions/:mid", s.requireToken, s.handleMinion)
	engine.GET("/stats", s.handleStats)
	engine.POST("/hook/*path", s.requireToken, s.handleHook)
	engine.GET("/events", s.requireToken, s.handleEvents)
	engine.GET("/ws/:token", s.handleWebsocket)

	s.httpSrv = httptest.NewServer(engine)
	return s
}

// URL returns the backend's base URL
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// Close shuts the listener down
func (s *Server) Close() {
	s.httpSrv.Close()
}

// QueueEvent appends a record for the event feeds to replay
func (s *Server) QueueEvent(tag, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, QueuedEvent{Tag: tag, Data: data})
}

// Hooks lists the webhook paths fired so far
func (s *Server) Hooks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hooks...)
}

// CompleteJob records a minion's result for a pending job
func (s *Server) CompleteJob(jid, minion string, result interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jid]
	if !ok {
		return fmt.Errorf("no such job: %s", jid)
	}
	job.returned[minion] = result
	return nil
}

// ValidTokens reports how many live tokens the backend holds
func (s *Server) ValidTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Eauth    string `json:"eauth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "bad login payload")
		return
	}
	if req.Password != s.Password {
		c.String(http.StatusUnauthorized, "Could not authenticate using provided credentials")
		return
	}

	now := time.Now()
	cred := Credential{
		Eauth:  req.Eauth,
		Token:  strings.ReplaceAll(uuid.New().String(), "-", ""),
		Start:  float64(now.Unix()),
		Expire: float64(now.Add(s.TokenTTL).Unix()),
		Perms:  []string{".*"},
		User:   req.Username,
	}

	s.mu.Lock()
	s.tokens[cred.Token] = cred
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"return": []Credential{cred}})
}

func (s *Server) handleLogout(c *gin.Context) {
	token := c.GetHeader("X-Auth-Token")
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"return": "Your token has been cleared"})
}

// requireToken rejects requests without a live session token
func (s *Server) requireToken(c *gin.Context) {
	token := c.GetHeader("X-Auth-Token")
	s.mu.Lock()
	cred, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok || cred.Expire < float64(time.Now().Unix()) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

func (s *Server) handleRun(c *gin.Context) {
	if s.ForceStatus != 0 {
		c.String(s.ForceStatus, s.ForceBody)
		return
	}

	var cmds []map[string]interface{}
	if err := c.ShouldBindJSON(&cmds); err != nil {
		c.String(http.StatusBadRequest, "dispatch body must be a list of commands")
		return
	}

	results := make([]interface{}, 0, len(cmds))
	for _, cmd := range cmds {
		result := s.dispatch(cmd)
		// local_batch 为每个批次产生一个条目，而非每条命令一个
		if mode, _ := cmd["client"].(string); mode == "local_batch" {
			if batches, ok := result.([]interface{}); ok {
				results = append(results, batches...)
				continue
			}
		}
		results = append(results, result)
	}
	c.JSON(http.StatusOK, gin.H{"return": results})
}

func (s *Server) handleRunSessionless(c *gin.Context) {
	var cmds []map[string]interface{}
	if err := c.ShouldBindJSON(&cmds); err != nil {
		c.String(http.StatusBadRequest, "dispatch body must be a list of commands")
		return
	}

	results := make([]interface{}, 0, len(cmds))
	for _, cmd := range cmds {
		username, _ := cmd["username"].(string)
		password, _ := cmd["password"].(string)
		if password != s.Password || username == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		results = append(results, s.dispatch(cmd))
	}
	c.JSON(http.StatusOK, gin.H{"return": results})
}

// dispatch computes one command's result entry
func (s *Server) dispatch(cmd map[string]interface{}) interface{} {
	if s.OnRun != nil {
		if result := s.OnRun(cmd); result != nil {
			return result
		}
	}

	mode, _ := cmd["client"].(string)
	fun, _ := cmd["fun"].(string)

	switch mode {
	case "local":
		result := gin.H{}
		for _, minion := range s.Minions {
			result[minion] = true
		}
		return result

	case "local_async":
		jid := s.NextJID
		s.NextJID = ""
		if jid == "" {
			jid = time.Now().Format("20060102150405") + "000000"
		}
		s.mu.Lock()
		s.jobs[jid] = &jobRecord{
			jid:      jid,
			fun:      fun,
			minions:  append([]string(nil), s.Minions...),
			returned: make(map[string]interface{}),
		}
		s.mu.Unlock()
		return gin.H{"jid": jid, "minions": s.Minions}

	case "local_batch":
		// One entry per staged batch, single-minion batches
		batches := make([]interface{}, 0, len(s.Minions))
		for _, minion := range s.Minions {
			batches = append(batches, gin.H{minion: true})
		}
		return batches

	case "runner", "wheel":
		return gin.H{"fun": fun, "success": true}

	default:
		return gin.H{"error": "unknown client mode: " + mode}
	}
}

func (s *Server) handleJob(c *gin.Context) {
	jid := c.Param("jid")

	s.mu.Lock()
	job, ok := s.jobs[jid]
	var returned map[string]interface{}
	var minions []string
	var fun string
	if ok {
		returned = make(map[string]interface{}, len(job.returned))
		for k, v := range job.returned {
			returned[k] = v
		}
		minions = append([]string(nil), job.minions...)
		fun = job.fun
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusOK, gin.H{"info": []gin.H{}, "return": []gin.H{{}}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"info": []gin.H{{
			"jid":      jid,
			"Function": fun,
			"Minions":  minions,
			"Result":   returned,
		}},
		"return": []map[string]interface{}{returned},
	})
}

func (s *Server) handleMinions(c *gin.Context) {
	grains := gin.H{}
	for _, minion := range s.Minions {
		grains[minion] = gin.H{"id": minion, "os": "Linux"}
	}
	c.JSON(http.StatusOK, gin.H{"return": []gin.H{grains}})
}

func (s *Server) handleMinion(c *gin.Context) {
	id := c.Param("mid")
	for _, minion := range s.Minions {
		if minion == id {
			c.JSON(http.StatusOK, gin.H{"return": []gin.H{
				{id: gin.H{"id": id, "os": "Linux"}},
			}})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"return": []gin.H{{}}})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"CherryPy Applications": gin.H{"Uptime": 1234.5},
	})
}

func (s *Server) handleHook(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	s.mu.Lock()
	s.hooks = append(s.hooks, path)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleEvents replays the queued events as a push-event stream, emitting a
// keep-alive comment first, then closes the connection.
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	fmt.Fprint(c.Writer, ":keepalive\n\n")
	flusher.Flush()

	s.mu.Lock()
	events := append([]QueuedEvent(nil), s.events...)
	s.mu.Unlock()

	for _, ev := range events {
		if ev.Tag != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", ev.Tag)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", ev.Data)
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{}

// handleWebsocket serves the /ws/<token> event bus: waits for the client
// ready line, then replays the queued events as "data: <json>" text frames.
func (s *Server) handleWebsocket(c *gin.Context) {
	token := c.Param("token")
	s.mu.Lock()
	_, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// 等待客户端 ready 握手
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}

	s.mu.Lock()
	events := append([]QueuedEvent(nil), s.events...)
	s.mu.Unlock()

	for _, ev := range events {
		frame := "data: " + ev.Data
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
