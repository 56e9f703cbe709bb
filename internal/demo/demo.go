// Package demo registers a small notes API and a chat socket on a server.
// The CLI mounts it so a fresh install has something to talk to.
package demo

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vango-dev/webengine/pkg/codec"
	"github.com/vango-dev/webengine/pkg/multipart"
	"github.com/vango-dev/webengine/pkg/server"
	"github.com/vango-dev/webengine/pkg/upload"
)

// Mount points.
const (
	NotesMount = "/api/notes"
	ChatMount  = "/ws/chat"
)

// Note is one stored note.
type Note struct {
	ID      int       `json:"id" xml:"id"`
	Title   string    `json:"title" xml:"title" form:"title"`
	Body    string    `json:"body" xml:"body" form:"body"`
	Author  string    `json:"author,omitempty" xml:"author,omitempty"`
	Created time.Time `json:"created" xml:"created"`
}

// Attachment is returned by the upload operation.
type Attachment struct {
	Field    string `json:"field" xml:"field"`
	Filename string `json:"filename" xml:"filename"`
	TempID   string `json:"tempId,omitempty" xml:"tempId,omitempty"`
	Size     int64  `json:"size" xml:"size"`
	Error    string `json:"error,omitempty" xml:"error,omitempty"`
}

// Notes is an in-memory note list.
type Notes struct {
	mu     sync.RWMutex
	nextID int
	notes  []Note
}

// NewNotes returns an empty list.
func NewNotes() *Notes {
	return &Notes{nextID: 1}
}

func (n *Notes) add(note Note) Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	note.ID = n.nextID
	note.Created = time.Now().UTC()
	n.nextID++
	n.notes = append(n.notes, note)
	return note
}

func (n *Notes) get(id int) (Note, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	i := slices.IndexFunc(n.notes, func(note Note) bool { return note.ID == id })
	if i < 0 {
		return Note{}, false
	}
	return n.notes[i], true
}

func (n *Notes) remove(id int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	before := len(n.notes)
	n.notes = slices.DeleteFunc(n.notes, func(note Note) bool { return note.ID == id })
	return len(n.notes) != before
}

func (n *Notes) list(query string) []Note {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Note, 0, len(n.notes))
	for _, note := range n.notes {
		if query == "" || strings.Contains(strings.ToLower(note.Title), strings.ToLower(query)) {
			out = append(out, note)
		}
	}
	return out
}

const indexView = "demo/notes"

const indexTemplate = `<!doctype html>
<title>Notes</title>
<ul>{{range .}}<li>{{.Title}}{{if .Author}} ({{.Author}}){{end}}</li>{{end}}</ul>`

// Operations returns the notes controller. store may be nil, in which case
// the upload operation answers 404.
func (n *Notes) Operations(store upload.Store, cfg *upload.Config) []server.Operation {
	return []server.Operation{
		{
			Name:    "list",
			Default: true,
			Params:  []server.Param{server.OptionalParam[string]("q")},
			Cache:   server.CacheFor(5 * time.Second),
			Handler: func(c *server.Call) (any, error) {
				return n.list(c.String("q")), nil
			},
		},
		{
			Name:         "page",
			ResponseType: codec.Template,
			View:         indexView,
			Handler: func(c *server.Call) (any, error) {
				return n.list(""), nil
			},
		},
		{
			Name:   "get",
			Params: []server.Param{server.ParamOf[int]("id")},
			Handler: func(c *server.Call) (any, error) {
				note, ok := n.get(c.Int("id"))
				if !ok {
					return nil, server.NewNotFoundError(fmt.Sprintf("note %d", c.Int("id")))
				}
				return note, nil
			},
		},
		{
			Name:        "add",
			Body:        server.BodyOf[Note]("note"),
			RequireAuth: true,
			Cache:       server.NoCache(),
			Handler: func(c *server.Call) (any, error) {
				note := server.BodyAs[Note](c)
				if strings.TrimSpace(note.Title) == "" {
					return nil, server.NewClientError("title is required")
				}
				note.Author = c.Identity().Subject
				return n.add(note), nil
			},
		},
		{
			Name:     "remove",
			Params:   []server.Param{server.ParamOf[int]("id")},
			MinLevel: 5,
			Handler: func(c *server.Call) (any, error) {
				if !n.remove(c.Int("id")) {
					return nil, server.NewNotFoundError(fmt.Sprintf("note %d", c.Int("id")))
				}
				return true, nil
			},
		},
		{
			Name:         "upload",
			Body:         server.BodyOf[*multipart.Stream]("files"),
			Capabilities: []string{"upload"},
			Handler: func(c *server.Call) (any, error) {
				if store == nil {
					return nil, server.NewNotFoundError("uploads")
				}
				return spoolUpload(c, store, cfg)
			},
		},
	}
}

func spoolUpload(c *server.Call, store upload.Store, cfg *upload.Config) ([]Attachment, error) {
	stream := server.BodyAs[*multipart.Stream](c)
	spool := upload.NewSpool(c.Request.Context(), store, cfg)
	spool.ReadAll(stream)
	results, err := spool.Finish(stream.Err())
	if err != nil {
		return nil, server.NewClientError("malformed upload: %v", err)
	}

	out := make([]Attachment, 0, len(results))
	for _, r := range results {
		a := Attachment{Field: r.Field, Filename: r.Filename, TempID: r.TempID, Size: r.Size}
		if r.Err != nil {
			a.Error = r.Err.Error()
		}
		out = append(out, a)
	}
	return out, nil
}

// Register mounts the notes controller and the chat socket on srv.
func Register(srv *server.Server, store upload.Store, cfg *upload.Config) (*server.ClientRegistry, error) {
	if err := srv.Views().Add(indexView, indexTemplate); err != nil {
		return nil, err
	}
	notes := NewNotes()
	if err := srv.RegisterController(NotesMount, notes.Operations(store, cfg), server.WithEnvelope()); err != nil {
		return nil, err
	}
	room := &ChatRoom{logger: srv.Logger().With("component", "demo.chat")}
	registry, err := srv.RegisterWebSocket(ChatMount, room.Join, server.WebSocketOptions{})
	if err != nil {
		return nil, errors.Join(errors.New("demo: chat socket"), err)
	}
	room.registry = registry
	return registry, nil
}

// ChatRoom relays every text message to all connected sessions.
type ChatRoom struct {
	registry *server.ClientRegistry
	logger   *slog.Logger
}

// Join is the socket factory.
func (r *ChatRoom) Join(req *server.Request) server.SocketHandler {
	name, _ := req.Query("name")
	if name == "" {
		name = "anonymous"
	}
	return &chatMember{room: r, name: name}
}

type chatMember struct {
	room *ChatRoom
	name string
}

func (m *chatMember) Connected(s *server.Session) {
	m.room.broadcast(fmt.Sprintf("* %s joined", m.name))
}

func (m *chatMember) Disconnected(s *server.Session) {
	m.room.broadcast(fmt.Sprintf("* %s left", m.name))
}

func (m *chatMember) HandleText(s *server.Session, message string) {
	switch strings.TrimSpace(message) {
	case "/quit":
		s.Disconnect(1000, "bye")
		return
	case "/who":
		_ = s.Send(fmt.Sprintf("* %d online", m.room.registry.Count()))
		return
	}
	m.room.broadcast(m.name + ": " + message)
}

func (m *chatMember) HandleBinary(s *server.Session, data []byte) {
	_ = s.SendBinary(data)
}

func (r *ChatRoom) broadcast(message string) {
	if r.registry == nil {
		return
	}
	if _, err := r.registry.Broadcast(message); err != nil {
		r.logger.Warn("broadcast incomplete", "error", err)
	}
}
