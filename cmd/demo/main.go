// Command demo hosts a single synced Notepad object over a WebSocket
// endpoint, exercising SET/GET/PATCH, an action, a cancellable task, and
// the CamelCase field transform end to end.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wsync-io/wsync"
	"github.com/wsync-io/wsync/transportws"
	"github.com/wsync-io/wsync/validate/playground"
)

// Notepad is the owner object. WithCamelCase exposes Title as "title" and
// Value as "value"; Notes is exposed as "notes" through its sync tag.
type Notepad struct {
	Title string   `validate:"max=200"`
	Notes []string `sync:"notes"`
	Value int
}

type addArgs struct {
	Text string `json:"text" validate:"required"`
}

type renameArgs struct {
	Title string `json:"title" validate:"required,max=200"`
}

type incArgs struct {
	By int `json:"by" validate:"min=1"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func handleNotepad(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("demo: upgrade failed: %v", err)
		return
	}

	session := wsync.NewSession(wsync.WithLogger(slog.Default()))
	if err := session.Attach(transportws.New(conn)); err != nil {
		log.Printf("demo: attach failed: %v", err)
		return
	}
	defer session.Close()

	notepad := &Notepad{Title: "untitled", Notes: []string{}}
	unit, err := wsync.SyncAll(session.Context(), "NOTES", notepad,
		wsync.WithCamelCase(),
		wsync.WithUnitValidator(playground.New()),
		wsync.WithRunningTasksExposed(),
	)
	if err != nil {
		log.Printf("demo: register unit failed: %v", err)
		return
	}

	if err := wsync.Action(unit, "ADD", func(ctx context.Context, arg addArgs) error {
		notepad.Notes = append(notepad.Notes, arg.Text)
		return unit.Sync(ctx)
	}); err != nil {
		log.Printf("demo: register ADD failed: %v", err)
		return
	}

	if err := wsync.Action(unit, "RENAME", func(ctx context.Context, arg renameArgs) error {
		notepad.Title = arg.Title
		return unit.Sync(ctx)
	}); err != nil {
		log.Printf("demo: register RENAME failed: %v", err)
		return
	}

	if err := wsync.Task(unit, "INC", func(_ context.Context, arg incArgs) wsync.TaskBody {
		return func(ctx context.Context, sync func() error) (any, error) {
			for i := 0; i < arg.By; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				default:
				}
				notepad.Value++
				if i%1000 == 0 {
					if err := sync(); err != nil {
						return nil, err
					}
				}
			}
			if err := sync(); err != nil {
				return nil, err
			}
			return notepad.Value, nil
		}
	}); err != nil {
		log.Printf("demo: register INC failed: %v", err)
		return
	}

	if err := session.Run(session.Context()); err != nil {
		log.Printf("demo: session ended: %v", err)
	}
}

func main() {
	addr := os.Getenv("WSYNC_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/notepad", handleNotepad)

	log.Printf("wsync demo server starting on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("demo: server failed: %v", err)
	}
}
