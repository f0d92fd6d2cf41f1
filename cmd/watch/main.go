// Command watch dials a wsync endpoint as a plain client, mirrors every
// registered unit's projected state locally by applying SET/PATCH events,
// and prints the mirror whenever it changes. It is the Go counterpart of
// the source project's debug CLI.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/gorilla/websocket"
)

const usage = `wsync watch.

Usage:
  watch <url>
  watch -h | --help

Arguments:
  <url>  WebSocket URL to dial, e.g. ws://localhost:8081/ws/notepad

Options:
  -h --help  Show this help.
`

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "wsync watch 0.1")
	if err != nil {
		log.Fatal(err)
	}
	target, err := opts.String("<url>")
	if err != nil {
		log.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Fatalf("watch: dial %s: %v", target, err)
	}
	defer conn.Close()

	mirror := make(map[string]map[string]json.RawMessage)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("watch: connection closed: %v", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("watch: malformed envelope: %v", err)
			continue
		}

		key, kind := splitEventType(env.Type)
		switch kind {
		case "SET":
			var state map[string]json.RawMessage
			if err := json.Unmarshal(env.Data, &state); err != nil {
				log.Printf("watch: %s: bad SET: %v", key, err)
				continue
			}
			mirror[key] = state
		case "PATCH":
			next, err := applyMirrorPatch(mirror[key], env.Data)
			if err != nil {
				log.Printf("watch: %s: %v", key, err)
				continue
			}
			mirror[key] = next
		default:
			fmt.Printf("%s %s\n", env.Type, string(env.Data))
			continue
		}

		printed, _ := json.MarshalIndent(mirror[key], "", "  ")
		fmt.Printf("--- %s ---\n%s\n", key, printed)
	}
}

func applyMirrorPatch(base map[string]json.RawMessage, patchData json.RawMessage) (map[string]json.RawMessage, error) {
	if base == nil {
		return nil, fmt.Errorf("PATCH received before any SET, ignoring")
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(patchData)
	if err != nil {
		return nil, fmt.Errorf("bad PATCH: %w", err)
	}
	merged, err := patch.Apply(baseJSON)
	if err != nil {
		return nil, fmt.Errorf("apply PATCH: %w", err)
	}
	var next map[string]json.RawMessage
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, err
	}
	return next, nil
}

func splitEventType(t string) (key, kind string) {
	parts := strings.SplitN(t, ":", 2)
	if len(parts) != 2 {
		return t, ""
	}
	return parts[0], parts[1]
}
