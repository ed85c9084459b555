// Command syncctl is a small administrative client for exercising a
// running syncd: it subscribes to one document, optionally applies a
// set/delete, waits for the sync engine to settle, and prints the
// resulting document. It is a diagnostic tool, not an application
// runtime — real applications link pkg/client directly.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docukit/syncd/pkg/client"
	"github.com/docukit/syncd/pkg/docbinding/jsonmap"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/docukit/syncd/pkg/transport"
)

var (
	addr     = flag.String("addr", "ws://127.0.0.1:7420/sync", "syncd websocket address")
	token    = flag.String("token", "", "bearer token (required)")
	deviceID = flag.String("device-id", "syncctl", "device id presented at handshake")
	dataDir  = flag.String("data-dir", os.TempDir(), "directory for syncctl's local bbolt cache")
	docType  = flag.String("type", "note", "document type")
	docID    = flag.String("doc-id", "", "document id; empty creates a new document")
	set      = flag.String("set", "", "path=value to apply before printing (repeatable via comma, e.g. title=Hello,done=true)")
	del      = flag.String("delete", "", "comma-separated paths to delete")
	wait     = flag.Duration("wait", 2*time.Second, "how long to wait for the sync round-trip to settle")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *token == "" {
		log.Fatal("--token is required")
	}

	conn, err := transport.Dial(*addr, *token, *deviceID)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}

	store, err := storage.NewBoltClientStore(*dataDir, "syncctl-"+*deviceID)
	if err != nil {
		log.Fatalf("open local cache: %v", err)
	}
	defer store.Close()

	c := client.New[*jsonmap.Doc](client.Config{
		UserID:   *token,
		DeviceID: *deviceID,
		Storage:  store,
		Conn:     conn,
	}, jsonmap.New())
	defer c.Close("syncctl done")

	args := client.SubscribeArgs{Type: *docType, ID: *docID, CreateIfMissing: *docID == ""}

	var doc *jsonmap.Doc
	loaded := make(chan error, 1)
	unsubscribe := c.Subscribe(args, func(ev client.LoadEvent[*jsonmap.Doc]) {
		switch ev.Kind {
		case client.LoadSuccess:
			if !ev.Found {
				loaded <- fmt.Errorf("document %s not found", args.ID)
				return
			}
			doc = ev.Doc
			loaded <- nil
		case client.LoadError:
			loaded <- ev.Err
		}
	})
	defer unsubscribe()

	if err := <-loaded; err != nil {
		log.Fatalf("load document: %v", err)
	}

	applyEdits(doc)

	time.Sleep(*wait)

	data, err := json.MarshalIndent(doc.Snapshot(), "", "  ")
	if err != nil {
		log.Fatalf("marshal document: %v", err)
	}
	fmt.Println(string(data))
}

func applyEdits(doc *jsonmap.Doc) {
	for _, kv := range splitCSV(*set) {
		path, value, ok := splitPair(kv)
		if !ok {
			continue
		}
		if err := doc.Set(path, value); err != nil {
			log.Printf("set %s: %v", path, err)
		}
	}
	for _, path := range splitCSV(*del) {
		if path == "" {
			continue
		}
		if err := doc.Delete(path); err != nil {
			log.Printf("delete %s: %v", path, err)
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func splitPair(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
