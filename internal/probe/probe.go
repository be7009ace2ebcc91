// Package probe implements the --check subprocess: a one-shot fetch of a
// single instance's NodeInfo document, reported back to the orchestrator as
// line-delimited JSON on stdout (spec §4.D).
//
// The NodeInfo discovery flow (fetch the well-known pointer, pick the
// highest schema version, fetch the document) is a straight port of the
// original checker; everything downstream of that — redirect-based move
// detection and peer enumeration — is this package's own addition, since
// the checker alone never decided a verdict.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/Salanoid/minoru-fediverse-crawler/internal/httpx"
	"github.com/Salanoid/minoru-fediverse-crawler/internal/ipc"
)

// supportedNodeInfoSchemas is in ascending version order; the probe prefers
// the newest schema a target advertises.
var supportedNodeInfoSchemas = []string{
	"http://nodeinfo.diaspora.software/ns/schema/1.0",
	"http://nodeinfo.diaspora.software/ns/schema/1.1",
	"http://nodeinfo.diaspora.software/ns/schema/2.0",
	"http://nodeinfo.diaspora.software/ns/schema/2.1",
}

type nodeInfoPointer struct {
	Links []nodeInfoPointerLink `json:"links"`
}

type nodeInfoPointerLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type nodeInfoDocument struct {
	Software struct {
		Name string `json:"name"`
	} `json:"software"`
	Metadata struct {
		Peers []string `json:"peers"`
	} `json:"metadata"`
}

// Result is the outcome of running the probe against one host.
type Result struct {
	// Alive is true if the NodeInfo document was fetched successfully
	// without being redirected to a different host.
	Alive bool
	// MovedTo is set when the final response landed on a different host
	// than the one requested (an HTTP-level redirect chase, not a NodeInfo
	// "moved" field — ActivityPub has no such field).
	MovedTo string
	// Software is the nodeinfo software.name field, informational only.
	Software string
	// Peers is the nodeinfo metadata.peers list, if the target publishes one.
	Peers []string
}

// Run fetches host's NodeInfo document with timeout applied to each HTTP
// round trip and returns the resulting verdict. A non-nil error means the
// probe could not reach a verdict at all (network failure, malformed
// response) — the caller should treat this the same as no output.
func Run(ctx context.Context, client *http.Client, host string) (Result, error) {
	pointer, finalHost, err := fetchNodeInfoPointer(ctx, client, host)
	if err != nil {
		return Result{}, err
	}
	if finalHost != "" && finalHost != host {
		return Result{MovedTo: finalHost}, nil
	}

	url := pickHighestSupportedNodeInfoVersion(pointer)
	if url == "" {
		return Result{}, fmt.Errorf("probe: no supported NodeInfo schema advertised by %s", host)
	}

	doc, err := fetchNodeInfoDocument(ctx, client, url)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Alive:    true,
		Software: doc.Software.Name,
		Peers:    doc.Metadata.Peers,
	}, nil
}

func fetchNodeInfoPointer(ctx context.Context, client *http.Client, host string) (nodeInfoPointer, string, error) {
	url := fmt.Sprintf("https://%s/.well-known/nodeinfo", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nodeInfoPointer{}, "", fmt.Errorf("probe: build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpx.Do(ctx, client, req)
	if err != nil {
		return nodeInfoPointer{}, "", fmt.Errorf("probe: fetch well-known nodeinfo for %s: %w", host, err)
	}
	defer resp.Body.Close()

	var finalHost string
	if resp.Request != nil && resp.Request.URL != nil {
		finalHost = resp.Request.URL.Host
	}

	if finalHost != "" && finalHost != host {
		// Don't bother parsing the body of a document fetched from a
		// different host; the caller treats this as a move.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nodeInfoPointer{}, finalHost, nil
	}

	var pointer nodeInfoPointer
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pointer); err != nil {
		return nodeInfoPointer{}, "", fmt.Errorf("probe: decode nodeinfo pointer from %s: %w", url, err)
	}
	return pointer, finalHost, nil
}

func pickHighestSupportedNodeInfoVersion(pointer nodeInfoPointer) string {
	bestPriority := -1
	best := ""
	for _, link := range pointer.Links {
		priority := indexOf(supportedNodeInfoSchemas, link.Rel)
		if priority < 0 {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			best = link.Href
		}
	}
	return best
}

func indexOf(schemas []string, rel string) int {
	for i, s := range schemas {
		if s == rel {
			return i
		}
	}
	return -1
}

func fetchNodeInfoDocument(ctx context.Context, client *http.Client, url string) (nodeInfoDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nodeInfoDocument{}, fmt.Errorf("probe: build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpx.Do(ctx, client, req)
	if err != nil {
		return nodeInfoDocument{}, fmt.Errorf("probe: fetch nodeinfo document %s: %w", url, err)
	}
	defer resp.Body.Close()

	var doc nodeInfoDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&doc); err != nil {
		return nodeInfoDocument{}, fmt.Errorf("probe: decode nodeinfo document %s: %w", url, err)
	}
	return doc, nil
}

// Emit writes Result r as IPC lines to w, in the protocol order the
// orchestrator expects: one state line, then (only after "alive") one peer
// line per discovered peer.
func Emit(w io.Writer, r Result) error {
	enc := ipc.NewEncoder(w)
	switch {
	case r.MovedTo != "":
		return enc.EmitState(ipc.StateMoved, r.MovedTo)
	case r.Alive:
		if err := enc.EmitState(ipc.StateAlive, ""); err != nil {
			return err
		}
		peers := append([]string(nil), r.Peers...)
		sort.Strings(peers)
		for _, peer := range peers {
			if err := enc.EmitPeer(peer); err != nil {
				return err
			}
		}
		return nil
	default:
		// Neither alive nor moved: say nothing. The orchestrator reads no
		// output at all as a DEAD verdict.
		return nil
	}
}
