// Package workflow handles the ComfyUI API-format workflow graph a job runs:
// decoding it, stamping a correlation prefix onto every output node and
// shaping the body submitted to the engine.
package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/fly-io/modelworker/pkg/errors"
)

// DefaultFilenamePrefix is what the engine uses when an output node has none.
const DefaultFilenamePrefix = "ComfyUI"

// OutputClasses are node types that write files into the output directory.
var OutputClasses = map[string]bool{
	"SaveImage":        true,
	"SaveAnimatedWEBP": true,
	"SaveAnimatedPNG":  true,
	"SaveVideo":        true,
	"SaveWEBM":         true,
	"SaveAudio":        true,
}

// Graph is a decoded workflow description. It is either a bare node map
// ({"3": {"class_type": ...}}) or an envelope holding one under "prompt" or
// "nodes".
type Graph map[string]any

// Parse decodes raw into a Graph; anything but a JSON object is rejected.
func Parse(raw []byte) (Graph, error) {
	if len(raw) == 0 {
		return nil, errors.ErrMissingPrompt
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMissingPrompt, err)
	}
	if g == nil {
		return nil, errors.ErrMissingPrompt
	}
	return g, nil
}

// Clone deep-copies the graph.
func (g Graph) Clone() Graph {
	raw, err := json.Marshal(g)
	if err != nil {
		// a Graph always comes from JSON, so it always re-encodes
		panic(fmt.Sprintf("workflow: graph not encodable: %v", err))
	}
	var out Graph
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("workflow: graph not decodable: %v", err))
	}
	return out
}

// Nodes returns the node map of the graph, whichever shape it has.
func (g Graph) Nodes() map[string]any {
	for _, key := range []string{"prompt", "nodes"} {
		if nodes, ok := g[key].(map[string]any); ok {
			return nodes
		}
	}
	return g
}

// InjectPrefix returns a copy of g in which every output node writes files
// named "<prefix>_<original prefix>". The second value is the number of
// nodes rewritten, in node-id order for stable logs.
func InjectPrefix(g Graph, prefix string) (Graph, int) {
	out := g.Clone()
	nodes := out.Nodes()

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rewritten := 0
	for _, id := range ids {
		node, ok := nodes[id].(map[string]any)
		if !ok {
			continue
		}
		class, _ := node["class_type"].(string)

		inputs, _ := node["inputs"].(map[string]any)
		current, hasPrefix := inputs["filename_prefix"]
		if !OutputClasses[class] && !hasPrefix {
			continue
		}
		if inputs == nil {
			inputs = map[string]any{}
			node["inputs"] = inputs
		}

		original, ok := current.(string)
		if !ok {
			if hasPrefix {
				slog.Warn("workflow_prefix_replaced", "node", id, "class_type", class, "reason", "non_literal_prefix")
			}
			original = DefaultFilenamePrefix
		}
		inputs["filename_prefix"] = prefix + "_" + original
		rewritten++
	}

	return out, rewritten
}

// SubmitBody shapes the JSON body for the engine's submit endpoint, carrying
// clientID so progress events can be matched to the job.
func SubmitBody(g Graph, clientID string) map[string]any {
	body := map[string]any{}
	switch {
	case isObject(g["prompt"]):
		for k, v := range g {
			body[k] = v
		}
	case isObject(g["nodes"]):
		for k, v := range g {
			if k != "nodes" {
				body[k] = v
			}
		}
		body["prompt"] = g["nodes"]
	default:
		body["prompt"] = map[string]any(g)
	}

	if _, ok := body["client_id"]; !ok && clientID != "" {
		body["client_id"] = clientID
	}
	return body
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
