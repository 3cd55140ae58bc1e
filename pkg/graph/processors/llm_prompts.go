package processors

import (
	"fmt"
	"strings"

	"github.com/athapong/kgraph/pkg/graph"
)

const schemaSystemPrompt = `You design knowledge graph schemas for narrative text such as interview transcripts.
Answer with a single JSON object and nothing else.`

const analyzeDomainPrompt = `Name the domain this document belongs to.
Respond as {"name": "...", "description": "one sentence", "confidence": 0.0-1.0}.`

const thingTypesPrompt = `The domain is %q (%s).
Propose between 3 and 12 entity types worth tracking. Priority 1 is most central, 3 least.
Respond as {"types": [{"name": "Person", "description": "...", "examples": ["..."], "icon": "", "priority": 1}], "confidence": 0.0-1.0}.`

const connectionTypesPrompt = `The domain is %q with entity types: %s.
Propose up to 15 directed relationship types as snake_case verbs. Priority 1 is most central, 3 least.
Respond as {"types": [{"name": "collaborated_with", "description": "...", "examples": ["..."], "priority": 1}], "confidence": 0.0-1.0}.`

const seedEntitiesPrompt = `Entity types: %s.
List the entities that matter most in this document, using only those types, with the other names they go by.
Respond as {"seeds": [{"label": "...", "type": "...", "aliases": ["..."], "description": "..."}], "confidence": 0.0-1.0}.`

const extractionContextPrompt = `Draft schema:
%s
Write a short paragraph of guidance for someone extracting facts with this schema from similar documents.
Respond as {"context": "...", "confidence": 0.0-1.0}.`

// extractionPrompt instructs the model to extract candidates constrained to the profile
func extractionPrompt(profile *graph.DomainProfile) string {
	var b strings.Builder
	b.WriteString("You extract entities and relationships from narrative text into a knowledge graph.\n")
	if profile.ExtractionContext != "" {
		b.WriteString(profile.ExtractionContext)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(describeProfile(profile))
	b.WriteString(`
Use the listed types where they fit. If an entity or relationship needs a type that is not listed, propose a new one.
Quote the sentence that supports each fact. Copy a timestamp like [00:12:31] into "timestamp" when the quote carries one.
Respond with a single JSON object:
{"nodes": [{"label": "...", "type": "...", "confidence": 0.0-1.0, "quote": "...", "timestamp": ""}],
 "edges": [{"source": "...", "source_type": "...", "target": "...", "target_type": "...", "type": "...", "confidence": 0.0-1.0, "quote": "...", "timestamp": ""}]}`)
	return b.String()
}

func describeProfile(profile *graph.DomainProfile) string {
	var b strings.Builder
	if profile.Name != "" {
		fmt.Fprintf(&b, "Domain: %s\n", profile.Name)
	}
	b.WriteString("Entity types:\n")
	for _, t := range profile.ThingTypes {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.Examples) > 0 {
			fmt.Fprintf(&b, " (e.g. %s)", strings.Join(t.Examples, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Relationship types:\n")
	for _, c := range profile.ConnectionTypes {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	if len(profile.SeedEntities) > 0 {
		b.WriteString("Known entities:\n")
		for _, s := range profile.SeedEntities {
			fmt.Fprintf(&b, "- %s (%s)", s.Label, s.Type)
			if len(s.Aliases) > 0 {
				fmt.Fprintf(&b, " also called %s", strings.Join(s.Aliases, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
