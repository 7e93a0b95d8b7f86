package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/structured"
)

// queryItem returns a fresh schema each call; a resolved schema must be a
// tree, so parents cannot share it.
func queryItem() *jsonschema.Schema {
	return structured.Object([]string{"query", "rationale"}, map[string]*jsonschema.Schema{
		"query":     structured.String("A single web search query"),
		"rationale": structured.String("Why this query helps answer the question"),
	})
}

// querySchema has no item cap; extra queries are truncated instead of
// failing validation.
var querySchema = structured.MustSchema("query_plan", structured.Object([]string{"queries"}, map[string]*jsonschema.Schema{
	"queries": structured.Array(queryItem(), 1, 0),
}))

var reflectionSchema = structured.MustSchema("reflection", structured.Object(
	[]string{"is_sufficient", "knowledge_gap", "follow_up_queries"},
	map[string]*jsonschema.Schema{
		"is_sufficient":     structured.Boolean("Whether the summaries are sufficient to answer the question"),
		"knowledge_gap":     structured.String("What information is missing or needs clarification"),
		"follow_up_queries": structured.Array(queryItem(), 0, 0),
	},
))

func formatDate(t time.Time) string {
	return t.Format("January 2, 2006")
}

func queryPrompt(question string, maxQueries int, now time.Time, simplified bool) string {
	if simplified {
		return fmt.Sprintf(`Write up to %d web search queries for the question below.
Reply with a JSON object of the form {"queries": [{"query": "...", "rationale": "..."}]} and nothing else.

Question: %s`, maxQueries, question)
	}

	return fmt.Sprintf(`You are a research planner. Your goal is to generate sophisticated and diverse web search queries for an automated research tool that will analyze the results.

Instructions:
- Prefer a single search query. Only add another query if the question asks for multiple aspects or elements and one query is not enough.
- Each query should focus on one specific aspect of the question.
- Do not generate more than %d queries.
- Queries should be diverse. If the topic is broad, generate more than one query.
- Do not generate multiple similar queries. One is enough.
- Queries should make sure the most current information is gathered. The current date is %s.

Question: %s`, maxQueries, formatDate(now), question)
}

func reflectionPrompt(question string, results []search.Result, now time.Time, simplified bool) string {
	evidence := formatEvidence(results)
	if simplified {
		return fmt.Sprintf(`Can the question below be answered from the evidence? Reply with a JSON object with the keys "is_sufficient" (boolean), "knowledge_gap" (string) and "follow_up_queries" (array of {"query", "rationale"}) and nothing else.

Question: %s

Evidence:
%s`, question, evidence)
	}

	return fmt.Sprintf(`You are an expert research assistant analyzing search results about the question below.

Instructions:
- Identify knowledge gaps or areas that need deeper exploration and generate follow-up queries.
- If the evidence is sufficient to answer the question, set is_sufficient to true and leave follow_up_queries empty.
- If there is a knowledge gap, describe it and generate follow-up queries that would close it.
- Follow-up queries must be self-contained and include the necessary context for a web search.
- The current date is %s.

Question: %s

Evidence:
%s`, formatDate(now), question, evidence)
}

// answerPrompt asks for the cited answer. When reflection never judged the
// evidence sufficient, the open knowledge gaps are listed so the answer
// states what could not be established.
func answerPrompt(question string, results []search.Result, gaps []string, sufficient bool, now time.Time, simplified bool) string {
	if len(results) == 0 {
		return fmt.Sprintf(`No search evidence could be gathered for the question below. State plainly that the available evidence was insufficient to answer it. Do not cite any sources and do not invent facts.

The current date is %s.

Question: %s`, formatDate(now), question)
	}

	evidence := formatEvidence(results)
	coverage := coverageNote(gaps, sufficient)
	if simplified {
		return fmt.Sprintf(`Answer the question using only the evidence. After each claim add the tag of the evidence it came from, for example [src:1].
%s
Question: %s

Evidence:
%s`, coverage, question, evidence)
	}

	return fmt.Sprintf(`Generate a high-quality answer to the question based on the provided evidence.

Instructions:
- The current date is %s.
- You are the final step of a multi-step research process. Do not mention that you are the final step.
- Use only the evidence below. If it does not cover part of the question, say so.
- Cite every claim by appending the tag of the evidence it came from, exactly as written, for example [src:2] or [src:1, src:3].
- Never cite a tag that is not listed below.
%s
Question: %s

Evidence:
%s`, formatDate(now), coverage, question, evidence)
}

// coverageNote is empty when the evidence was judged sufficient.
func coverageNote(gaps []string, sufficient bool) string {
	if sufficient {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nThe research ended before the evidence fully answered the question. Say clearly which parts could not be established instead of guessing.\n")
	if len(gaps) > 0 {
		b.WriteString("Unresolved knowledge gaps:\n")
		for _, g := range gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	return b.String()
}

// formatEvidence lists results tagged with their 1-based position.
func formatEvidence(results []search.Result) string {
	if len(results) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[src:%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimSpace(b.String())
}
