package sqlite

import (
	"context"
	"strings"

	relay "github.com/eugener/palantir/internal"
)

// InsertDownstream batch-inserts downstream traffic records.
// Single multi-row INSERT avoids N round-trips for large batches.
func (s *Store) InsertDownstream(ctx context.Context, recs []relay.DownstreamTraffic) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 16
	placeholders := make([]string, len(recs))
	args := make([]any, 0, len(recs)*cols)

	for i, r := range recs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.TraceID, r.Provider, r.ProviderID, r.Operation, r.Model,
			nullInt(r.UserID), nullInt(r.KeyID),
			r.Method, r.Path, r.Query,
			r.ReqHeaders, r.ReqBody, r.Status, r.RespHeaders, r.RespBody,
			timeStr(r.CreatedAt),
		)
	}

	query := `INSERT INTO downstream_traffic
		(trace_id, provider, provider_id, operation, model, user_id, key_id,
		 method, path, query, req_headers, req_body, status, resp_headers, resp_body,
		 created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// InsertUpstream batch-inserts upstream attempt records with their usage
// counters.
func (s *Store) InsertUpstream(ctx context.Context, recs []relay.UpstreamTraffic) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 33
	placeholders := make([]string, len(recs))
	args := make([]any, 0, len(recs)*cols)

	for i, r := range recs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, " +
			"?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		u := r.Usage
		args = append(args,
			r.TraceID, r.Provider, r.ProviderID, r.Operation, r.Model,
			nullInt(r.CredentialID), r.Attempt,
			r.Method, r.URL, r.Query,
			r.ReqHeaders, r.ReqBody, r.Status, r.RespHeaders, r.RespBody,
			nullInt(u.ClaudeInputTokens), nullInt(u.ClaudeOutputTokens), nullInt(u.ClaudeTotalTokens),
			nullInt(u.ClaudeCacheCreationInputTokens), nullInt(u.ClaudeCacheReadInputTokens),
			nullInt(u.GeminiPromptTokens), nullInt(u.GeminiCandidatesTokens),
			nullInt(u.GeminiTotalTokens), nullInt(u.GeminiCachedTokens),
			nullInt(u.OpenAIPromptTokens), nullInt(u.OpenAICompletionTokens), nullInt(u.OpenAITotalTokens),
			nullInt(u.ResponsesInputTokens), nullInt(u.ResponsesOutputTokens), nullInt(u.ResponsesTotalTokens),
			nullInt(u.ResponsesInputCachedTokens), nullInt(u.ResponsesOutputReasoningTokens),
			timeStr(r.CreatedAt),
		)
	}

	query := `INSERT INTO upstream_traffic
		(trace_id, provider, provider_id, operation, model, credential_id, attempt,
		 method, url, query, req_headers, req_body, status, resp_headers, resp_body,
		 claude_input_tokens, claude_output_tokens, claude_total_tokens,
		 claude_cache_creation_input_tokens, claude_cache_read_input_tokens,
		 gemini_prompt_tokens, gemini_candidates_tokens, gemini_total_tokens, gemini_cached_tokens,
		 openai_prompt_tokens, openai_completion_tokens, openai_total_tokens,
		 responses_input_tokens, responses_output_tokens, responses_total_tokens,
		 responses_input_cached_tokens, responses_output_reasoning_tokens,
		 created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// UsageSummary rolls successful upstream exchanges up per (provider, model),
// folding each dialect's counter group into the unified columns. An empty
// provider covers all providers.
func (s *Store) UsageSummary(ctx context.Context, provider string) ([]relay.UsageAggregate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, model,
		   COUNT(*),
		   COALESCE(SUM(COALESCE(claude_input_tokens, gemini_prompt_tokens, openai_prompt_tokens, responses_input_tokens)), 0),
		   COALESCE(SUM(COALESCE(claude_output_tokens, gemini_candidates_tokens, openai_completion_tokens, responses_output_tokens)), 0),
		   COALESCE(SUM(COALESCE(claude_total_tokens, gemini_total_tokens, openai_total_tokens, responses_total_tokens)), 0),
		   COALESCE(SUM(COALESCE(claude_cache_read_input_tokens, gemini_cached_tokens, responses_input_cached_tokens)), 0)
		 FROM upstream_traffic
		 WHERE model != '' AND status BETWEEN 200 AND 299 AND (? = '' OR provider = ?)
		 GROUP BY provider, model
		 ORDER BY provider, model`,
		provider, provider,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.UsageAggregate
	for rows.Next() {
		var a relay.UsageAggregate
		if err := rows.Scan(&a.Provider, &a.Model, &a.Requests,
			&a.InputTokens, &a.OutputTokens, &a.TotalTokens, &a.CachedTokens); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
