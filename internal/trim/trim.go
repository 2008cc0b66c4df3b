// Package trim decides how much of a conversation's history is sent to the
// provider. The chosen start index is persisted per conversation so that
// trimming stays stable from turn to turn instead of oscillating around the
// threshold.
package trim

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/tokens"
)

// MetadataKey is the custom metadata key holding the persisted start index.
const MetadataKey = "trimStartIndex"

// DefaultThreshold applies when a trim-enabled config leaves the threshold
// empty.
const DefaultThreshold = "80%"

// MetadataStore is the slice of the conversation store the engine needs.
type MetadataStore interface {
	GetCustomMetadata(ctx context.Context, conversationID, key string) (string, bool, error)
	SetCustomMetadata(ctx context.Context, conversationID, key, value string) error
	DeleteCustomMetadata(ctx context.Context, conversationID, key string) error
}

// Budget carries the prompt overhead sent alongside history.
type Budget struct {
	StaticTokens  int
	DynamicTokens int
}

// Engine computes trim start indexes.
type Engine struct {
	store MetadataStore
	est   tokens.Estimator
	log   zerolog.Logger
}

// New returns an Engine. A nil estimator selects tokens.Heuristic.
func New(store MetadataStore, est tokens.Estimator, log zerolog.Logger) *Engine {
	if est == nil {
		est = tokens.Heuristic{}
	}
	return &Engine{store: store, est: est, log: log}
}

// Floor returns the index just after the most recent summary message, or
// zero when the history has no summary.
func Floor(history []llm.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsSummary {
			return i + 1
		}
	}
	return 0
}

// RoundStarts lists the indexes at or after from where a round begins.
func RoundStarts(history []llm.Message, from int) []int {
	var starts []int
	for i := from; i < len(history); i++ {
		if history[i].IsRoundStart() {
			starts = append(starts, i)
		}
	}
	return starts
}

// Window returns the history to send for a start index. The latest summary
// is always kept in front of the window.
func Window(history []llm.Message, start int) []llm.Message {
	if start <= 0 {
		return history
	}
	if start > len(history) {
		start = len(history)
	}
	out := make([]llm.Message, 0, len(history)-start+1)
	if floor := Floor(history); floor > 0 && floor <= start {
		out = append(out, history[floor-1])
	}
	return append(out, history[start:]...)
}

// ParseAmount resolves a threshold expression: "80%" is a share of
// maxTokens, anything else an absolute token count. An empty expression is
// zero.
func ParseAmount(expr string, maxTokens int) (int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, nil
	}
	if pct, ok := strings.CutSuffix(expr, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid percentage %q", expr)
		}
		if maxTokens <= 0 {
			return 0, fmt.Errorf("percentage %q needs max_context_tokens", expr)
		}
		return int(float64(maxTokens) * v / 100), nil
	}
	v, err := strconv.Atoi(expr)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid token count %q", expr)
	}
	return v, nil
}

// limits holds the resolved threshold and target of a config.
type limits struct {
	threshold int
	target    int
}

func resolveLimits(cfg llm.ProviderConfig) (limits, error) {
	expr := cfg.ContextThreshold
	if strings.TrimSpace(expr) == "" {
		expr = DefaultThreshold
	}
	threshold, err := ParseAmount(expr, cfg.MaxContextTokens)
	if err != nil {
		return limits{}, fmt.Errorf("context_threshold: %w", err)
	}
	cut, err := ParseAmount(cfg.ContextTrimExtraCut, cfg.MaxContextTokens)
	if err != nil {
		return limits{}, fmt.Errorf("context_trim_extra_cut: %w", err)
	}
	target := threshold - cut
	if target < 0 {
		target = 0
	}
	return limits{threshold: threshold, target: target}, nil
}

// StartIndex returns the index of the first history message to send.
func (e *Engine) StartIndex(ctx context.Context, conversationID string, history []llm.Message, cfg llm.ProviderConfig, b Budget) (int, error) {
	floor := Floor(history)
	log := e.log.With().Str("conversation", conversationID).Logger()

	if !cfg.ContextThresholdEnabled {
		return floor, e.Clear(ctx, conversationID)
	}
	lim, err := resolveLimits(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("context trimming disabled by invalid config")
		return floor, e.Clear(ctx, conversationID)
	}

	costs := e.messageCosts(history, floor, cfg.Options)
	base := b.StaticTokens + b.DynamicTokens
	if floor > 0 {
		base += e.userCost(history[floor-1])
	}
	suffix := make([]int, len(history)+1)
	for i := len(history) - 1; i >= floor; i-- {
		suffix[i] = suffix[i+1] + costs[i]
	}
	total := func(start int) int { return base + suffix[start] }

	if total(floor) <= lim.threshold {
		return floor, e.Clear(ctx, conversationID)
	}

	starts := RoundStarts(history, floor)
	lastRound := floor
	if len(starts) > 0 {
		lastRound = starts[len(starts)-1]
	}

	if prev, ok, err := e.persisted(ctx, conversationID); err != nil {
		return floor, err
	} else if ok && prev >= floor && prev <= lastRound && prev < len(history) &&
		history[prev].IsRoundStart() && total(prev) <= lim.threshold {
		log.Debug().Int("start", prev).Int("tokens", total(prev)).Msg("reusing persisted trim index")
		return prev, nil
	}

	start := lastRound
	for _, s := range starts {
		if s <= floor {
			continue
		}
		if total(s) <= lim.target {
			start = s
			break
		}
	}
	start = advanceToUser(history, start)

	log.Debug().
		Int("start", start).
		Int("floor", floor).
		Int("tokens", total(start)).
		Int("threshold", lim.threshold).
		Int("target", lim.target).
		Msg("trimmed history")

	if err := e.store.SetCustomMetadata(ctx, conversationID, MetadataKey, strconv.Itoa(start)); err != nil {
		return start, fmt.Errorf("persist trim index: %w", err)
	}
	return start, nil
}

// Clear drops the persisted start index. Callers invoke it whenever history
// is edited, truncated or rolled back.
func (e *Engine) Clear(ctx context.Context, conversationID string) error {
	if err := e.store.DeleteCustomMetadata(ctx, conversationID, MetadataKey); err != nil {
		return fmt.Errorf("clear trim index: %w", err)
	}
	return nil
}

// Estimate returns the projected token total when sending from start.
func (e *Engine) Estimate(history []llm.Message, start int, opts llm.ProviderOptions, b Budget) int {
	floor := Floor(history)
	if start < floor {
		start = floor
	}
	costs := e.messageCosts(history, floor, opts)
	n := b.StaticTokens + b.DynamicTokens
	if floor > 0 {
		n += e.userCost(history[floor-1])
	}
	for i := start; i < len(history); i++ {
		n += costs[i]
	}
	return n
}

func (e *Engine) persisted(ctx context.Context, conversationID string) (int, bool, error) {
	raw, ok, err := e.store.GetCustomMetadata(ctx, conversationID, MetadataKey)
	if err != nil {
		return 0, false, fmt.Errorf("load trim index: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

// messageCosts estimates every message from floor on. Thought tokens are
// included per the thought-sending options.
func (e *Engine) messageCosts(history []llm.Message, floor int, opts llm.ProviderOptions) []int {
	costs := make([]int, len(history))

	// roundFromEnd[i] is 0 for the newest round, 1 for the one before...
	roundFromEnd := make([]int, len(history))
	r := 0
	for i := len(history) - 1; i >= floor; i-- {
		roundFromEnd[i] = r
		if history[i].IsRoundStart() {
			r++
		}
	}

	for i := floor; i < len(history); i++ {
		m := history[i]
		if m.Role != llm.RoleModel {
			costs[i] = e.userCost(m)
			continue
		}
		costs[i] = e.modelCost(m)
		if includeThoughts(opts, roundFromEnd[i]) {
			costs[i] += e.thoughtCost(m)
		}
	}
	return costs
}

func includeThoughts(opts llm.ProviderOptions, roundFromEnd int) bool {
	if roundFromEnd == 0 {
		return opts.SendCurrentThoughts
	}
	if !opts.SendHistoryThoughts {
		return false
	}
	return opts.KeepThinkingRounds <= 0 || roundFromEnd < opts.KeepThinkingRounds
}

func (e *Engine) userCost(m llm.Message) int {
	if m.EstimatedTokens > 0 {
		return m.EstimatedTokens
	}
	return tokens.Message(e.est, m, false)
}

func (e *Engine) modelCost(m llm.Message) int {
	if m.Usage != nil && m.Usage.CandidateTokens > 0 {
		return m.Usage.CandidateTokens
	}
	return tokens.Message(e.est, m, false)
}

func (e *Engine) thoughtCost(m llm.Message) int {
	if m.Usage != nil && m.Usage.ThoughtTokens > 0 {
		return m.Usage.ThoughtTokens
	}
	return tokens.Thoughts(e.est, m)
}

// advanceToUser moves start forward to the next round start when the
// message at start is not a plain user turn.
func advanceToUser(history []llm.Message, start int) int {
	for i := start; i < len(history); i++ {
		if history[i].IsRoundStart() {
			return i
		}
	}
	return start
}
