package reasoning

import (
	"context"
	"fmt"
	"sort"

	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/memory"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

func (r *run) gatherContext(_ context.Context) (string, map[string]interface{}, *float64, error) {
	description := r.in.Situation.Describe()
	r.scratch.Set(keyDescription, description)
	r.logger.Debug().Msg("context gathered")
	return description, map[string]interface{}{
		"subscriber_id": r.in.Situation.Subscriber.ID,
		"trigger":       r.in.Situation.Trigger,
	}, nil, nil
}

// retrieveMemories runs the subscriber and similarity lookups concurrently.
// A failed lookup is logged and skipped; the step still succeeds.
func (r *run) retrieveMemories(ctx context.Context) (string, map[string]interface{}, *float64, error) {
	data := map[string]interface{}{}
	if r.engine.memories == nil {
		summary := summarizeMemories(nil)
		r.scratch.Set(keyMemories, summary)
		data["skipped"] = "no memory store"
		return summary.text(), data, nil, nil
	}

	description, _ := r.get(keyDescription).(string)
	subscriberID := r.in.Situation.Subscriber.ID

	var (
		direct     []*memory.Memory
		similar    []memory.Match
		directErr  error
		similarErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		direct, directErr = r.engine.memories.GetSubscriberMemories(gctx, r.in.UserID, subscriberID, subscriberMemoryLimit)
		return nil
	})
	g.Go(func() error {
		similar, similarErr = r.engine.memories.FindSimilarMemories(gctx, memory.SimilarQuery{
			UserID:    r.in.UserID,
			AgentType: r.in.AgentType,
			QueryText: description,
			Limit:     similarMemoryLimit,
			Threshold: similarMemoryThreshold,
		})
		return nil
	})
	_ = g.Wait()

	if directErr != nil {
		r.logger.Warn().Err(directErr).Str("skipped", "subscriber_memories").Msg("memory lookup failed")
		data["subscriber_memories_error"] = directErr.Error()
	}
	if similarErr != nil {
		r.logger.Warn().Err(similarErr).Str("skipped", "similar_memories").Msg("memory lookup failed")
		data["similar_memories_error"] = similarErr.Error()
	}

	all := append([]*memory.Memory{}, direct...)
	for _, m := range similar {
		all = append(all, m.Memory)
	}
	all = lo.UniqBy(all, func(m *memory.Memory) string { return m.ID })

	summary := summarizeMemories(all)
	r.scratch.Set(keyMemories, summary)
	for k, v := range summary.data() {
		data[k] = v
	}
	data["subscriber_matches"] = len(direct)
	data["similar_matches"] = len(similar)
	return summary.text(), data, nil, nil
}

func (r *run) retrieveEpisodes(ctx context.Context) (string, map[string]interface{}, *float64, error) {
	var matches []episode.Match
	data := map[string]interface{}{}
	if r.engine.episodes == nil {
		data["skipped"] = "no episode store"
	} else {
		description, _ := r.get(keyDescription).(string)
		found, err := r.engine.episodes.FindSimilar(ctx, r.in.UserID, r.in.AgentType, description, similarEpisodeLimit, episodeThreshold)
		if err != nil {
			r.logger.Warn().Err(err).Str("skipped", "similar_episodes").Msg("episode lookup failed")
			data["error"] = err.Error()
		}
		matches = found
	}

	summary := summarizeEpisodes(matches)
	r.scratch.Set(keyEpisodes, summary)
	for k, v := range summary.data() {
		data[k] = v
	}
	return summary.text(), data, nil, nil
}

func (r *run) generateOptions(ctx context.Context) (string, map[string]interface{}, *float64, error) {
	description, _ := r.get(keyDescription).(string)
	mem, _ := r.get(keyMemories).(memorySummary)
	eps, _ := r.get(keyEpisodes).(episodeSummary)

	resp, err := r.requestOptions(ctx, description, mem, eps)
	data := map[string]interface{}{}
	if err != nil {
		r.logger.Warn().Err(err).Bool("fallback", true).Msg("option generation failed")
		data["error"] = err.Error()
		resp = FallbackOptionsResponse()
	}
	data["fallback"] = resp.Fallback
	data["count"] = len(resp.Options)
	data["options"] = lo.Map(resp.Options, func(o Option, _ int) string { return o.Action + "/" + o.Strategy })

	r.scratch.Set(keyOptions, resp)
	thought := fmt.Sprintf("Generated %d candidate actions.", len(resp.Options))
	if resp.Fallback {
		thought = "Could not generate candidates; using the default friendly email."
	}
	return thought, data, nil, nil
}

func (r *run) requestOptions(ctx context.Context, description string, mem memorySummary, eps episodeSummary) (OptionsResponse, error) {
	text, err := r.ask(ctx, fmt.Sprintf(optionsSystemPrompt, minOptions, maxOptions), optionsPrompt(r.in, description, mem, eps))
	if err != nil {
		return OptionsResponse{}, err
	}
	return ParseOptionsResponse(text)
}

// evaluateOptions scores every option and sorts them best first, keeping
// generation order among equal scores.
func (r *run) evaluateOptions(ctx context.Context) (string, map[string]interface{}, *float64, error) {
	opts, ok := r.get(keyOptions).(OptionsResponse)
	if !ok || len(opts.Options) == 0 {
		return "", nil, nil, fmt.Errorf("no options to evaluate")
	}
	data := map[string]interface{}{}

	var evals EvaluationResponse
	switch {
	case opts.Fallback:
		// Nothing to compare; the default option keeps the default confidence.
		evals = EvaluationResponse{
			Evaluations: []Evaluation{{Index: 0, Score: FallbackConfidence, Reasons: []string{"default option"}}},
			Fallback:    true,
		}
	default:
		description, _ := r.get(keyDescription).(string)
		mem, _ := r.get(keyMemories).(memorySummary)
		eps, _ := r.get(keyEpisodes).(episodeSummary)
		var err error
		evals, err = r.requestEvaluations(ctx, description, opts.Options, mem, eps)
		if err != nil {
			r.logger.Warn().Err(err).Bool("fallback", true).Msg("option evaluation failed")
			data["error"] = err.Error()
			evals = FallbackEvaluationResponse(len(opts.Options))
		}
	}

	ranked := make([]EvaluatedOption, len(opts.Options))
	for i, o := range opts.Options {
		ranked[i] = EvaluatedOption{Option: o}
	}
	for _, ev := range evals.Evaluations {
		ranked[ev.Index].Score = ev.Score
		ranked[ev.Index].Reasons = ev.Reasons
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	r.scratch.Set(keyRanked, ranked)

	data["fallback"] = evals.Fallback
	data["scores"] = lo.Map(ranked, func(o EvaluatedOption, _ int) map[string]interface{} {
		return map[string]interface{}{"action": o.Action, "strategy": o.Strategy, "score": o.Score}
	})
	return fmt.Sprintf("Scored %d options; best is %s/%s at %.2f.", len(ranked), ranked[0].Action, ranked[0].Strategy, ranked[0].Score), data, nil, nil
}

func (r *run) requestEvaluations(ctx context.Context, description string, options []Option, mem memorySummary, eps episodeSummary) (EvaluationResponse, error) {
	text, err := r.ask(ctx, evaluationSystemPrompt, evaluationPrompt(description, options, mem, eps))
	if err != nil {
		return EvaluationResponse{}, err
	}
	return ParseEvaluationResponse(text, len(options))
}

func (r *run) decide(_ context.Context) (string, map[string]interface{}, *float64, error) {
	ranked, _ := r.get(keyRanked).([]EvaluatedOption)
	if len(ranked) == 0 {
		return "", nil, nil, fmt.Errorf("no ranked options")
	}
	top := ranked[0]
	confidence := top.Score
	data := map[string]interface{}{
		"action":   top.Action,
		"strategy": top.Strategy,
		"details":  top.Details,
	}
	thought := fmt.Sprintf("Chose %s with strategy %s (confidence %.2f).", top.Action, top.Strategy, top.Score)
	if len(ranked) > 1 {
		gap := top.Score - ranked[1].Score
		data["runner_up"] = ranked[1].Action + "/" + ranked[1].Strategy
		data["gap"] = gap
		if gap < NearTieGap {
			data["near_tie"] = true
			thought += fmt.Sprintf(" Runner-up %s/%s was within %.2f.", ranked[1].Action, ranked[1].Strategy, gap)
		}
	}
	return thought, data, &confidence, nil
}
