package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/tidwall/gjson"
)

const maxLessons = 5

const lessonsSystemPrompt = `You review the outcome of a subscriber retention action and extract reusable lessons.
Reply with JSON only:
{"lessons": [{"insight": "...", "confidence": 0.0, "applicable_to": {"trigger": "..."}, "recommendation": "..."}]}
Return at most 5 lessons. Return {"lessons": []} when nothing generalizes.`

// LessonsResponse is the expected reply to the lesson extraction prompt.
type LessonsResponse struct {
	Lessons  []episode.Lesson
	Fallback bool
}

// ParseLessonsResponse extracts and validates lessons from a model reply.
func ParseLessonsResponse(text string) (LessonsResponse, error) {
	obj, ok := llm.ExtractJSONObject(text)
	if !ok {
		return LessonsResponse{}, errors.New("no JSON object in lessons response")
	}
	list := gjson.Get(obj, "lessons")
	if !list.IsArray() {
		return LessonsResponse{}, errors.New("lessons response has no lessons array")
	}
	var resp LessonsResponse
	for _, item := range list.Array() {
		l := episode.Lesson{
			Insight:        strings.TrimSpace(item.Get("insight").String()),
			Confidence:     item.Get("confidence").Float(),
			Recommendation: strings.TrimSpace(item.Get("recommendation").String()),
		}
		if at, ok := item.Get("applicable_to").Value().(map[string]interface{}); ok {
			l.ApplicableTo = at
		}
		resp.Lessons = append(resp.Lessons, l)
	}
	resp.Validate()
	return resp, nil
}

// Validate drops lessons without an insight, clamps confidence to [0,1] and
// keeps at most five.
func (r *LessonsResponse) Validate() {
	valid := make([]episode.Lesson, 0, len(r.Lessons))
	for _, l := range r.Lessons {
		if l.Insight == "" {
			continue
		}
		switch {
		case l.Confidence < 0:
			l.Confidence = 0
		case l.Confidence > 1:
			l.Confidence = 1
		}
		valid = append(valid, l)
	}
	if len(valid) > maxLessons {
		valid = valid[:maxLessons]
	}
	r.Lessons = valid
}

// FallbackLessonsResponse is the empty lesson list.
func FallbackLessonsResponse() LessonsResponse {
	return LessonsResponse{Lessons: []episode.Lesson{}, Fallback: true}
}

// ExtractLessons asks the generative backend what the episode teaches.
// It never fails; any problem yields an empty list.
func (e *Engine) ExtractLessons(ctx context.Context, ep *episode.Episode, outcome episode.Outcome, details map[string]interface{}) []episode.Lesson {
	log := e.logger.With().Str("episode_id", ep.ID).Logger()

	text, err := llm.Ask(ctx, e.client, llm.Prompt{
		System:      lessonsSystemPrompt,
		User:        lessonsPrompt(ep, outcome, details),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		Timeout:     e.cfg.Timeout,
	})
	resp := FallbackLessonsResponse()
	if err == nil {
		parsed, perr := ParseLessonsResponse(text)
		if perr == nil {
			resp = parsed
		}
		err = perr
	}
	if err != nil {
		log.Warn().Err(err).Bool("fallback", true).Msg("lesson extraction failed")
	}
	return resp.Lessons
}

func lessonsPrompt(ep *episode.Episode, outcome episode.Outcome, details map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("## Situation\n")
	b.WriteString(ep.Situation.Describe())
	fmt.Fprintf(&b, "\n\n## Action taken\n%s with strategy %s", ep.ActionTaken.Type, ep.ActionTaken.Strategy)
	if len(ep.ActionTaken.Details) > 0 {
		d, _ := json.Marshal(ep.ActionTaken.Details)
		fmt.Fprintf(&b, " %s", d)
	}
	fmt.Fprintf(&b, "\n\n## Outcome\n%s", outcome)
	if len(details) > 0 {
		d, _ := json.Marshal(details)
		fmt.Fprintf(&b, " %s", d)
	}
	return b.String()
}
