package widget

import (
	"context"
	"fmt"
	"math/rand"
)

// stringSlice coerces a decoded YAML/JSON list into []string.
func stringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))

		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}

			out = append(out, s)
		}

		return out, true
	default:
		return nil, false
	}
}

// permutation returns a random ordering of [0, n).
func permutation(n int) []int {
	perm := rand.Perm(n)

	return perm
}

// permute reorders words by the stored permutation. The permutation is
// decoded from JSON so its elements may be float64.
func permute(words []string, perm any) []string {
	indices, ok := perm.([]any)
	if !ok || len(indices) != len(words) {
		return words
	}

	out := make([]string, 0, len(words))

	for _, idx := range indices {
		var i int

		switch v := idx.(type) {
		case float64:
			i = int(v)
		case int:
			i = v
		default:
			return words
		}

		if i < 0 || i >= len(words) {
			return words
		}

		out = append(out, words[i])
	}

	return out
}

// anyPermutation converts an []int permutation into the []any form it
// takes after a JSON round trip, so Prepare output is shape-stable.
func anyPermutation(perm []int) []any {
	out := make([]any, len(perm))
	for i, v := range perm {
		out[i] = v
	}

	return out
}

// --- text_display ---

// TextDisplay presents a block of text for a fixed reading time.
type TextDisplay struct{}

func (w *TextDisplay) Kind() string { return "text_display" }

func (w *TextDisplay) Prepare(params Payload) (Payload, error) {
	if _, ok := params["text"].(string); !ok {
		return nil, fmt.Errorf("text_display: text parameter is required")
	}

	return params, nil
}

func (w *TextDisplay) Get(_ context.Context, params Payload) (Payload, error) {
	out := Payload{"text": params["text"]}

	if t, ok := params["reading_time"]; ok {
		out["reading_time"] = t
	}

	if msg, ok := params["start_msg"]; ok {
		out["start_msg"] = msg
	}

	return out, nil
}

func (w *TextDisplay) Post(_ context.Context, _, _ Payload) (Payload, error) {
	// Display-only widget: any post simply acknowledges completion.
	return Payload{"completed": true}, nil
}

// --- wordlist_display ---

// WordlistDisplay presents a list of words, one at a time, in an order
// fixed per session at materialization.
type WordlistDisplay struct{}

func (w *WordlistDisplay) Kind() string { return "wordlist_display" }

func (w *WordlistDisplay) Prepare(params Payload) (Payload, error) {
	words, ok := stringSlice(params["wordlist"])
	if !ok || len(words) == 0 {
		return nil, fmt.Errorf("wordlist_display: wordlist parameter is required")
	}

	prepared := Payload{}
	for k, v := range params {
		prepared[k] = v
	}

	prepared["permutation"] = anyPermutation(permutation(len(words)))

	return prepared, nil
}

func (w *WordlistDisplay) Get(_ context.Context, params Payload) (Payload, error) {
	words, ok := stringSlice(params["wordlist"])
	if !ok {
		return nil, fmt.Errorf("wordlist_display: missing wordlist")
	}

	out := Payload{"wordlist": permute(words, params["permutation"])}

	if t, ok := params["display_time"]; ok {
		out["display_time"] = t
	}

	return out, nil
}

func (w *WordlistDisplay) Post(_ context.Context, _, _ Payload) (Payload, error) {
	return Payload{"completed": true}, nil
}

// --- word_recall_test ---

// WordRecallTest asks the subject to type the words they remember.
type WordRecallTest struct{}

func (w *WordRecallTest) Kind() string { return "word_recall_test" }

func (w *WordRecallTest) Prepare(params Payload) (Payload, error) {
	return params, nil
}

func (w *WordRecallTest) Get(_ context.Context, params Payload) (Payload, error) {
	out := Payload{}

	if msg, ok := params["start_msg"]; ok {
		out["start_msg"] = msg
	}

	if n, ok := params["option_length"]; ok {
		out["option_length"] = n
	} else {
		out["option_length"] = 5
	}

	if d, ok := params["duration"]; ok {
		out["duration"] = d
	}

	return out, nil
}

func (w *WordRecallTest) Post(
	_ context.Context, _ Payload, data Payload,
) (Payload, error) {
	recalled, ok := stringSlice(data["responses"])
	if !ok {
		return nil, fmt.Errorf("%w: responses must be a list of words", ErrBadResponse)
	}

	return Payload{"recalled_words": recalled, "count": len(recalled)}, nil
}

// --- word_recognition_test ---

// WordRecognitionTest presents candidate words; the subject judges for
// each whether it appeared before. Targets are the words that did.
type WordRecognitionTest struct{}

func (w *WordRecognitionTest) Kind() string { return "word_recognition_test" }

func (w *WordRecognitionTest) Prepare(params Payload) (Payload, error) {
	targets, tok := stringSlice(params["targets"])
	lures, lok := stringSlice(params["lures"])

	if !tok || !lok || len(targets) == 0 || len(lures) == 0 {
		return nil, fmt.Errorf(
			"word_recognition_test: targets and lures parameters are required",
		)
	}

	test := make([]string, 0, len(targets)+len(lures))
	test = append(test, targets...)
	test = append(test, lures...)

	prepared := Payload{}
	for k, v := range params {
		prepared[k] = v
	}

	prepared["test_words"] = test
	prepared["permutation"] = anyPermutation(permutation(len(test)))

	return prepared, nil
}

func (w *WordRecognitionTest) Get(_ context.Context, params Payload) (Payload, error) {
	test, ok := stringSlice(params["test_words"])
	if !ok {
		return nil, fmt.Errorf("word_recognition_test: missing test words")
	}

	out := Payload{"test_words": permute(test, params["permutation"])}

	if msg, ok := params["start_msg"]; ok {
		out["start_msg"] = msg
	}

	return out, nil
}

func (w *WordRecognitionTest) Post(
	_ context.Context, params Payload, data Payload,
) (Payload, error) {
	chosen, ok := stringSlice(data["responses"])
	if !ok {
		return nil, fmt.Errorf("%w: responses must be a list of words", ErrBadResponse)
	}

	targets, _ := stringSlice(params["targets"])

	targetSet := make(map[string]struct{}, len(targets))
	for _, word := range targets {
		targetSet[word] = struct{}{}
	}

	hits := 0

	for _, word := range chosen {
		if _, isTarget := targetSet[word]; isTarget {
			hits++
		}
	}

	return Payload{
		"chosen":       chosen,
		"hits":         hits,
		"false_alarms": len(chosen) - hits,
		"targets":      len(targets),
	}, nil
}
