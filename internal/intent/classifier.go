// Package intent classifies inbound messages against a configured set
// of intents when the bridge leaves the reply decision to the instance.
//
// The ladder has three levels: a keyword-prior naive Bayes (confidence
// > 0.70), cosine similarity against precomputed TF-IDF intent vectors
// (> 0.80), then a weighted keyword match. Anything below falls back to
// FallbackName.
package intent

import (
	"math"
	"strings"
)

// FallbackName is returned when no level produces a confident match.
const FallbackName = "no_entiendo"

const (
	bayesThreshold  = 0.70
	cosineThreshold = 0.80
)

// Intent is one configured intent: a name, comma-separated keywords and
// a priority weight used by the keyword level.
type Intent struct {
	Name     string
	Keywords string
	Priority float64
}

// Embedding is a precomputed TF-IDF vector for one intent.
type Embedding struct {
	Name   string
	Vector map[string]float64
}

// Result is a classification outcome. Level tells which ladder rung
// matched (2 bayes, 3 cosine, 4 keywords/fallback).
type Result struct {
	Name       string
	Level      int
	Confidence float64
}

func (i Intent) keywordList() []string {
	parts := strings.Split(i.Keywords, ",")
	out := parts[:0]
	for _, p := range parts {
		k := normalize(strings.TrimSpace(p))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Vectorize turns text into an L2-normalized sparse TF-IDF vector.
// Terms missing from idf weigh 1.
func Vectorize(text string, idf map[string]float64) map[string]float64 {
	tokens := Tokenize(text)
	tf := map[string]float64{}
	for _, t := range tokens {
		tf[t]++
	}
	total := float64(len(tokens))
	if total == 0 {
		total = 1
	}

	vec := make(map[string]float64, len(tf))
	var mag float64
	for t, n := range tf {
		w := 1.0
		if v, ok := idf[t]; ok {
			w = v
		}
		vec[t] = (n / total) * w
		mag += vec[t] * vec[t]
	}
	mag = math.Sqrt(mag)
	if mag == 0 {
		mag = 1
	}
	for t := range vec {
		vec[t] /= mag
	}
	return vec
}

// Cosine is the dot product of two normalized sparse vectors.
func Cosine(a, b map[string]float64) float64 {
	var dot float64
	for t, w := range a {
		if v, ok := b[t]; ok {
			dot += w * v
		}
	}
	return dot
}

// IntentVector builds the stored TF-IDF vector for an intent from its
// keywords plus sample responses enriching the vocabulary.
func IntentVector(keywords string, samples ...string) map[string]float64 {
	base := keywords
	if len(samples) > 0 {
		base = keywords + " " + strings.Join(samples, " ")
	}
	return Vectorize(base, nil)
}

// naiveBayes scores each intent with a uniform prior and additive
// smoothing over its keyword set, returning the winner and a softmax
// confidence.
func naiveBayes(tokens []string, intents []Intent) (best *Intent, confidence float64) {
	if len(tokens) == 0 || len(intents) == 0 {
		return nil, 0
	}
	bestScore := math.Inf(-1)
	var total float64
	for i := range intents {
		kws := intents[i].keywordList()
		logProb := math.Log(1 / float64(len(intents)))
		for _, t := range tokens {
			hit := 0.0
			for _, k := range kws {
				if t == k {
					hit = 1
					break
				}
			}
			logProb += math.Log((hit + 0.1) / (float64(len(kws)) + 0.1*float64(len(tokens))))
		}
		total += math.Exp(logProb)
		if logProb > bestScore {
			bestScore = logProb
			best = &intents[i]
		}
	}
	if total <= 0 {
		return best, 0
	}
	return best, math.Exp(bestScore) / total
}

// classifyKeywords is the fallback level: whole-text matches weigh the
// intent's priority (catches multi-word keywords), bare token matches
// weigh 1.
func classifyKeywords(text string, tokens []string, intents []Intent) (best *Intent, score float64) {
	textNorm := normalize(text)
	score = -1
	for i := range intents {
		kws := intents[i].keywordList()
		if len(kws) == 0 {
			continue
		}
		var s float64
		for _, k := range kws {
			if strings.Contains(textNorm, k) {
				s += intents[i].Priority
				continue
			}
			for _, t := range tokens {
				if t == k {
					s++
				}
			}
		}
		if s > score {
			score = s
			best = &intents[i]
		}
	}
	return best, score
}

// Classify runs the ladder over text. Context-driven routing above the
// ladder is the bridge's job, not this package's.
func Classify(text string, intents []Intent, embeddings []Embedding) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Name: FallbackName, Level: 4, Confidence: 0}
	}
	tokens := Tokenize(text)

	if best, conf := naiveBayes(tokens, intents); best != nil && conf > bayesThreshold {
		return Result{Name: best.Name, Level: 2, Confidence: conf}
	}

	if len(embeddings) > 0 {
		msg := Vectorize(text, nil)
		var bestSim float64
		var bestEmb *Embedding
		for i := range embeddings {
			if sim := Cosine(msg, embeddings[i].Vector); sim > bestSim {
				bestSim = sim
				bestEmb = &embeddings[i]
			}
		}
		if bestEmb != nil && bestSim > cosineThreshold {
			return Result{Name: bestEmb.Name, Level: 3, Confidence: bestSim}
		}
	}

	if best, score := classifyKeywords(text, tokens, intents); best != nil && score > 0 {
		return Result{Name: best.Name, Level: 4, Confidence: score}
	}
	return Result{Name: FallbackName, Level: 4, Confidence: 0}
}
