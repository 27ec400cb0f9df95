package market

import (
	"fmt"
	"math"
	"sort"

	"github.com/blevesearch/bleve"
)

// volumeWeight scales log10(volume) against the normalised BM25 score.
const volumeWeight = 0.1

type rankDoc struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Questions   string `json:"questions"`
}

// Rank orders events by text relevance to topic blended with trading volume
// and keeps the best topK. Events without any text match rank on volume alone.
func Rank(topic string, events []Event, topK int) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open rank index: %w", err)
	}
	defer index.Close()

	byID := make(map[string]Event, len(events))
	for i, ev := range events {
		id := ev.ID
		if id == "" {
			id = fmt.Sprintf("idx-%d", i)
			ev.ID = id
		}
		byID[id] = ev
		doc := rankDoc{Title: ev.Title, Description: ev.Description, Questions: questions(ev)}
		if err := index.Index(id, doc); err != nil {
			return nil, fmt.Errorf("index event %s: %w", id, err)
		}
	}

	relevance := make(map[string]float64, len(byID))
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(topic), len(byID), 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("rank search: %w", err)
	}
	maxScore := res.MaxScore
	for _, hit := range res.Hits {
		if maxScore > 0 {
			relevance[hit.ID] = hit.Score / maxScore
		}
	}

	type scored struct {
		ev    Event
		score float64
	}
	ranked := make([]scored, 0, len(byID))
	for id, ev := range byID {
		s := relevance[id] + volumeWeight*math.Log10(1+float64(ev.Volume))
		ranked = append(ranked, scored{ev: ev, score: s})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].ev.ID < ranked[j].ev.ID
		}
		return ranked[i].score > ranked[j].score
	})
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]Event, len(ranked))
	for i, s := range ranked {
		out[i] = s.ev
	}
	return out, nil
}

func questions(ev Event) string {
	var s string
	for _, m := range ev.Markets {
		s += m.Question + " "
	}
	return s
}
