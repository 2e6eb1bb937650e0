package retrieval

import (
	"sort"
	"strings"

	"github.com/raghub/backend/internal/storage/models"
)

// ranked is one candidate chunk after fusion. Score is the reciprocal
// rank fusion score, not a calibrated probability.
type ranked struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

const rrfK = 60

// fuseRRF merges ranked candidate lists with reciprocal rank fusion.
// Order within a list is its ranking; scores from different legs are
// never compared directly. Ties keep first-seen order, so the dense leg
// wins ties when passed first.
func fuseRRF(lists ...[]ranked) []ranked {
	scores := make(map[string]float64)
	docs := make(map[string]string)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, item := range list {
			if _, seen := scores[item.ChunkID]; !seen {
				order = append(order, item.ChunkID)
				docs[item.ChunkID] = item.DocumentID
			}
			scores[item.ChunkID] += 1.0 / float64(rrfK+rank+1)
		}
	}

	fused := make([]ranked, 0, len(order))
	for _, id := range order {
		fused = append(fused, ranked{ChunkID: id, DocumentID: docs[id], Score: scores[id]})
	}

	// Insertion sort keeps first-seen order for equal scores.
	for i := 1; i < len(fused); i++ {
		for j := i; j > 0 && fused[j].Score > fused[j-1].Score; j-- {
			fused[j], fused[j-1] = fused[j-1], fused[j]
		}
	}
	return fused
}

// capPerDocument limits how many of the top results one document may
// contribute. maxShare is a fraction of topK; overflow slots go to the
// next best chunks from other documents.
func capPerDocument(candidates []ranked, topK int, maxShare float64) []ranked {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}
	perDoc := int(maxShare * float64(topK))
	if perDoc < 1 {
		perDoc = 1
	}

	counts := make(map[string]int)
	selected := make([]ranked, 0, topK)
	var overflow []ranked

	for _, c := range candidates {
		if len(selected) == topK {
			break
		}
		if counts[c.DocumentID] >= perDoc {
			overflow = append(overflow, c)
			continue
		}
		counts[c.DocumentID]++
		selected = append(selected, c)
	}

	// When the pool is too shallow to fill topK under the cap, relax it
	// rather than return fewer results.
	for _, c := range overflow {
		if len(selected) == topK {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// rerankByOverlap reorders loaded chunks by how many question terms
// their text contains, used when the tenant's chunking profile opts in
// to reranking. Stable, so the fused order breaks ties.
func rerankByOverlap(chunks []models.Chunk, question string) []models.Chunk {
	terms := strings.Fields(strings.ToLower(question))
	if len(terms) == 0 || len(chunks) < 2 {
		return chunks
	}

	overlap := func(text string) int {
		lower := strings.ToLower(text)
		n := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				n++
			}
		}
		return n
	}

	scores := make([]int, len(chunks))
	for i, c := range chunks {
		scores[i] = overlap(c.Text)
	}
	idx := make([]int, len(chunks))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	out := make([]models.Chunk, len(chunks))
	for i, j := range idx {
		out[i] = chunks[j]
	}
	return out
}
