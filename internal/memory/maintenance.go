package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

const consolidatePrompt = `Merge the memory entries below into a smaller set of durable semantic facts.

Rules:
1. Merge duplicates and near-duplicates into one entry
2. Drop entries with no lasting value
3. Keep each merged fact concise and self-contained
4. topics is a short list of lowercase keywords

Return strict JSON object:
{"facts":[{"text":"...","topics":["..."]}]}

Entries:
%s`

// ConsolidateDaily folds aged episodic and message records into merged
// semantic facts. It only runs against stores that can enumerate
// unconsolidated records; any other store makes this a no-op. Original
// records are kept and marked, never deleted, so a bad merge cannot lose
// anything.
func (m *Manager) ConsolidateDaily(ctx context.Context) error {
	consolidator, ok := m.opts.Store.(Consolidator)
	if !ok {
		return nil
	}
	if m.opts.Completer == nil {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -1)
	recs, err := consolidator.ListUnconsolidated(ctx, cutoff, 200)
	if err != nil {
		return fmt.Errorf("consolidate list: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	byOwner := make(map[string][]Record)
	owners := make([]string, 0)
	for _, rec := range recs {
		if _, seen := byOwner[rec.OwnerUserID]; !seen {
			owners = append(owners, rec.OwnerUserID)
		}
		byOwner[rec.OwnerUserID] = append(byOwner[rec.OwnerUserID], rec)
	}

	for _, owner := range owners {
		if err := m.consolidateOwner(ctx, consolidator, owner, byOwner[owner]); err != nil {
			log.Printf("[memory] consolidate for %s: %v", owner, err)
		}
	}
	return nil
}

func (m *Manager) consolidateOwner(ctx context.Context, consolidator Consolidator, owner string, recs []Record) error {
	var sb strings.Builder
	for _, rec := range recs {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", rec.Kind, rec.Text))
	}

	reply, err := m.opts.Completer.Complete(ctx, fmt.Sprintf(consolidatePrompt, strings.TrimSpace(sb.String())))
	if err != nil {
		return fmt.Errorf("consolidate completion: %w", err)
	}

	var result struct {
		Facts []struct {
			Text   string   `json:"text"`
			Topics []string `json:"topics"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(stripFences(reply)), &result); err != nil {
		return fmt.Errorf("parse consolidation result: %w", err)
	}

	wrote := 0
	for _, fact := range result.Facts {
		text := strings.TrimSpace(fact.Text)
		if text == "" {
			continue
		}
		rec := Record{
			OwnerUserID: owner,
			Text:        text,
			Kind:        KindSemantic,
			Topics:      fact.Topics,
			Source:      SourceConsolidation,
			CreatedAt:   time.Now().UTC(),
		}
		if _, err := m.opts.Store.Write(ctx, rec); err != nil {
			log.Printf("[memory] consolidate write for %s: %v", owner, err)
			continue
		}
		wrote++
	}

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	if err := consolidator.MarkConsolidated(ctx, ids); err != nil {
		return fmt.Errorf("mark consolidated: %w", err)
	}

	log.Printf("[memory] consolidated %d record(s) into %d fact(s) for %s", len(recs), wrote, owner)
	return nil
}
