package suggest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/djdanielsson/mosaicterm-sub001/internal/history"
	"github.com/djdanielsson/mosaicterm-sub001/internal/storage"
)

// maxHistorySuggestions bounds this provider's contribution.
const maxHistorySuggestions = 20

// HistoryProvider completes from previously run commands, weighting
// usage frequency and recency.
type HistoryProvider struct {
	svc *history.Service
	now func() time.Time
}

// NewHistoryProvider creates a provider backed by the history service.
func NewHistoryProvider(svc *history.Service) *HistoryProvider {
	return &HistoryProvider{svc: svc, now: time.Now}
}

// Name returns the provider name.
func (p *HistoryProvider) Name() string {
	return "history"
}

// Suggest returns history entries matching everything typed up to the
// cursor.
func (p *HistoryProvider) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	prefix := strings.TrimLeft(q.Input[:q.CursorPos], " \t")
	if prefix == "" {
		return nil, nil
	}

	freqs, err := p.svc.Frequencies(ctx, prefix, 50)
	if err != nil {
		return nil, err
	}

	maxUses := 0
	for _, f := range freqs {
		if f.Uses > maxUses {
			maxUses = f.Uses
		}
	}

	now := p.now()
	typed := strings.TrimSpace(q.Input)
	var suggestions []Suggestion
	for _, f := range freqs {
		if f.CommandText == typed {
			// No point suggesting what is already fully typed.
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Text:        f.CommandText,
			Source:      "history",
			Description: describeUsage(f, now),
			Score:       historyScore(f, prefix, maxUses, now),
		})
	}

	sortByScore(suggestions)
	if len(suggestions) > maxHistorySuggestions {
		suggestions = suggestions[:maxHistorySuggestions]
	}
	return suggestions, nil
}

func describeUsage(f storage.Frequency, now time.Time) string {
	when := humanize.RelTime(f.LastUsed, now, "ago", "from now")
	if f.Uses == 1 {
		return "used once, " + when
	}
	return fmt.Sprintf("used %d times, last %s", f.Uses, when)
}

// historyScore starts above every other provider's range and adds
// frequency, recency and match-quality boosts.
func historyScore(f storage.Frequency, prefix string, maxUses int, now time.Time) float64 {
	score := 0.7
	if maxUses > 0 {
		score += 0.15 * float64(f.Uses) / float64(maxUses)
	}
	switch age := now.Sub(f.LastUsed); {
	case age < time.Hour:
		score += 0.1
	case age < 24*time.Hour:
		score += 0.05
	}
	if len(f.CommandText) > 0 {
		score += 0.1 * float64(len(prefix)) / float64(len(f.CommandText))
	}
	return score
}
