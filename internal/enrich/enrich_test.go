package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/rotator"
)

type fakeModel struct {
	mu      sync.Mutex
	prompts []string
	keys    []string
	reply   func(call int, prompt string) (string, error)
}

func (f *fakeModel) Generate(_ context.Context, key, prompt string) (string, error) {
	f.mu.Lock()
	call := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return f.reply(call, prompt)
}

func keys(k ...string) harvest.KeyRotator {
	return rotator.New(k, rotator.Options{Sleep: func(context.Context, time.Duration) error { return nil }})
}

// echo answers every item with a name derived from its id.
func echo(_ int, prompt string) (string, error) {
	var items []promptItem
	if err := json.Unmarshal([]byte(prompt[strings.Index(prompt, "["):]), &items); err != nil {
		return "", err
	}
	out := make([]answer, len(items))
	for i, it := range items {
		out[i] = answer{ID: it.ID, BusinessName: "Biz " + it.Username, Type: "riad"}
	}
	data, _ := json.Marshal(out)
	return "```json\n" + string(data) + "\n```", nil
}

func TestEnrichFillsOnlyEmptyFields(t *testing.T) {
	t.Parallel()

	records := []harvest.Record{
		{Username: "a", BusinessName: "Kept", Type: "hotel"},
		{Username: "b", BusinessName: "Named"},
		{Username: "c"},
	}
	model := &fakeModel{reply: echo}
	out, err := New(model, 0, nil).Enrich(context.Background(), records, keys("k1"))
	require.NoError(t, err)

	require.Equal(t, harvest.Record{Username: "a", BusinessName: "Kept", Type: "hotel"}, out[0])
	require.Equal(t, "Named", out[1].BusinessName)
	require.Equal(t, "riad", out[1].Type)
	require.Equal(t, "Biz c", out[2].BusinessName)
	require.Len(t, model.prompts, 1)
	require.Empty(t, records[2].BusinessName, "input is not mutated")
}

func TestEnrichBatches(t *testing.T) {
	t.Parallel()

	records := make([]harvest.Record, 5)
	for i := range records {
		records[i] = harvest.Record{Username: string(rune('a' + i))}
	}
	model := &fakeModel{reply: echo}
	out, err := New(model, 2, nil).Enrich(context.Background(), records, keys("k1"))
	require.NoError(t, err)
	require.Len(t, model.prompts, 3)
	for i, r := range out {
		require.Equal(t, "Biz "+records[i].Username, r.BusinessName)
	}
}

func TestEnrichSkipsBadBatches(t *testing.T) {
	t.Parallel()

	records := []harvest.Record{{Username: "a"}, {Username: "b"}}
	model := &fakeModel{reply: func(call int, prompt string) (string, error) {
		if call == 0 {
			return "not json", nil
		}
		return echo(call, prompt)
	}}
	out, err := New(model, 1, nil).Enrich(context.Background(), records, keys("k1"))
	require.NoError(t, err)
	require.Empty(t, out[0].BusinessName)
	require.Equal(t, "Biz b", out[1].BusinessName)
}

func TestEnrichTransientFailureSkipsBatch(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: func(int, string) (string, error) { return "", errors.New("deadline") }}
	out, err := New(model, 0, nil).Enrich(context.Background(), []harvest.Record{{Username: "a"}}, keys("k1", "k2"))
	require.NoError(t, err)
	require.Empty(t, out[0].BusinessName)
	require.Len(t, model.prompts, 2)
}

func TestEnrichQuotaExhaustionIsReturned(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: func(int, string) (string, error) {
		return "", errors.New("rpc error: code = ResourceExhausted desc = quota")
	}}
	records := []harvest.Record{{Username: "a"}}
	out, err := New(model, 0, nil).Enrich(context.Background(), records, keys("k1", "k2"))
	var qErr *harvest.QuotaExhaustedError
	require.ErrorAs(t, err, &qErr)
	require.Equal(t, records, out)
	require.Equal(t, []string{"k1", "k2"}, model.keys)
}

func TestEnrichNothingToDo(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: echo}
	records := []harvest.Record{{BusinessName: "A", Type: "cafe"}}
	out, err := New(model, 0, nil).Enrich(context.Background(), records, keys("k1"))
	require.NoError(t, err)
	require.Equal(t, records, out)
	require.Empty(t, model.prompts)
}

func TestParseAnswers(t *testing.T) {
	t.Parallel()

	got, err := parseAnswers(" [{\"id\":\"0\",\"business_name\":\"X\",\"type\":\"\"}] ")
	require.NoError(t, err)
	require.Equal(t, []answer{{ID: "0", BusinessName: "X"}}, got)
	_, err = parseAnswers("{}")
	require.Error(t, err)
}

func TestNewGeminiDefaultsModel(t *testing.T) {
	t.Parallel()

	g := NewGemini("")
	require.Equal(t, DefaultModel, g.model)
	require.NoError(t, g.Close())
}
