package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/malbeclabs/airdrop/distributor/pkg/distributor"
	airdroptesting "github.com/malbeclabs/airdrop/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestAirdrop_Notify_Slack_NewSlack(t *testing.T) {
	t.Parallel()

	_, err := NewSlack(SlackConfig{WebhookURL: "http://example.com"})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewSlack(SlackConfig{Logger: airdroptesting.NewLogger()})
	require.ErrorContains(t, err, "webhook url is required")
}

func TestAirdrop_Notify_Slack_RunFinished(t *testing.T) {
	t.Parallel()

	t.Run("posts halt report", func(t *testing.T) {
		t.Parallel()

		var got map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		s, err := NewSlack(SlackConfig{Logger: airdroptesting.NewLogger(), WebhookURL: server.URL, Cluster: "devnet"})
		require.NoError(t, err)

		summary := &distributor.Summary{RunID: "run-1", Batches: 3, BatchesConfirmed: 2, Paid: 40, HaltedBatch: 2}
		err = s.RunFinished(context.Background(), summary, errors.New("distribution halted: batch 2"))
		require.NoError(t, err)
		require.Equal(t, "Airdrop halted on devnet", got["text"])
		require.Len(t, got["blocks"], 2)
	})

	t.Run("returns webhook errors", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		s, err := NewSlack(SlackConfig{Logger: airdroptesting.NewLogger(), WebhookURL: server.URL})
		require.NoError(t, err)
		err = s.RunFinished(context.Background(), &distributor.Summary{HaltedBatch: -1}, nil)
		require.ErrorContains(t, err, "failed to post slack webhook")
	})
}

func TestAirdrop_Notify_RunMessage(t *testing.T) {
	t.Parallel()

	msg := RunMessage("", &distributor.Summary{Paid: 5, Batches: 1, BatchesConfirmed: 1, HaltedBatch: -1}, nil)
	require.Equal(t, "Airdrop complete", msg.Text)
	require.Len(t, msg.Blocks.BlockSet, 2)

	msg = RunMessage("mainnet-beta", &distributor.Summary{DryRun: true, HaltedBatch: -1}, nil)
	require.Equal(t, "Airdrop dry run complete on mainnet-beta", msg.Text)

	msg = RunMessage("", nil, errors.New("boom"))
	require.Equal(t, "Airdrop halted", msg.Text)
}
