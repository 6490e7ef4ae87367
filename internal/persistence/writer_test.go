package persistence

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func fundOutput(t *testing.T) core.CoreOutput {
	t.Helper()
	admin := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	user := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	id := uuid.MustParse("10000000-0000-0000-0000-000000000001")
	at := time.Unix(1_700_000_000, 0).UTC()
	amount := fpmath.Units(10)

	batchID := uuid.NewSHA1(uuid.NameSpaceOID, id[:])
	return core.CoreOutput{
		Record: core.CommandRecord{
			Sequence: 7,
			Request: core.Request{
				ID:     id,
				Caller: admin,
				Nonce:  3,
				Command: &core.FundWallet{
					User:   user,
					Asset:  "WETH",
					Amount: amount,
				},
			},
			Time:      at,
			StateHash: [32]byte{1},
			PrevHash:  [32]byte{2},
		},
		Envelope: &event.EventEnvelope{
			Sequence: 7,
			Events: []event.Event{
				&event.WalletFunded{User: user, Asset: "WETH", Amount: amount},
			},
		},
		Batch: &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{{
				JournalID:     uuid.NewSHA1(batchID, []byte{0}),
				BatchID:       batchID,
				EventRef:      id.String(),
				DebitAccount:  ledger.NewUserAccountKey(user, "WETH"),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalBridge, "WETH"),
				Asset:         "WETH",
				Amount:        amount,
				JournalType:   ledger.JournalTypeWalletFund,
				Timestamp:     at.UnixMicro(),
			}},
		},
	}
}

func TestRowsFromOutput(t *testing.T) {
	out := fundOutput(t)

	rows, err := RowsFromOutput(out)
	require.NoError(t, err)

	cmd := rows.Command
	require.Equal(t, int64(7), cmd.Sequence)
	require.Equal(t, out.Record.Request.ID, cmd.CommandID)
	require.Equal(t, int64(3), cmd.Nonce)
	require.Equal(t, "fund_wallet", cmd.CommandType)
	require.Equal(t, out.Record.StateHash[:], cmd.StateHash)
	require.Equal(t, out.Record.PrevHash[:], cmd.PrevHash)

	var rec core.CommandRecord
	require.NoError(t, json.Unmarshal(cmd.Record, &rec))
	require.Equal(t, out.Record.Request.ID, rec.Request.ID)
	require.Equal(t, out.Record.StateHash, rec.StateHash)
	fund, ok := rec.Request.Command.(*core.FundWallet)
	require.True(t, ok)
	require.True(t, fund.Amount.Eq(fpmath.Units(10)))

	require.Len(t, rows.Events, 1)
	require.Equal(t, "WalletFunded", rows.Events[0].EventType)
	require.Equal(t, "WETH", rows.Events[0].Asset)
	require.Equal(t, 0, rows.Events[0].Index)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	require.Equal(t, int64(7), j.Sequence)
	require.Equal(t, "10000000000000000000", j.Amount)
	require.Equal(t, "wallet_fund", j.JournalType)
	require.Equal(t, "external:bridge:WETH", j.CreditAccount)
}

func TestRowsFromOutput_NoEventsOrJournals(t *testing.T) {
	out := fundOutput(t)
	out.Envelope = nil
	out.Batch = nil

	rows, err := RowsFromOutput(out)
	require.NoError(t, err)
	require.Empty(t, rows.Events)
	require.Empty(t, rows.Journals)
}

func TestPlaceholders(t *testing.T) {
	require.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	require.Equal(t, "($7, $8)", placeholders(6, 2))
}

func TestExtractVersion(t *testing.T) {
	require.Equal(t, "000002", extractVersion("000002_projections.up.sql"))
	require.Equal(t, "nounderscore.sql", extractVersion("nounderscore.sql"))
}
