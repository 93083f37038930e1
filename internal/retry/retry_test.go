package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("rpc timed out")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("invalid params")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{"context deadline transient", context.DeadlineExceeded, ClassTransient},
		{"context canceled terminal", context.Canceled, ClassTerminal},
		{"pq serialization transient", &pq.Error{Code: "40001"}, ClassTransient},
		{"pq connection transient", fmt.Errorf("upsert: %w", &pq.Error{Code: "08006"}), ClassTransient},
		{"pq unique violation terminal", &pq.Error{Code: "23505"}, ClassTerminal},
		{"solana server error transient", &jsonrpc.RPCError{Code: -32005, Message: "node behind"}, ClassTransient},
		{"solana invalid params terminal", &jsonrpc.RPCError{Code: -32602, Message: "bad"}, ClassTerminal},
		{"evm http 429 transient", gethrpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, ClassTransient},
		{"evm http 400 terminal", gethrpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}, ClassTerminal},
		{"message rate limit transient", errors.New("upstream rate limit exceeded"), ClassTransient},
		{"unknown defaults terminal", errors.New("unexpected failure"), ClassTerminal},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnTerminal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return Terminal(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return Transient(errors.New("still down"))
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
