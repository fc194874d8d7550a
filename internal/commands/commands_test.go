package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
)

type bankStub struct {
	mu    sync.Mutex
	calls []string
}

func (b *bankStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls = append(b.calls, r.Method+" "+r.URL.Path)
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/cds/cd-1/redeem-early":
			payout := int64(9000)
			_ = json.NewEncoder(w).Encode(instruments.CD{ID: "cd-1", Status: instruments.CDRedeemedEarly, Payout: &payout})
		case "/transactions/":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(1250), body["amount"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(ledger.Transaction{ID: "tx-1", Amount: 1250})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","message":"no such route"}`))
		}
	})
}

func (b *bankStub) sent(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

func execute(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", "test-token"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRedeemEarlyAsksFirst(t *testing.T) {
	stub := &bankStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	out, err := execute(t, srv, "n\n", "cd", "redeem-early", "cd-1")
	require.Error(t, err)
	assert.Contains(t, out, "[y/N]")
	assert.Contains(t, out, "nothing happened")
	assert.Zero(t, stub.sent("POST /cds/cd-1/redeem-early"))

	out, err = execute(t, srv, "yes\n", "cd", "redeem-early", "cd-1")
	require.NoError(t, err)
	assert.Contains(t, out, "redeem cd early: done")
	assert.Equal(t, 1, stub.sent("POST /cds/cd-1/redeem-early"))

	_, err = execute(t, srv, "", "--yes", "cd", "redeem-early", "cd-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.sent("POST /cds/cd-1/redeem-early"))
}

func TestRecordSendsCents(t *testing.T) {
	stub := &bankStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	out, err := execute(t, srv, "", "tx", "record", "child-1", "--amount", "12.50", "--memo", "allowance")
	require.NoError(t, err)
	assert.Contains(t, out, "record transaction: done")
	assert.Equal(t, 1, stub.sent("POST /transactions/"))

	_, err = execute(t, srv, "", "tx", "record", "child-1", "--amount", "1.005")
	require.Error(t, err)
	assert.Equal(t, 1, stub.sent("POST /transactions/"))
}

func TestServerErrorsExitNonZero(t *testing.T) {
	stub := &bankStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	out, err := execute(t, srv, "", "loan", "close", "loan-9")
	require.Error(t, err)
	assert.Contains(t, out, "close loan: nothing happened")
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "12.50", want: 1250},
		{in: "$3", want: 300},
		{in: "0.01", want: 1},
		{in: "1.005", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "ten", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$12.50", formatCents(1250))
	assert.Equal(t, "$-0.75", formatCents(-75))
}
