package postgres

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		url         string
		timeout     time.Duration
		wantOptions string
		wantErr     string
	}{
		{name: "no timeout", url: "postgres://u:p@db:5432/ledger?sslmode=disable"},
		{
			name:        "timeout added",
			url:         "postgres://u:p@db:5432/ledger?sslmode=disable",
			timeout:     45 * time.Second,
			wantOptions: "-c statement_timeout=45000",
		},
		{
			name:        "existing options kept",
			url:         "postgres://db/ledger?options=-c%20search_path%3Dwallet",
			timeout:     time.Second,
			wantOptions: "-c search_path=wallet -c statement_timeout=1000",
		},
		{name: "negative", url: "postgres://db/ledger", timeout: -time.Second, wantErr: "out of allowed range"},
		{name: "too long", url: "postgres://db/ledger", timeout: 2 * time.Hour, wantErr: "out of allowed range"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := connectionURL(Config{URL: tt.url, StatementTimeout: tt.timeout})
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.timeout == 0 {
				assert.Equal(t, tt.url, got)
				return
			}
			u, err := url.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOptions, u.Query().Get("options"))
			assert.Equal(t, "db", u.Hostname())
		})
	}
}
