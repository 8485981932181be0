package oauth

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveResources(t *testing.T) {
	open := &Client{ID: "open"}
	restricted := &Client{ID: "restricted", ResourceIDs: []string{"https://api.example.com/orders", "https://api.example.com/users"}}

	many := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("https://api.example.com/svc%d", i)
		}
		return out
	}

	tests := []struct {
		name    string
		client  *Client
		raw     []string
		want    []string
		wantErr string
	}{
		{
			name:   "nothing requested",
			client: open,
		},
		{
			name:   "dedup keeps first occurrence order",
			client: open,
			raw:    []string{"https://api.example.com/b", "", "https://api.example.com/a", "https://api.example.com/b"},
			want:   []string{"https://api.example.com/b", "https://api.example.com/a"},
		},
		{
			name:   "registered subset",
			client: restricted,
			raw:    []string{"https://api.example.com/users"},
			want:   []string{"https://api.example.com/users"},
		},
		{
			name:    "unregistered for restricted client",
			client:  restricted,
			raw:     []string{"https://api.example.com/orders", "https://api.example.com/billing"},
			wantErr: "not registered",
		},
		{
			name:    "relative",
			client:  open,
			raw:     []string{"/orders"},
			wantErr: "absolute",
		},
		{
			name:    "urn without host",
			client:  open,
			raw:     []string{"urn:example:orders"},
			wantErr: "absolute",
		},
		{
			name:    "fragment",
			client:  open,
			raw:     []string{"https://api.example.com/orders#v2"},
			wantErr: "fragment",
		},
		{
			name:   "at the limit",
			client: open,
			raw:    many(maxResources),
			want:   many(maxResources),
		},
		{
			name:    "over the limit",
			client:  open,
			raw:     many(maxResources + 1),
			wantErr: "too many",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveResources(tt.raw, tt.client)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
