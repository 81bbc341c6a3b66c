package db

import "testing"

func TestRebindPostgres(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "no-placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "single",
			query: "SELECT * FROM user_sandbox WHERE id = ?",
			want:  "SELECT * FROM user_sandbox WHERE id = $1",
		},
		{
			name:  "multiple",
			query: "UPDATE user_sandbox SET status = ?, updated_at = ? WHERE id = ?",
			want:  "UPDATE user_sandbox SET status = $1, updated_at = $2 WHERE id = $3",
		},
		{
			name:  "quoted-literal-untouched",
			query: "SELECT * FROM t WHERE a = '?' AND b = ?",
			want:  "SELECT * FROM t WHERE a = '?' AND b = $1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := rebindPostgres(tt.query); got != tt.want {
				t.Fatalf("rebindPostgres(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}
