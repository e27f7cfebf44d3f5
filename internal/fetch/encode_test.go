package fetch

import "testing"

func TestWireURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "no query",
			raw:  "https://api.example.com/odata/Products",
			want: "https://api.example.com/odata/Products",
		},
		{
			name: "paging only",
			raw:  "https://api.example.com/Products?$count=true&$top=10&$skip=0",
			want: "https://api.example.com/Products?$count=true&$top=10&$skip=0",
		},
		{
			name: "filter with spaces and quotes",
			raw:  "https://api.example.com/Products?$count=true&$top=5&$skip=0&$filter=name eq 'Jo'",
			want: "https://api.example.com/Products?$count=true&$top=5&$skip=0&$filter=name%20eq%20%27Jo%27",
		},
		{
			name: "function call",
			raw:  "https://api.example.com/Products?$filter=contains(name,'a b')",
			want: "https://api.example.com/Products?$filter=contains%28name%2C%27a%20b%27%29",
		},
		{
			name: "ampersand inside value",
			raw:  "https://api.example.com/Products?$filter=name eq 'A&B'&$top=5",
			want: "https://api.example.com/Products?$filter=name%20eq%20%27A%26B%27&$top=5",
		},
		{
			name: "plus sign in value",
			raw:  "https://api.example.com/Products?$filter=code eq 'a+b'",
			want: "https://api.example.com/Products?$filter=code%20eq%20%27a%2Bb%27",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WireURL(tt.raw)
			if err != nil {
				t.Fatalf("WireURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("WireURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWireURL_rejectsRelative(t *testing.T) {
	for _, raw := range []string{"/Products?$top=5", "Products", "://bad"} {
		if _, err := WireURL(raw); err == nil {
			t.Errorf("WireURL(%q) should fail", raw)
		}
	}
}
