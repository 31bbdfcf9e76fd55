package guildhall

import "testing"

func TestNewTrimsBaseURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{"bare host", "http://127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"trailing slash", "http://127.0.0.1:8080/", "http://127.0.0.1:8080"},
		{"doubled slash", "http://127.0.0.1:8080//", "http://127.0.0.1:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{BaseURL: tt.base})
			if c.cfg.BaseURL != tt.want {
				t.Fatalf("BaseURL = %q, want %q", c.cfg.BaseURL, tt.want)
			}
		})
	}
}
