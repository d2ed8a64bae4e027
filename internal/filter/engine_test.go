package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"market_watch/internal/model"
)

func ptr(v float64) *float64 { return &v }

func titles(items []model.Item) []string {
	out := []string{}
	for _, it := range items {
		out = append(out, it.Title)
	}
	return out
}

func TestExcludeByTitle(t *testing.T) {
	items := []model.Item{
		{ID: "1", Title: "iPhone 13 Pro 128GB"},
		{ID: "2", Title: "iPhone 13 silicone CASE"},
		{ID: "3", Title: "Screen Protector for iPhone"},
		{ID: "4", Title: "C++ Primer book"},
		{ID: "5", Title: "iPhone 12 mini"},
	}

	tests := []struct {
		name     string
		excluded []string
		want     []string
	}{
		{
			name:     "no exclusions keeps everything",
			excluded: nil,
			want:     []string{"iPhone 13 Pro 128GB", "iPhone 13 silicone CASE", "Screen Protector for iPhone", "C++ Primer book", "iPhone 12 mini"},
		},
		{
			name:     "case insensitive substring",
			excluded: []string{"case", "screen protector"},
			want:     []string{"iPhone 13 Pro 128GB", "C++ Primer book", "iPhone 12 mini"},
		},
		{
			name:     "regex keyword",
			excluded: []string{`iphone 1[23]\b.*(case|mini)`},
			want:     []string{"iPhone 13 Pro 128GB", "Screen Protector for iPhone", "C++ Primer book"},
		},
		{
			name:     "invalid regex falls back to substring",
			excluded: []string{"c++"},
			want:     []string{"iPhone 13 Pro 128GB", "iPhone 13 silicone CASE", "Screen Protector for iPhone", "iPhone 12 mini"},
		},
		{
			name:     "blank keywords are ignored",
			excluded: []string{"", "  "},
			want:     []string{"iPhone 13 Pro 128GB", "iPhone 13 silicone CASE", "Screen Protector for iPhone", "C++ Primer book", "iPhone 12 mini"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExcludeByTitle(items, tt.excluded)
			if diff := cmp.Diff(tt.want, titles(got)); diff != "" {
				t.Errorf("ExcludeByTitle() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApply(t *testing.T) {
	items := []model.Item{
		{ID: "1", Title: "iPhone 13", Price: 400, Condition: "Used", Seller: "alice"},
		{ID: "2", Title: "iPhone 14", Price: 650, Condition: "New", Seller: "bob"},
		{ID: "3", Title: "Pixel 7", Price: 300, Condition: "Used", Seller: "alice"},
		{ID: "4", Title: "iPhone 13 case", Price: 15, Condition: "New", Seller: "carol"},
	}

	tests := []struct {
		name string
		c    Criteria
		want []string
	}{
		{name: "empty criteria", c: Criteria{}, want: []string{"iPhone 13", "iPhone 14", "Pixel 7", "iPhone 13 case"}},
		{name: "keywords are OR", c: Criteria{Keywords: []string{"pixel", "iphone 14"}}, want: []string{"iPhone 14", "Pixel 7"}},
		{name: "exclusion wins over keyword", c: Criteria{Keywords: []string{"iphone"}, Excluded: []string{"case"}}, want: []string{"iPhone 13", "iPhone 14"}},
		{name: "price bounds inclusive", c: Criteria{MinPrice: ptr(300), MaxPrice: ptr(400)}, want: []string{"iPhone 13", "Pixel 7"}},
		{name: "min only", c: Criteria{MinPrice: ptr(500)}, want: []string{"iPhone 14"}},
		{name: "conditions case insensitive", c: Criteria{Conditions: []string{"new"}}, want: []string{"iPhone 14", "iPhone 13 case"}},
		{name: "seller allow-list", c: Criteria{Sellers: []string{"alice"}}, want: []string{"iPhone 13", "Pixel 7"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(items, tt.c)
			if diff := cmp.Diff(tt.want, titles(got)); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateKeyword(t *testing.T) {
	tests := []struct {
		name    string
		kw      string
		wantErr bool
	}{
		{name: "plain", kw: "iphone"},
		{name: "with spaces", kw: "  iphone 13 "},
		{name: "empty", kw: "   ", wantErr: true},
		{name: "too long", kw: strings.Repeat("x", 101), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyword(tt.kw)
			if diff := cmp.Diff(tt.wantErr, err != nil); diff != "" {
				t.Errorf("ValidateKeyword() error mismatch (-want +got):\n%s\nerr: %v", diff, err)
			}
			if err != nil && !errors.Is(err, model.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestValidateRegex(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "valid simple", pattern: "hello", wantErr: false},
		{name: "valid alternation", pattern: "case|cover|protector", wantErr: false},
		{name: "valid group", pattern: `iphone\s+1[2-5]`, wantErr: false},
		{name: "invalid unclosed bracket", pattern: "[invalid", wantErr: true},
		{name: "invalid bad repetition", pattern: "*bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegex(tt.pattern)
			gotErr := err != nil
			if diff := cmp.Diff(tt.wantErr, gotErr); diff != "" {
				t.Errorf("ValidateRegex() error mismatch (-want +got):\n%s\nerr: %v", diff, err)
			}
		})
	}
}
