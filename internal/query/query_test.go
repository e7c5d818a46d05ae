package query

import (
	"reflect"
	"strings"
	"testing"

	"renderfarm/internal/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Query
	}{
		{
			name:  "symbolic operators",
			input: "num_gpus=1 dph_total<=0.5",
			want:  Query{"num_gpus": {"eq": 1.0}, "dph_total": {"lte": 0.5}},
		},
		{
			name:  "word operators",
			input: "num_gpus gte 2 dph_total lt 1",
			want:  Query{"num_gpus": {"gte": 2.0}, "dph_total": {"lt": 1.0}},
		},
		{
			name:  "spaced symbolic operator",
			input: "num_gpus = 4",
			want:  Query{"num_gpus": {"eq": 4.0}},
		},
		{
			name:  "two bounds on one field",
			input: "dph_total>0.1 dph_total<0.4",
			want:  Query{"dph_total": {"gt": 0.1, "lt": 0.4}},
		},
		{
			name:  "alias rewritten",
			input: "reliability>0.98 dph<0.3",
			want:  Query{"reliability2": {"gt": 0.98}, "dph_total": {"lt": 0.3}},
		},
		{
			name:  "memory multiplier",
			input: "gpu_ram>=16",
			want:  Query{"gpu_ram": {"gte": 16000.0}},
		},
		{
			name:  "duration in days",
			input: "duration>=3",
			want:  Query{"duration": {"gte": 259200.0}},
		},
		{
			name:  "booleans and null",
			input: "rentable=True verified=false external=None",
			want:  Query{"rentable": {"eq": true}, "verified": {"eq": false}, "external": {"eq": nil}},
		},
		{
			name:  "underscore becomes space",
			input: "gpu_name=RTX_4090",
			want:  Query{"gpu_name": {"eq": "RTX 4090"}},
		},
		{
			name:  "quoted value keeps spaces",
			input: `gpu_name="RTX 4090"`,
			want:  Query{"gpu_name": {"eq": "RTX 4090"}},
		},
		{
			name:  "bracketed list",
			input: "gpu_name in [RTX_3090, RTX_4090] geolocation notin [CN,RU]",
			want: Query{
				"gpu_name":    {"in": []any{"RTX 3090", "RTX 4090"}},
				"geolocation": {"notin": []any{"CN", "RU"}},
			},
		},
		{
			name:  "wildcard clears constraint",
			input: "dph_total<=0.5 num_gpus=1 dph_total=any",
			want:  Query{"num_gpus": {"eq": 1.0}},
		},
		{
			name:  "blank input",
			input: "   ",
			want:  Query{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		near  string
	}{
		{"leading operator", "=5", "=5"},
		{"trailing garbage", "num_gpus=1 >2", ">2"},
		{"missing operator", "num_gpus 2", "num_gpus 2"},
		{"unknown operator", "num_gpus=>2", "num_gpus=>2"},
		{"blank value", "num_gpus=", "num_gpus="},
		{"empty list", "gpu_name in []", "gpu_name in []"},
		{"wildcard with ordering", "dph_total>any", "dph_total>any"},
		{"non numeric multiplier", "gpu_ram>=lots", "gpu_ram>=lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.input)
			}
			if !errors.IsQuerySyntax(err) {
				t.Fatalf("expected query syntax error, got %v", err)
			}
			if near := errors.GetFields(err)["near"]; near != tt.near {
				t.Errorf("near = %q, want %q", near, tt.near)
			}
		})
	}
}

func TestParseWarnsOnUnknownField(t *testing.T) {
	got, warnings, err := Parse("gpu_flavour=mint num_gpus=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "gpu_flavour") {
		t.Errorf("expected one warning naming gpu_flavour, got %v", warnings)
	}
	if got["gpu_flavour"]["eq"] != "mint" {
		t.Errorf("unknown field should pass through, got %v", got)
	}
}

func TestParseIntoMerges(t *testing.T) {
	base := Query{"rentable": {"eq": true}, "dph_total": {"lte": 0.5}}
	got, _, err := OfferParser().ParseInto(base, "num_gpus>=2", "dph_total=*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Query{"rentable": {"eq": true}, "num_gpus": {"gte": 2.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTokenizeReconstructsInput(t *testing.T) {
	inputs := []string{
		"num_gpus=1",
		"num_gpus  =  1   dph_total lte 0.4",
		`gpu_name="RTX 4090" rentable=true`,
		"gpu_name in [RTX_3090, RTX_4090]   reliability>0.9",
		"geolocation not in [CN,RU] cuda_vers>=12",
		"a b c",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			clauses, err := Tokenize(in)
			if err != nil {
				t.Fatalf("Tokenize error: %v", err)
			}
			var b strings.Builder
			for i, c := range clauses {
				if c.Pos != b.Len() {
					t.Errorf("clause %d at %d, expected %d", i, c.Pos, b.Len())
				}
				b.WriteString(c.Text)
			}
			if b.String() != in {
				t.Errorf("reconstructed %q, want %q", b.String(), in)
			}
		})
	}
}

func TestTokenizeWordOperators(t *testing.T) {
	clauses, err := Tokenize("geolocation not in [CN] cuda_max_good noteq 11 gpu_name nin [A]")
	if err != nil {
		t.Fatalf("Tokenize error: %v", err)
	}
	want := []string{"not in", "noteq", "nin"}
	if len(clauses) != len(want) {
		t.Fatalf("got %d clauses, want %d", len(clauses), len(want))
	}
	for i, c := range clauses {
		if c.Op != want[i] {
			t.Errorf("clause %d op = %q, want %q", i, c.Op, want[i])
		}
	}
}

func TestQueryString(t *testing.T) {
	q := Query{"rentable": {"eq": true}}
	if got := q.String(); got != `{"rentable":{"eq":true}}` {
		t.Errorf("String() = %s", got)
	}
}
