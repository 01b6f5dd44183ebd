package commands

import (
	"reflect"
	"testing"
)

func TestParsePairs(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		values  []string
		want    map[string]string
		wantErr bool
	}{
		"empty input":   {values: nil, want: nil},
		"single pair":   {values: []string{"app=latest"}, want: map[string]string{"app": "latest"}},
		"several pairs": {values: []string{"a=1", "b=2"}, want: map[string]string{"a": "1", "b": "2"}},
		"empty value":   {values: []string{"a="}, want: map[string]string{"a": ""}},
		"value with equals": {
			values: []string{"ref=feature=rc1"},
			want:   map[string]string{"ref": "feature=rc1"},
		},
		"missing separator": {values: []string{"latest"}, wantErr: true},
		"empty key":         {values: []string{"=latest"}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := parsePairs("set-image-tag", tc.values)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parsePairs(%v) expected an error", tc.values)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePairs(%v) error: %v", tc.values, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parsePairs(%v) = %v, want %v", tc.values, got, tc.want)
			}
		})
	}
}
