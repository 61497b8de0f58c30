package reference

import (
	"errors"
	"testing"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    Locator
		wantErr bool
	}{
		{name: "file", ref: "model.star:ping", want: Locator{"model.star", "ping"}},
		{name: "absolute path", ref: "/opt/ml/model/model.star:custom_ping_handler", want: Locator{"/opt/ml/model/model.star", "custom_ping_handler"}},
		{name: "module path", ref: "engine.handlers:invoke", want: Locator{"engine.handlers", "invoke"}},
		{name: "colon in location", ref: `C:\models\model.star:ping`, want: Locator{`C:\models\model.star`, "ping"}},
		{name: "surrounding space", ref: "  model.star:ping ", want: Locator{"model.star", "ping"}},
		{name: "no separator", ref: "model.star", wantErr: true},
		{name: "empty symbol", ref: "model.star:", wantErr: true},
		{name: "empty location", ref: ":ping", wantErr: true},
		{name: "symbol with dash", ref: "model.star:my-handler", wantErr: true},
		{name: "symbol starting with digit", ref: "model.star:1ping", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocator(tt.ref)
			if tt.wantErr {
				var target *MalformedReferenceError
				if !errors.As(err, &target) {
					t.Fatalf("ParseLocator(%q) error = %v, want MalformedReferenceError", tt.ref, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLocator(%q) unexpected error: %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("ParseLocator(%q) = %+v, want %+v", tt.ref, got, tt.want)
			}
			if got.String() != got.Location+":"+got.Symbol {
				t.Errorf("String() = %q", got.String())
			}
		})
	}
}
