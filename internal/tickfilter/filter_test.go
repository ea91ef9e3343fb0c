package tickfilter

import (
	"testing"

	"github.com/shopspring/decimal"
)

func p(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name   string
		prices []string
		want   []string // "" means accepted
	}{
		{"first tick in range", []string{"60000"}, []string{""}},
		{"below minimum", []string{"999.99"}, []string{ReasonOutOfRange}},
		{"above maximum", []string{"200000.01"}, []string{ReasonOutOfRange}},
		{"non-positive", []string{"0"}, []string{ReasonInvalidPrice}},
		{"small move", []string{"60000", "60200"}, []string{"", ""}},
		{"spike", []string{"60000", "60300"}, []string{"", ReasonSuddenSpike}},
		{"spike keeps old reference", []string{"60000", "61000", "60100"}, []string{"", ReasonSuddenSpike, ""}},
		{"out of range does not move reference", []string{"60000", "500", "60010"}, []string{"", ReasonOutOfRange, ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(DefaultConfig(), nil)
			for i, s := range tt.prices {
				ok, reason := f.Validate(p(s))
				if reason != tt.want[i] {
					t.Errorf("Validate(%s) reason = %q, want %q", s, reason, tt.want[i])
				}
				if ok != (tt.want[i] == "") {
					t.Errorf("Validate(%s) ok = %v", s, ok)
				}
			}
		})
	}
}

func TestFilter_RebasesAfterPersistentShift(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveRejects = 3
	f := New(cfg, nil)

	f.Validate(p("60000"))
	for i := 0; i < 3; i++ {
		if ok, _ := f.Validate(p("62000")); ok {
			t.Fatalf("spike %d accepted before streak limit", i)
		}
	}
	if ok, reason := f.Validate(p("62000")); !ok {
		t.Fatalf("Validate() after streak = %q, want re-base", reason)
	}
	if ok, _ := f.Validate(p("62010")); !ok {
		t.Error("tick near new level rejected")
	}

	st := f.Stats()
	if st.SuddenSpike != 3 || st.Rebased != 1 || st.Accepted != 3 {
		t.Errorf("Stats() = %+v", st)
	}
	if !st.LastAccepted.Equal(p("62010")) {
		t.Errorf("LastAccepted = %s, want 62010", st.LastAccepted)
	}
}

func TestFilter_AcceptedTickResetsStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveRejects = 2
	f := New(cfg, nil)

	f.Validate(p("60000"))
	f.Validate(p("62000"))
	f.Validate(p("62000"))
	f.Validate(p("60010"))
	if ok, _ := f.Validate(p("62000")); ok {
		t.Error("spike accepted; streak should have restarted")
	}
}

func TestFilter_NoRebaseWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveRejects = 0
	f := New(cfg, nil)

	f.Validate(p("60000"))
	for i := 0; i < 50; i++ {
		if ok, _ := f.Validate(p("65000")); ok {
			t.Fatalf("spike accepted at %d with re-basing disabled", i)
		}
	}
}

func TestFilter_Reset(t *testing.T) {
	f := New(DefaultConfig(), nil)
	f.Validate(p("60000"))
	f.Reset()

	if ok, _ := f.Validate(p("90000")); !ok {
		t.Error("first tick after Reset rejected")
	}
}
